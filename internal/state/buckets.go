package state

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
)

// Standard bucket names
const (
	BucketWatchedApps = "watched_apps"
	BucketRules       = "rules"
	BucketSettings    = "settings"
)

const keyDefaultPolicy = "default_policy"

// WatchedApp is an application whose traffic is funneled into the firewall.
type WatchedApp struct {
	UID   int       `json:"uid"`
	Name  string    `json:"name,omitempty"`
	Since time.Time `json:"since"`
}

// AppsBucket provides typed access to the watched application set.
type AppsBucket struct {
	store  Store
	bucket string
}

// NewAppsBucket creates a new watched-apps bucket accessor.
func NewAppsBucket(store Store) (*AppsBucket, error) {
	if err := store.CreateBucket(BucketWatchedApps); err != nil {
		return nil, err
	}
	return &AppsBucket{store: store, bucket: BucketWatchedApps}, nil
}

func uidKey(uid int) string {
	return strconv.Itoa(uid)
}

// Get retrieves a watched app by uid.
func (b *AppsBucket) Get(uid int) (*WatchedApp, error) {
	var app WatchedApp
	if err := b.store.GetJSON(b.bucket, uidKey(uid), &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// Watch records app and reports whether it was not watched before.
// Re-watching a uid keeps its original timestamp and updates the name.
func (b *AppsBucket) Watch(app WatchedApp) (bool, error) {
	if app.UID < 0 {
		return false, errors.Errorf(errors.KindValidation, "negative uid %d", app.UID)
	}
	existing, err := b.Get(app.UID)
	switch {
	case err == nil:
		if app.Name == "" || app.Name == existing.Name {
			return false, nil
		}
		existing.Name = app.Name
		return false, b.store.SetJSON(b.bucket, uidKey(app.UID), existing)
	case !errors.Is(err, ErrNotFound):
		return false, err
	}

	if app.Since.IsZero() {
		app.Since = clock.Now()
	}
	return true, b.store.SetJSON(b.bucket, uidKey(app.UID), app)
}

// Unwatch removes uid and reports whether it was watched.
func (b *AppsBucket) Unwatch(uid int) (bool, error) {
	err := b.store.Delete(b.bucket, uidKey(uid))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns every watched app sorted by uid.
func (b *AppsBucket) List() ([]WatchedApp, error) {
	entries, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}

	apps := make([]WatchedApp, 0, len(entries))
	for _, e := range entries {
		var app WatchedApp
		if err := unmarshalJSON(e.Value, &app); err != nil {
			continue
		}
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].UID < apps[j].UID })
	return apps, nil
}

// StoredRule is a persisted transport rule.
type StoredRule struct {
	ID      uuid.UUID              `json:"id"`
	Rule    firewall.TransportRule `json:"rule"`
	Created time.Time              `json:"created"`
}

// RulesBucket provides typed access to persisted transport rules.
type RulesBucket struct {
	store  Store
	bucket string
}

// NewRulesBucket creates a new rules bucket accessor.
func NewRulesBucket(store Store) (*RulesBucket, error) {
	if err := store.CreateBucket(BucketRules); err != nil {
		return nil, err
	}
	return &RulesBucket{store: store, bucket: BucketRules}, nil
}

// Add persists rule under id.
func (b *RulesBucket) Add(id uuid.UUID, rule firewall.TransportRule) error {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return b.store.SetJSON(b.bucket, id.String(), StoredRule{
		ID:      id,
		Rule:    rule,
		Created: clock.Now(),
	})
}

// Remove deletes the oldest stored copy of rule and reports whether one
// existed. Identical rules are stored once per add.
func (b *RulesBucket) Remove(rule firewall.TransportRule) (bool, error) {
	rules, err := b.List()
	if err != nil {
		return false, err
	}
	for _, r := range rules {
		if r.Rule == rule {
			if err := b.store.Delete(b.bucket, r.ID.String()); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// List returns every stored rule in creation order.
func (b *RulesBucket) List() ([]StoredRule, error) {
	entries, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}

	rules := make([]StoredRule, 0, len(entries))
	for _, e := range entries {
		var r StoredRule
		if err := unmarshalJSON(e.Value, &r); err != nil {
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ForUser returns the stored rules owned by uid in creation order.
func (b *RulesBucket) ForUser(uid int) ([]StoredRule, error) {
	all, err := b.List()
	if err != nil {
		return nil, err
	}
	var out []StoredRule
	for _, r := range all {
		if r.Rule.UID == uid {
			out = append(out, r)
		}
	}
	return out, nil
}

// SettingsBucket provides typed access to persisted engine settings.
type SettingsBucket struct {
	store  Store
	bucket string
}

// NewSettingsBucket creates a new settings bucket accessor.
func NewSettingsBucket(store Store) (*SettingsBucket, error) {
	if err := store.CreateBucket(BucketSettings); err != nil {
		return nil, err
	}
	return &SettingsBucket{store: store, bucket: BucketSettings}, nil
}

// SetDefaultPolicy persists the default handling mode applied after enable.
func (b *SettingsBucket) SetDefaultPolicy(m firewall.DefaultMode) error {
	return b.store.Set(b.bucket, keyDefaultPolicy, []byte(m.String()))
}

// DefaultPolicy returns the persisted default mode. ok is false when none
// was ever stored.
func (b *SettingsBucket) DefaultPolicy() (mode firewall.DefaultMode, ok bool, err error) {
	data, err := b.store.Get(b.bucket, keyDefaultPolicy)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	mode, err = firewall.ParseDefaultMode(string(data))
	if err != nil {
		return 0, false, err
	}
	return mode, true, nil
}

// Buckets bundles every typed accessor over one store.
type Buckets struct {
	Apps     *AppsBucket
	Rules    *RulesBucket
	Settings *SettingsBucket
}

// OpenBuckets creates every bucket appwall uses.
func OpenBuckets(store Store) (*Buckets, error) {
	apps, err := NewAppsBucket(store)
	if err != nil {
		return nil, err
	}
	rules, err := NewRulesBucket(store)
	if err != nil {
		return nil, err
	}
	settings, err := NewSettingsBucket(store)
	if err != nil {
		return nil, err
	}
	return &Buckets{Apps: apps, Rules: rules, Settings: settings}, nil
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
