package state

import (
	"testing"

	"github.com/google/uuid"

	"grimm.is/appwall/internal/firewall"
)

func TestAppsBucket(t *testing.T) {
	store := newMemoryStore(t)

	bucket, err := NewAppsBucket(store)
	if err != nil {
		t.Fatalf("failed to create apps bucket: %v", err)
	}

	added, err := bucket.Watch(WatchedApp{UID: 10120, Name: "browser"})
	if err != nil {
		t.Fatalf("failed to watch: %v", err)
	}
	if !added {
		t.Error("expected first watch to add")
	}

	first, _ := bucket.Get(10120)

	// Re-watch renames but keeps the original timestamp
	added, err = bucket.Watch(WatchedApp{UID: 10120, Name: "chromium"})
	if err != nil {
		t.Fatalf("failed to re-watch: %v", err)
	}
	if added {
		t.Error("re-watch must not report an addition")
	}
	got, err := bucket.Get(10120)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.Name != "chromium" {
		t.Errorf("expected renamed app, got %q", got.Name)
	}
	if !got.Since.Equal(first.Since) {
		t.Errorf("since changed from %v to %v", first.Since, got.Since)
	}

	bucket.Watch(WatchedApp{UID: 10005})

	apps, err := bucket.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(apps) != 2 || apps[0].UID != 10005 || apps[1].UID != 10120 {
		t.Errorf("expected apps sorted by uid, got %+v", apps)
	}

	removed, err := bucket.Unwatch(10120)
	if err != nil || !removed {
		t.Errorf("expected unwatch to remove, got %v, %v", removed, err)
	}
	removed, err = bucket.Unwatch(10120)
	if err != nil || removed {
		t.Errorf("expected second unwatch to be a no-op, got %v, %v", removed, err)
	}

	if _, err := bucket.Watch(WatchedApp{UID: -1}); err == nil {
		t.Error("expected negative uid to be rejected")
	}
}

func TestRulesBucket(t *testing.T) {
	store := newMemoryStore(t)

	bucket, err := NewRulesBucket(store)
	if err != nil {
		t.Fatalf("failed to create rules bucket: %v", err)
	}

	web := firewall.TransportRule{
		UID:         7,
		Destination: firewall.Endpoint{IP: "93.184.216.34", Port: 443},
		Device:      firewall.DeviceAny,
		Protocol:    firewall.ProtocolTCP,
		Policy:      firewall.PolicyAccept,
	}
	dns := firewall.TransportRule{
		UID:         8,
		Destination: firewall.Endpoint{Port: 53},
		Device:      firewall.DeviceWifi,
		Protocol:    firewall.ProtocolUDP,
		Policy:      firewall.PolicyBlock,
	}

	firstID := uuid.New()
	if err := bucket.Add(firstID, web); err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if err := bucket.Add(uuid.New(), dns); err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if err := bucket.Add(uuid.Nil, web); err != nil {
		t.Fatalf("failed to add duplicate: %v", err)
	}

	rules, err := bucket.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[0].ID != firstID || rules[0].Rule != web {
		t.Errorf("unexpected first rule %+v", rules[0])
	}
	if rules[1].Rule != dns {
		t.Errorf("rule did not round-trip: %+v", rules[1].Rule)
	}
	if rules[2].ID == uuid.Nil {
		t.Error("nil id should be replaced")
	}

	owned, _ := bucket.ForUser(7)
	if len(owned) != 2 {
		t.Errorf("expected 2 rules for uid 7, got %d", len(owned))
	}

	// Remove drops the oldest copy only
	removed, err := bucket.Remove(web)
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v, %v", removed, err)
	}
	rules, _ = bucket.List()
	if len(rules) != 2 || rules[0].Rule != dns || rules[1].Rule != web {
		t.Errorf("unexpected rules after remove: %+v", rules)
	}

	removed, _ = bucket.Remove(firewall.TransportRule{UID: 99, Protocol: firewall.ProtocolTCP})
	if removed {
		t.Error("removing an unknown rule should report false")
	}
}

func TestSettingsBucket(t *testing.T) {
	store := newMemoryStore(t)

	bucket, err := NewSettingsBucket(store)
	if err != nil {
		t.Fatalf("failed to create settings bucket: %v", err)
	}

	_, ok, err := bucket.DefaultPolicy()
	if err != nil || ok {
		t.Fatalf("expected no stored policy, got ok=%v err=%v", ok, err)
	}

	for _, m := range firewall.DefaultModes {
		if err := bucket.SetDefaultPolicy(m); err != nil {
			t.Fatalf("failed to set %s: %v", m, err)
		}
		got, ok, err := bucket.DefaultPolicy()
		if err != nil || !ok {
			t.Fatalf("failed to read policy: ok=%v err=%v", ok, err)
		}
		if got != m {
			t.Errorf("expected %s, got %s", m, got)
		}
	}
}

func TestOpenBuckets(t *testing.T) {
	store := newMemoryStore(t)

	b, err := OpenBuckets(store)
	if err != nil {
		t.Fatalf("failed to open buckets: %v", err)
	}
	if b.Apps == nil || b.Rules == nil || b.Settings == nil {
		t.Fatal("expected every accessor")
	}

	// Opening again over the same store is fine
	if _, err := OpenBuckets(store); err != nil {
		t.Fatalf("failed to reopen buckets: %v", err)
	}

	names, _ := store.ListBuckets()
	if len(names) != 3 {
		t.Errorf("expected 3 buckets, got %v", names)
	}
}
