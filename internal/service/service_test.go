package service

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/device"
	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/netfilter"
	"grimm.is/appwall/internal/state"
)

type fixture struct {
	svc    *Service
	tbl    *netfilter.MemoryTable
	store  *state.SQLiteStore
	state  *state.Buckets
	chains firewall.Chains
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}

	opts := state.DefaultOptions(":memory:")
	opts.Logger = logging.Discard()
	store, err := state.NewSQLiteStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	buckets, err := state.OpenBuckets(store)
	require.NoError(t, err)

	tbl := netfilter.NewMemoryTable()
	eng := firewall.NewEngine(tbl, cfg.FirewallOptions(), logging.Discard())

	nl := new(device.MockNetlinker)
	up := netlink.NewLinkAttrs()
	up.Index, up.Name, up.Flags = 2, "wlan0", net.FlagUp
	nl.On("LinkList").Return([]netlink.Link{&netlink.Device{LinkAttrs: up}}, nil)
	devices := device.NewManager(nl, cfg.FirewallOptions(), logging.Discard())

	return &fixture{
		svc:    New(cfg, eng, buckets, devices, logging.Discard()),
		tbl:    tbl,
		store:  store,
		state:  buckets,
		chains: eng.Chains(),
	}
}

func (f *fixture) forwarded(uid int) bool {
	mark := netfilter.Spec{"-m", "owner", "--uid-owner", strconv.Itoa(uid), "-j", "MARK", "--set-mark", strconv.Itoa(uid + firewall.DefaultMarkOffset)}
	jump := netfilter.Spec{"-m", "owner", "--uid-owner", strconv.Itoa(uid), "-j", f.chains.Main}
	return f.tbl.Count(f.chains.Prefilter, mark) == 1 && f.tbl.Count(f.chains.Prefilter, jump) == 1
}

var webRule = firewall.TransportRule{
	UID:         10100,
	Destination: firewall.Endpoint{IP: "93.184.216.34", Port: 443},
	Device:      firewall.DeviceAny,
	Protocol:    firewall.ProtocolTCP,
	Policy:      firewall.PolicyAccept,
}

func TestService_EnableRestoresState(t *testing.T) {
	cfg := config.Default()
	cfg.Watch = []int{10200, 10100}
	cfg.Rules = []config.Rule{{
		Name:        "dns",
		UID:         10200,
		Protocol:    "udp",
		Destination: ":53",
		Device:      "wifi",
		Policy:      "block",
	}}
	f := newFixture(t, cfg)
	ctx := context.Background()

	// Everything below is persisted only: nothing is installed yet.
	require.NoError(t, f.svc.Watch(ctx, state.WatchedApp{UID: 10100, Name: "browser"}))
	h, err := f.svc.AddRule(ctx, webRule)
	require.NoError(t, err)
	assert.Empty(t, h.Primitives)
	require.NoError(t, f.svc.SetPolicy(ctx, firewall.AcceptAllUnmatched))
	assert.Empty(t, f.tbl.Chains())

	var total int
	var restored [][2]int
	var policy firewall.DefaultMode = -1
	commands := 0
	progress := ProgressFuncs{
		After:         func(netfilter.Command, error) { commands++ },
		BeforeRestore: func(n int) { total = n },
		Restore:       func(uid, index int) { restored = append(restored, [2]int{uid, index}) },
		BeforePolicy:  func(m firewall.DefaultMode) { policy = m },
	}
	require.NoError(t, f.svc.Enable(ctx, progress))

	assert.Equal(t, 2, total, "config and stored uids are merged")
	assert.Equal(t, [][2]int{{10100, 0}, {10200, 1}}, restored)
	assert.Equal(t, firewall.AcceptAllUnmatched, policy)
	assert.NotZero(t, commands)

	assert.True(t, f.forwarded(10100))
	assert.True(t, f.forwarded(10200))

	mode, err := f.svc.Engine().DefaultMode()
	require.NoError(t, err)
	assert.Equal(t, firewall.AcceptAllUnmatched, mode)

	// config rule (wifi: 2 primitives) + stored rule (any: 4 primitives)
	assert.Equal(t, 2, f.svc.Engine().Registry().Count())
	assert.Len(t, f.tbl.Rules(f.chains.Wifi), 4)
	assert.Len(t, f.tbl.Rules(f.chains.Cellular), 2)

	report, err := f.svc.Audit()
	require.NoError(t, err)
	assert.True(t, report.Consistent(), report.Diff)

	// Enabling again converges on the same table
	before := f.tbl.Snapshot()
	require.NoError(t, f.svc.Enable(ctx, nil))
	assert.Equal(t, before, f.tbl.Snapshot())
}

func TestService_EnableRejectsBadConfigRule(t *testing.T) {
	cfg := config.Default()
	cfg.Rules = []config.Rule{{Name: "bad", UID: 1, Protocol: "icmp", Device: "any", Policy: "accept"}}
	f := newFixture(t, cfg)

	err := f.svc.Enable(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindValidation))
	assert.Equal(t, "bad", errors.GetAttributes(err)["rule"])
}

func TestService_RulesWhileInstalled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Enable(ctx, nil))

	h, err := f.svc.AddRule(ctx, webRule)
	require.NoError(t, err)
	assert.Len(t, h.Primitives, 4)

	stored, err := f.svc.Rules()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, h.ID, stored[0].ID, "store and registry share the handle id")

	mine, err := f.svc.RulesFor(10100)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	removed, err := f.svc.DeleteRule(ctx, webRule)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, f.tbl.Rules(f.chains.Wifi))
	assert.Zero(t, f.svc.Engine().Registry().Count())

	removed, err = f.svc.DeleteRule(ctx, webRule)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestService_AddRuleRollsBackWhenStoreFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Enable(ctx, nil))
	wifiBefore := f.tbl.Rules(f.chains.Wifi)

	require.NoError(t, f.store.Close())
	_, err := f.svc.AddRule(ctx, webRule)
	require.ErrorIs(t, err, state.ErrStoreClosed)

	assert.Equal(t, wifiBefore, f.tbl.Rules(f.chains.Wifi))
	assert.Zero(t, f.svc.Engine().Registry().Count())
}

func TestService_AddRuleValidates(t *testing.T) {
	f := newFixture(t, nil)

	bad := webRule
	bad.Destination.Port = 70000
	_, err := f.svc.AddRule(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindInvalidRule))

	stored, _ := f.svc.Rules()
	assert.Empty(t, stored)
}

func TestService_WatchUnwatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Enable(ctx, nil))

	require.NoError(t, f.svc.Watch(ctx, state.WatchedApp{UID: 10300, Name: "mail"}))
	assert.True(t, f.forwarded(10300))

	apps, err := f.svc.Watched(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, AppStatus{UID: 10300, Name: "mail", Forwarded: true}, apps[0])

	// Half-present pair is repaired on read
	mark := netfilter.Spec{"-m", "owner", "--uid-owner", "10300", "-j", "MARK", "--set-mark", "20300"}
	require.NoError(t, f.tbl.RuleDelete(f.chains.Prefilter, mark))
	apps, err = f.svc.Watched(ctx)
	require.NoError(t, err)
	assert.True(t, apps[0].Forwarded)
	assert.True(t, f.forwarded(10300))

	require.NoError(t, f.svc.Unwatch(ctx, 10300))
	assert.False(t, f.forwarded(10300))
	apps, err = f.svc.Watched(ctx)
	require.NoError(t, err)
	assert.Empty(t, apps)

	// Unwatching an unknown uid is a no-op
	require.NoError(t, f.svc.Unwatch(ctx, 4242))
}

func TestService_UnwatchWhenNotInstalled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Watch(ctx, state.WatchedApp{UID: 10400}))
	require.NoError(t, f.svc.Unwatch(ctx, 10400))
	assert.Empty(t, f.tbl.Chains())
}

func TestService_PauseResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.NoError(t, f.svc.Pause(ctx), "pausing nothing is a no-op")
	err := f.svc.Resume(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindNotFound))

	require.NoError(t, f.svc.Enable(ctx, nil))
	running, err := f.svc.IsRunning()
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, f.svc.Pause(ctx))
	running, _ = f.svc.IsRunning()
	assert.False(t, running)

	require.NoError(t, f.svc.Resume(ctx))
	running, _ = f.svc.IsRunning()
	assert.True(t, running)

	require.NoError(t, f.svc.Disable(ctx, nil))
	running, _ = f.svc.IsRunning()
	assert.False(t, running)
	assert.Empty(t, f.tbl.Chains())
}

func TestService_Policy(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultPolicy = "reject"
	f := newFixture(t, cfg)
	ctx := context.Background()

	mode, source, err := f.svc.Policy()
	require.NoError(t, err)
	assert.Equal(t, firewall.RejectAllUnmatched, mode)
	assert.Equal(t, PolicyFromConfig, source)

	require.NoError(t, f.svc.Enable(ctx, nil))
	mode, source, err = f.svc.Policy()
	require.NoError(t, err)
	assert.Equal(t, firewall.RejectAllUnmatched, mode)
	assert.Equal(t, PolicyFromKernel, source)

	require.NoError(t, f.svc.SetPolicy(ctx, firewall.InteractiveUnmatched))
	mode, _, _ = f.svc.Policy()
	assert.Equal(t, firewall.InteractiveUnmatched, mode)

	require.NoError(t, f.svc.Disable(ctx, nil))
	mode, source, err = f.svc.Policy()
	require.NoError(t, err)
	assert.Equal(t, firewall.InteractiveUnmatched, mode)
	assert.Equal(t, PolicyFromState, source)
}

func TestService_Status(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Installed)
	assert.False(t, st.RoutingEnabled)
	assert.Equal(t, "interactive", st.DefaultMode)
	assert.Equal(t, PolicyFromConfig, st.PolicySource)

	require.NoError(t, f.svc.Enable(ctx, nil))
	require.NoError(t, f.svc.Watch(ctx, state.WatchedApp{UID: 10100}))
	_, err = f.svc.AddRule(ctx, webRule)
	require.NoError(t, err)

	st, err = f.svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Installed)
	assert.True(t, st.RoutingEnabled)
	assert.Equal(t, 1, st.Forwarded())
	assert.Equal(t, 1, st.StoredRules)
	assert.Equal(t, 1, st.RegisteredRules)
	assert.Equal(t, map[string]int{"wifi": 1, "cellular": 0}, st.InterfaceCounts())

	// A table edited behind our back shows up as a policy error
	require.NoError(t, f.tbl.RuleDelete(f.chains.Main, netfilter.Spec{"-j", f.chains.Interactive}))
	st, err = f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.DefaultMode)
	assert.NotEmpty(t, st.PolicyError)

	snap, err := f.svc.MetricsSource()(ctx)
	require.NoError(t, err)
	assert.True(t, snap.RoutingEnabled)
	assert.Empty(t, snap.DefaultMode)
	assert.Equal(t, 1, snap.WatchedApps)
	assert.Equal(t, 1, snap.ForwardedApps)
	assert.Equal(t, 1, snap.Interfaces["wifi"])
}

// A second process builds its own engine over the installed table.
func TestService_RecoverAdoptsInstalledRules(t *testing.T) {
	cfg := config.Default()
	cfg.Rules = []config.Rule{{
		Name:        "dns",
		UID:         10200,
		Protocol:    "udp",
		Destination: ":53",
		Device:      "wifi",
		Policy:      "block",
	}}
	f := newFixture(t, cfg)
	ctx := context.Background()

	fresh := func() *Service {
		eng := firewall.NewEngine(f.tbl, cfg.FirewallOptions(), logging.Discard())
		return New(cfg, eng, f.state, nil, logging.Discard())
	}

	n, err := fresh().Recover()
	require.NoError(t, err)
	assert.Zero(t, n, "nothing to adopt before enable")

	require.NoError(t, f.svc.Enable(ctx, nil))
	h, err := f.svc.AddRule(ctx, webRule)
	require.NoError(t, err)
	want, err := f.svc.Audit()
	require.NoError(t, err)

	other := fresh()
	n, err = other.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	report, err := other.Audit()
	require.NoError(t, err)
	assert.Equal(t, want.Checked, report.Checked, "rule primitives are audited")
	assert.True(t, report.Consistent(), report.Diff)

	st, err := other.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.RegisteredRules)
	mine := other.Engine().Registry().ForUser(webRule.UID)
	require.Len(t, mine, 1)
	assert.Equal(t, h.ID, mine[0].ID, "stored id is kept")

	n, err = other.Recover()
	require.NoError(t, err)
	assert.Zero(t, n, "a populated registry is left alone")

	// A rule edited out of the kernel is not adopted.
	require.NoError(t, f.tbl.RuleDelete(h.Primitives[0].Chain, h.Primitives[0].Spec))
	n, err = fresh().Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_RedirectIsUnimplemented(t *testing.T) {
	f := newFixture(t, nil)
	err := f.svc.AddRedirectRule(context.Background(), firewall.RedirectRule{
		UID:    10100,
		Device: firewall.DeviceAny,
		Target: firewall.Endpoint{IP: "10.0.0.1", Port: 8080},
	})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindUnimplemented))
}
