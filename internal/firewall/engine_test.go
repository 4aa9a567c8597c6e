package firewall

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/netfilter"
)

type recordingProgress struct {
	before  []netfilter.Command
	after   []netfilter.Command
	errs    int
	onAfter func(n int)
}

func (p *recordingProgress) CommandBefore(cmd netfilter.Command) {
	p.before = append(p.before, cmd)
}

func (p *recordingProgress) CommandAfter(cmd netfilter.Command, err error) {
	p.after = append(p.after, cmd)
	if err != nil {
		p.errs++
	}
	if p.onAfter != nil {
		p.onAfter(len(p.after))
	}
}

func TestEngine_ProgressReportsEveryCommand(t *testing.T) {
	eng, tbl, _ := newTestEngine(t)
	progress := &recordingProgress{}

	require.NoError(t, eng.Enable(context.Background(), progress))
	assert.Equal(t, progress.before, progress.after)
	assert.Zero(t, progress.errs)

	mutations := 0
	for _, cmd := range progress.after {
		if cmd.Mutating() {
			mutations++
		}
	}
	rules := 0
	for _, name := range append([]string{"INPUT", "OUTPUT"}, eng.Chains().Managed()...) {
		rules += len(tbl.Rules(name))
	}
	assert.Equal(t, len(eng.Chains().Managed())+rules, mutations)

	assert.Equal(t, netfilter.OpChainAdd, progress.after[len(progress.after)-mutations].Op)
	last := progress.after[len(progress.after)-1]
	assert.Equal(t, "-A OUTPUT -p udp -j appwall-prefilter", last.String())

	teardown := &recordingProgress{}
	require.NoError(t, eng.Disable(context.Background(), false, teardown))
	assert.NotEmpty(t, teardown.after)
	assert.Equal(t, netfilter.OpChainExists, teardown.after[0].Op)
}

func TestEngine_CancelBetweenPrimitives(t *testing.T) {
	eng, tbl, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	progress := &recordingProgress{}
	progress.onAfter = func(n int) {
		if n == 12 {
			cancel()
		}
	}

	err := eng.Enable(ctx, progress)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, progress.after, 12, "no command starts after cancellation")
	assert.Len(t, progress.before, 12)

	require.NoError(t, eng.Disable(context.Background(), false, nil))
	assert.Empty(t, tbl.Chains())
}

func TestEngine_ReadersNeverSeeHalfAppliedMode(t *testing.T) {
	eng, _, _ := enabledEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 64)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := eng.DefaultMode(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		require.NoError(t, eng.SetDefaultMode(ctx, DefaultModes[i%len(DefaultModes)]))
	}
	close(stop)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("reader observed a half-applied mode: %v", err)
	}
}

func TestEngine_ConcurrentRuleMutations(t *testing.T) {
	eng, tbl, _ := enabledEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for uid := 100; uid < 120; uid++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			r := TransportRule{UID: uid, Destination: Endpoint{Port: uid}, Device: DeviceAny, Protocol: ProtocolTCP, Policy: PolicyBlock}
			_, err := eng.AddTransportRule(ctx, r)
			assert.NoError(t, err)
			assert.NoError(t, eng.SetForwarded(ctx, uid, true))
			ok, err := eng.IsForwarded(ctx, uid)
			assert.NoError(t, err)
			assert.True(t, ok)
		}(uid)
	}
	wg.Wait()

	assert.Equal(t, 20, eng.Registry().Count())
	assert.Len(t, tbl.Rules(eng.Chains().Wifi), 40)
	assert.Len(t, tbl.Rules(eng.Chains().Prefilter), 40)
}

func TestEngine_EnableClearsRegistry(t *testing.T) {
	eng, _, tel := enabledEngine(t)
	_, err := eng.AddTransportRule(context.Background(), webRule(DeviceAny))
	require.NoError(t, err)
	assert.Equal(t, 1, tel.registered)

	require.NoError(t, eng.Enable(context.Background(), nil))
	assert.Zero(t, eng.Registry().Count())
	assert.Zero(t, tel.registered)
}

func TestEngine_Audit(t *testing.T) {
	eng, tbl, _ := enabledEngine(t)
	ctx := context.Background()

	_, err := eng.AddTransportRule(ctx, webRule(DeviceAny))
	require.NoError(t, err)
	require.NoError(t, eng.SetForwarded(ctx, 7, true))

	report, err := eng.Audit(7)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Empty(t, report.Diff)
	assert.Equal(t, "interactive", report.DefaultMode)
	// 4 root + 24 dispatch + 3 terminal + 2 forwarding + 4 rule primitives
	assert.Equal(t, 37, report.Checked)

	lost := eng.Compile(webRule(DeviceAny))[3]
	require.NoError(t, tbl.RuleDelete(lost.Chain, lost.Spec))
	require.NoError(t, tbl.RuleDelete(eng.Chains().Main, netfilter.Spec{"-j", eng.Chains().Interactive}))

	report, err = eng.Audit(7)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Contains(t, report.Missing, lost)
	assert.Empty(t, report.DefaultMode)
	assert.Contains(t, report.Diff, "--- expected")
	assert.Contains(t, report.Diff, "-"+lost.String())
}

func TestEngine_AuditWhenDisabled(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	report, err := eng.Audit()
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Len(t, report.Missing, report.Checked+1)
}

func TestEngine_AdoptInstalledRule(t *testing.T) {
	eng, tbl, _ := enabledEngine(t)
	ctx := context.Background()
	h, err := eng.AddTransportRule(ctx, webRule(DeviceAny))
	require.NoError(t, err)

	// An engine of another process starts with an empty registry.
	other := NewEngine(tbl, DefaultOptions(), eng.logger)
	tel := &countingTelemetry{}
	other.SetTelemetry(tel)
	report, err := other.Audit()
	require.NoError(t, err)
	assert.Equal(t, 31, report.Checked)

	ok, err := other.Adopt(Handle{ID: h.ID, Rule: h.Rule, Created: h.Created})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, tel.registered)
	adopted := other.Rules(h.Rule.UID)
	require.Len(t, adopted, 1)
	assert.Equal(t, h, adopted[0])

	report, err = other.Audit()
	require.NoError(t, err)
	assert.Equal(t, 35, report.Checked)
	assert.True(t, report.Consistent(), report.Diff)

	lost := h.Primitives[1]
	require.NoError(t, tbl.RuleDelete(lost.Chain, lost.Spec))
	ok, err = NewEngine(tbl, DefaultOptions(), eng.logger).Adopt(Handle{Rule: h.Rule})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = other.Adopt(Handle{Rule: TransportRule{UID: -1}})
	assert.Error(t, err)
}
