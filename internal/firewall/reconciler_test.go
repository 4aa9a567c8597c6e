package firewall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/netfilter"
)

func TestDefaultMode_SetThenGet(t *testing.T) {
	eng, tbl, _ := enabledEngine(t)
	ctx := context.Background()
	c := eng.Chains()

	for _, m := range []DefaultMode{AcceptAllUnmatched, AcceptAllUnmatched, RejectAllUnmatched, InteractiveUnmatched, InteractiveUnmatched, RejectAllUnmatched} {
		require.NoError(t, eng.SetDefaultMode(ctx, m))
		got, err := eng.DefaultMode()
		require.NoError(t, err)
		assert.Equal(t, m, got)
		assert.Equal(t, 1, defaultJumps(tbl, c))

		main := tbl.Rules(c.Main)
		assert.Equal(t, netfilter.Spec{"-j", c.Terminal(m.Policy())}, main[len(main)-1])
	}
}

func TestDefaultMode_EnableThenAccept(t *testing.T) {
	eng, tbl, _ := enabledEngine(t)
	c := eng.Chains()

	require.NoError(t, eng.SetDefaultMode(context.Background(), AcceptAllUnmatched))
	main := tbl.Rules(c.Main)
	assert.Equal(t, netfilter.Spec{"-j", c.Accept}, main[len(main)-1])
	assert.Equal(t, 1, defaultJumps(tbl, c))
	assert.Equal(t, 0, countJumps(tbl, c.Main, c.Interactive))
}

func TestDefaultMode_Indeterminate(t *testing.T) {
	eng, tbl, _ := newTestEngine(t)

	_, err := eng.DefaultMode()
	assert.True(t, errors.HasKind(err, errors.KindInconsistentState), "not enabled")

	err = eng.SetDefaultMode(context.Background(), AcceptAllUnmatched)
	assert.True(t, errors.HasKind(err, errors.KindInconsistentState))

	require.NoError(t, eng.Enable(context.Background(), nil))
	c := eng.Chains()
	require.NoError(t, tbl.RuleDelete(c.Main, netfilter.Spec{"-j", c.Interactive}))

	_, err = eng.DefaultMode()
	assert.True(t, errors.HasKind(err, errors.KindInconsistentState), "default jump removed externally")

	require.NoError(t, eng.SetDefaultMode(context.Background(), InteractiveUnmatched))
	mode, err := eng.DefaultMode()
	require.NoError(t, err)
	assert.Equal(t, InteractiveUnmatched, mode)
}

func TestDefaultMode_SetRemovesDuplicates(t *testing.T) {
	eng, tbl, _ := enabledEngine(t)
	c := eng.Chains()
	require.NoError(t, tbl.RuleAdd(c.Main, netfilter.Spec{"-j", c.Accept}))
	require.NoError(t, tbl.RuleAdd(c.Main, netfilter.Spec{"-j", c.Interactive}))

	require.NoError(t, eng.SetDefaultMode(context.Background(), RejectAllUnmatched))
	assert.Equal(t, 1, defaultJumps(tbl, c))
	assert.Equal(t, 1, countJumps(tbl, c.Main, c.Reject))
}

func TestForwarding_SetAndProbe(t *testing.T) {
	eng, tbl, _ := enabledEngine(t)
	ctx := context.Background()
	c := eng.Chains()

	ok, err := eng.IsForwarded(ctx, 10023)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, eng.SetForwarded(ctx, 10023, true))
	require.NoError(t, eng.SetForwarded(ctx, 10023, true))
	assert.Equal(t, []netfilter.Spec{
		netfilter.ParseSpec("-m owner --uid-owner 10023 -j MARK --set-mark 20023"),
		netfilter.ParseSpec("-m owner --uid-owner 10023 -j " + c.Main),
	}, tbl.Rules(c.Prefilter))

	ok, err = eng.IsForwarded(ctx, 10023)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, eng.SetForwarded(ctx, 10023, false))
	assert.Empty(t, tbl.Rules(c.Prefilter))
	ok, err = eng.IsForwarded(ctx, 10023)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForwarding_SelfHeal(t *testing.T) {
	for i, name := range []string{"mark missing", "jump missing"} {
		t.Run(name, func(t *testing.T) {
			eng, tbl, tel := enabledEngine(t)
			ctx := context.Background()
			c := eng.Chains()

			require.NoError(t, eng.SetForwarded(ctx, 7, true))
			pair := forwardingPair(c, eng.Options(), 7)
			require.NoError(t, tbl.RuleDelete(pair[i].Chain, pair[i].Spec))

			r := NewReconciler(tbl, eng.Options(), nil, nil)
			state, err := r.ForwardingState(7)
			require.NoError(t, err)
			assert.Equal(t, ForwardInconsistent, state)

			ok, err := eng.IsForwarded(ctx, 7)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 1, tbl.Count(pair[0].Chain, pair[0].Spec))
			assert.Equal(t, 1, tbl.Count(pair[1].Chain, pair[1].Spec))
			assert.Equal(t, 1, tel.selfHeals)

			// The mark has to be set before the jump hands the packet to main.
			rules := tbl.Rules(c.Prefilter)
			mark, jump := -1, -1
			for n, spec := range rules {
				switch {
				case spec.Equal(pair[0].Spec):
					mark = n
				case spec.Equal(pair[1].Spec):
					jump = n
				}
			}
			require.NotEqual(t, -1, mark)
			assert.Less(t, mark, jump, "prefilter: %v", rules)
		})
	}
}

func TestForwarding_SelfHealFailureIsReported(t *testing.T) {
	eng, tbl, _ := enabledEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.SetForwarded(ctx, 7, true))
	pair := forwardingPair(eng.Chains(), eng.Options(), 7)
	require.NoError(t, tbl.RuleDelete(pair[0].Chain, pair[0].Spec))

	tbl.FailOn = func(cmd netfilter.Command) error {
		if cmd.Op == netfilter.OpRuleAddIfMissing {
			return assert.AnError
		}
		return nil
	}
	_, err := eng.IsForwarded(ctx, 7)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindInconsistentState))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestForwarding_WhenDisabled(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	ok, err := eng.IsForwarded(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, eng.SetForwarded(ctx, 7, false))
	assert.Error(t, eng.SetForwarded(ctx, 7, true))
}

func TestParseDefaultMode(t *testing.T) {
	for in, want := range map[string]DefaultMode{
		"accept": AcceptAllUnmatched, "REJECT": RejectAllUnmatched,
		"block": RejectAllUnmatched, "interactive": InteractiveUnmatched,
	} {
		got, err := ParseDefaultMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		again, err := ParseDefaultMode(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
	_, err := ParseDefaultMode("drop")
	assert.True(t, errors.HasKind(err, errors.KindValidation))
}
