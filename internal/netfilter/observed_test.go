package netfilter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	op     Op
	result string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) ObserveCommand(op Op, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{op: op, result: Result(err)})
}

func TestObserve_BeforeAndAfter(t *testing.T) {
	tbl := NewMemoryTable()
	var before, after []string
	p := Observe(tbl, ObserverFuncs{
		Before: func(cmd Command) { before = append(before, cmd.String()) },
		After: func(cmd Command, err error) {
			after = append(after, cmd.String()+" "+Result(err))
		},
	})

	require.NoError(t, p.ChainAdd("c"))
	require.NoError(t, p.RuleAdd("c", ParseSpec("-j ACCEPT")))
	_, err := p.RuleExists("missing", ParseSpec("-j ACCEPT"))
	require.Error(t, err)

	assert.Equal(t, []string{"-N c", "-A c -j ACCEPT", "-C missing -j ACCEPT"}, before)
	assert.Equal(t, []string{"-N c ok", "-A c -j ACCEPT ok", "-C missing -j ACCEPT not_exist"}, after)
}

func TestObserve_NilObserversPassThrough(t *testing.T) {
	tbl := NewMemoryTable()
	assert.Same(t, Port(tbl), Observe(tbl))
	assert.Same(t, Port(tbl), Observe(tbl, nil))
	assert.Same(t, Port(tbl), Instrument(tbl, nil))
}

func TestInstrument_RecordsResults(t *testing.T) {
	tbl := NewMemoryTable()
	rec := &fakeRecorder{}
	p := Instrument(tbl, rec)

	require.NoError(t, p.ChainAdd("c"))
	assert.Error(t, p.ChainAdd("c"))
	ok, err := p.ChainExists("c")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = p.DumpRules("c", false, false)
	require.NoError(t, err)

	assert.Equal(t, []recordedCall{
		{OpChainAdd, "ok"},
		{OpChainAdd, "non_zero_result"},
		{OpChainExists, "ok"},
		{OpDumpRules, "ok"},
	}, rec.calls)
}

func TestCommand_Mutating(t *testing.T) {
	assert.True(t, Command{Op: OpRuleAdd}.Mutating())
	assert.True(t, Command{Op: OpRulesDeleteAll}.Mutating())
	assert.False(t, Command{Op: OpRuleExists}.Mutating())
	assert.False(t, Command{Op: OpChainExists}.Mutating())
}

func TestSpec(t *testing.T) {
	s := ParseSpec("-p  tcp -j appwall-action-accept")
	assert.Equal(t, Spec{"-p", "tcp", "-j", "appwall-action-accept"}, s)
	assert.Equal(t, "appwall-action-accept", s.Target())
	assert.Equal(t, "", ParseSpec("-p tcp").Target())
	assert.True(t, s.Equal(ParseSpec("-p tcp -j appwall-action-accept")))
	assert.False(t, s.Equal(ParseSpec("-p udp -j appwall-action-accept")))
}
