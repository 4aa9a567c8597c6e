package firewall

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/netfilter"
)

type countingTelemetry struct {
	mu            sync.Mutex
	compensations int
	selfHeals     int
	registered    int
}

func (t *countingTelemetry) Compensation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compensations++
}

func (t *countingTelemetry) SelfHeal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfHeals++
}

func (t *countingTelemetry) RegisteredRules(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registered = n
}

func newTestEngine(t *testing.T) (*Engine, *netfilter.MemoryTable, *countingTelemetry) {
	t.Helper()
	tbl := netfilter.NewMemoryTable()
	eng := NewEngine(tbl, DefaultOptions(), logging.Discard())
	tel := &countingTelemetry{}
	eng.SetTelemetry(tel)
	return eng, tbl, tel
}

func enabledEngine(t *testing.T) (*Engine, *netfilter.MemoryTable, *countingTelemetry) {
	t.Helper()
	eng, tbl, tel := newTestEngine(t)
	require.NoError(t, eng.Enable(context.Background(), nil))
	return eng, tbl, tel
}

// countJumps counts rules in chain whose target is to.
func countJumps(tbl *netfilter.MemoryTable, chain, to string) int {
	n := 0
	for _, r := range tbl.Rules(chain) {
		if r.Target() == to {
			n++
		}
	}
	return n
}

// defaultJumps counts the default handling rules in the main chain.
func defaultJumps(tbl *netfilter.MemoryTable, c Chains) int {
	n := 0
	for _, r := range tbl.Rules(c.Main) {
		if len(r) == 2 && r[0] == "-j" {
			n++
		}
	}
	return n
}
