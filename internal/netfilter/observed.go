package netfilter

import (
	"time"
)

type observedPort struct {
	inner     Port
	observers []Observer
	recorder  Recorder
}

// Observe returns a Port that notifies observers around every command.
func Observe(p Port, observers ...Observer) Port {
	var keep []Observer
	for _, o := range observers {
		if o != nil {
			keep = append(keep, o)
		}
	}
	if len(keep) == 0 {
		return p
	}
	return &observedPort{inner: p, observers: keep}
}

// Instrument returns a Port that reports each command outcome to rec.
func Instrument(p Port, rec Recorder) Port {
	if rec == nil {
		return p
	}
	return &observedPort{inner: p, recorder: rec}
}

func (o *observedPort) run(cmd Command, fn func() error) error {
	for _, obs := range o.observers {
		obs.CommandBefore(cmd)
	}
	start := time.Now()
	err := fn()
	if o.recorder != nil {
		o.recorder.ObserveCommand(cmd.Op, time.Since(start), err)
	}
	for _, obs := range o.observers {
		obs.CommandAfter(cmd, err)
	}
	return err
}

func (o *observedPort) ChainAdd(chain string) error {
	return o.run(Command{Op: OpChainAdd, Chain: chain}, func() error {
		return o.inner.ChainAdd(chain)
	})
}

func (o *observedPort) ChainRemove(chain string) error {
	return o.run(Command{Op: OpChainRemove, Chain: chain}, func() error {
		return o.inner.ChainRemove(chain)
	})
}

func (o *observedPort) ChainExists(chain string) (bool, error) {
	var exists bool
	err := o.run(Command{Op: OpChainExists, Chain: chain}, func() error {
		var err error
		exists, err = o.inner.ChainExists(chain)
		return err
	})
	return exists, err
}

func (o *observedPort) RuleAdd(chain string, spec Spec) error {
	return o.run(Command{Op: OpRuleAdd, Chain: chain, Spec: spec}, func() error {
		return o.inner.RuleAdd(chain, spec)
	})
}

func (o *observedPort) RuleAddIfMissing(chain string, spec Spec) error {
	return o.run(Command{Op: OpRuleAddIfMissing, Chain: chain, Spec: spec}, func() error {
		return o.inner.RuleAddIfMissing(chain, spec)
	})
}

func (o *observedPort) RuleDelete(chain string, spec Spec) error {
	return o.run(Command{Op: OpRuleDelete, Chain: chain, Spec: spec}, func() error {
		return o.inner.RuleDelete(chain, spec)
	})
}

func (o *observedPort) RuleDeleteIfExists(chain string, spec Spec) error {
	return o.run(Command{Op: OpRuleDeleteIfExists, Chain: chain, Spec: spec}, func() error {
		return o.inner.RuleDeleteIfExists(chain, spec)
	})
}

func (o *observedPort) RuleExists(chain string, spec Spec) (bool, error) {
	var exists bool
	err := o.run(Command{Op: OpRuleExists, Chain: chain, Spec: spec}, func() error {
		var err error
		exists, err = o.inner.RuleExists(chain, spec)
		return err
	})
	return exists, err
}

func (o *observedPort) RulesDeleteAll(chain string) error {
	return o.run(Command{Op: OpRulesDeleteAll, Chain: chain}, func() error {
		return o.inner.RulesDeleteAll(chain)
	})
}

func (o *observedPort) DumpRules(chain string, resolveNames, resolveInterfaces bool) (string, error) {
	var out string
	err := o.run(Command{Op: OpDumpRules, Chain: chain}, func() error {
		var err error
		out, err = o.inner.DumpRules(chain, resolveNames, resolveInterfaces)
		return err
	})
	return out, err
}
