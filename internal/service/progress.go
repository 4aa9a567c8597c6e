package service

import (
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/netfilter"
)

// RestoreProgress extends command progress with the steps Enable runs after
// the topology is in place. Notifications arrive on the calling goroutine.
type RestoreProgress interface {
	firewall.Progress
	// WatchedAppsBeforeRestore is called once with the number of apps about
	// to be forwarded.
	WatchedAppsBeforeRestore(total int)
	// WatchedAppRestore is called before forwarding the index-th app.
	WatchedAppRestore(uid, index int)
	// PolicyBeforeApply is called before the default policy is applied.
	PolicyBeforeApply(mode firewall.DefaultMode)
}

// ProgressFuncs adapts plain funcs to RestoreProgress. Nil fields are skipped.
type ProgressFuncs struct {
	Before        func(cmd netfilter.Command)
	After         func(cmd netfilter.Command, err error)
	BeforeRestore func(total int)
	Restore       func(uid, index int)
	BeforePolicy  func(mode firewall.DefaultMode)
}

func (p ProgressFuncs) CommandBefore(cmd netfilter.Command) {
	if p.Before != nil {
		p.Before(cmd)
	}
}

func (p ProgressFuncs) CommandAfter(cmd netfilter.Command, err error) {
	if p.After != nil {
		p.After(cmd, err)
	}
}

func (p ProgressFuncs) WatchedAppsBeforeRestore(total int) {
	if p.BeforeRestore != nil {
		p.BeforeRestore(total)
	}
}

func (p ProgressFuncs) WatchedAppRestore(uid, index int) {
	if p.Restore != nil {
		p.Restore(uid, index)
	}
}

func (p ProgressFuncs) PolicyBeforeApply(mode firewall.DefaultMode) {
	if p.BeforePolicy != nil {
		p.BeforePolicy(mode)
	}
}
