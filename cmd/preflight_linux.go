//go:build linux

package cmd

import (
	"golang.org/x/sys/unix"

	"grimm.is/appwall/internal/errors"
)

// requireRoot fails unless the process may modify the filter table.
func requireRoot() error {
	if unix.Geteuid() != 0 {
		return errors.New(errors.KindCall, "must be run as root (or use --dry-run)")
	}
	return nil
}
