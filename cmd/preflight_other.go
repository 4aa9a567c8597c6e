//go:build !linux

package cmd

import "grimm.is/appwall/internal/errors"

func requireRoot() error {
	return errors.New(errors.KindUnimplemented, "iptables is only available on linux (use --dry-run)")
}
