package netfilter

import (
	"bytes"
	"fmt"
	"os/exec"
)

// CommandRunner abstracts shell command execution.
// Used by IPTables for listings go-iptables does not expose.
type CommandRunner interface {
	Output(name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual shell commands.
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}

// Output executes a command and returns its stdout. A non-zero exit is
// returned as *exec.ExitError with stderr folded into the message.
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return out, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return out, err
	}
	return out, nil
}
