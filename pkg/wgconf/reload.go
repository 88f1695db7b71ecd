package wgconf

import (
	"fmt"
	"os/exec"
)

// Reloader cycles the tunnel daemon after a config change. Down and Up
// are idempotent; failures are operational, not config errors.
type Reloader interface {
	Down(iface string) error
	Up(iface string) error
}

// ExecReloader drives wg-quick as an external process.
type ExecReloader struct{}

func (ExecReloader) Down(iface string) error { return run("wg-quick", "down", iface) }
func (ExecReloader) Up(iface string) error   { return run("wg-quick", "up", iface) }

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v failed: %v output=%s", name, args, err, string(out))
	}
	return nil
}
