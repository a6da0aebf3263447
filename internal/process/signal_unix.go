//go:build !windows

package process

import (
	"errors"
	"syscall"
)

func (p *Process) signalTerm() error { return p.signalGroup(syscall.SIGTERM) }
func (p *Process) signalKill() error { return p.signalGroup(syscall.SIGKILL) }

// signalGroup signals the whole process group, falling back to the leader alone.
func (p *Process) signalGroup(sig syscall.Signal) error {
	if p.pid <= 0 {
		return nil
	}
	err := syscall.Kill(-p.pid, sig)
	if err == nil {
		return nil
	}
	if err2 := syscall.Kill(p.pid, sig); err2 != nil && !errors.Is(err2, syscall.ESRCH) {
		return err2
	}
	return nil
}
