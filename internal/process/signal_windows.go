//go:build windows

package process

// Windows has no SIGTERM for console children; both paths terminate the process.
func (p *Process) signalTerm() error { return p.signalKill() }

func (p *Process) signalKill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
