package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/localmind/internal/logger"
)

// Logical service names supervised by localmind.
const (
	NameAutomation   = "automation-server"
	NameTunnel       = "tunnel"
	NameModelRuntime = "model-runtime"
)

// waitDelay bounds how long Wait keeps copying output after the child exits
// (grandchildren can hold the pipes open).
const waitDelay = 2 * time.Second

// Spec describes an external executable to be supervised.
type Spec struct {
	Name       string            `json:"name" mapstructure:"name"`
	Executable string            `json:"executable" mapstructure:"executable"`
	Args       []string          `json:"args" mapstructure:"args"`
	Env        []string          `json:"env" mapstructure:"env"` // "K=V" overrides applied on top of the global env
	WorkDir    string            `json:"work_dir" mapstructure:"work_dir"`
	Log        logger.FileConfig `json:"-" mapstructure:"-"` // optional raw output capture
}

// Validate reports whether the spec can be launched.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name required")
	}
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("process %s: executable required", s.Name)
	}
	return nil
}

// WithArgs returns a copy of s with args replaced.
func (s Spec) WithArgs(args ...string) Spec {
	s.Args = append([]string(nil), args...)
	return s
}

func (s Spec) command(env []string) *exec.Cmd {
	// #nosec G204 -- executable and args come from operator configuration
	cmd := exec.Command(s.Executable, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)
	return cmd
}

// SpawnError is returned when the OS rejects a launch or the executable is missing.
type SpawnError struct {
	Name       string
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Name, e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
