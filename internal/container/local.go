package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Local runs the session shell directly on the host under a pseudo-terminal.
// There is no isolation; it exists for development machines without Docker.
type Local struct {
	shell []string
	env   []string
}

// NewLocal creates a Local provisioner running shell (default /bin/bash).
func NewLocal(shell []string, env []string) *Local {
	if len(shell) == 0 {
		shell = []string{"/bin/bash"}
	}
	return &Local{shell: shell, env: env}
}

// Provision starts the shell in workspaceDir.
func (l *Local) Provision(ctx context.Context, sessionID, workspaceDir string) (*Instance, error) {
	cmd := exec.Command(l.shell[0], l.shell[1:]...)
	cmd.Dir = workspaceDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, l.env...)
	cmd.WaitDelay = 2 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	go func() {
		// Reap the process; the pump notices the exit through the PTY.
		if err := cmd.Wait(); err != nil {
			log.Debug().Err(err).Str("session", sessionID).Msg("local shell exited")
		}
	}()

	inst := NewInstance("local-"+uuid.NewString()[:8], ptmx)
	inst.cmd = cmd
	log.Info().Str("session", sessionID).Int("pid", cmd.Process.Pid).Msg("local shell started")
	return inst, nil
}

// Resize sets the PTY window size.
func (l *Local) Resize(ctx context.Context, inst *Instance, cols, rows uint) error {
	f, ok := inst.stream.(*os.File)
	if !ok {
		return errors.New("instance has no pty")
	}
	return pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Stop closes the PTY and kills the shell.
func (l *Local) Stop(ctx context.Context, inst *Instance) {
	if err := inst.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Warn().Err(err).Str("container", inst.ID).Msg("close pty")
	}
	if inst.cmd == nil || inst.cmd.Process == nil {
		return
	}
	if err := inst.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		log.Warn().Err(err).Str("container", inst.ID).Msg("kill local shell")
	}
}
