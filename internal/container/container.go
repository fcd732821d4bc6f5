// Package container provisions and tears down the interactive compute
// environment behind a session: one container (or, in development, one local
// PTY process) per session, exposed as a single duplex terminal stream.
package container

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
)

// ErrImageUnavailable is returned when the configured image is missing and
// cannot be pulled. Callers may retry later.
var ErrImageUnavailable = errors.New("image unavailable")

// WorkDir is where the session workspace is mounted inside the container.
const WorkDir = "/workspace"

// SessionLabel tags every container with the session it belongs to.
const SessionLabel = "mobide.session"

// Provisioner creates and destroys session instances.
type Provisioner interface {
	// Provision starts a fresh instance for the session with workspaceDir
	// mounted as its working directory.
	Provision(ctx context.Context, sessionID, workspaceDir string) (*Instance, error)
	// Resize changes the terminal size. Failures are for logging only.
	Resize(ctx context.Context, inst *Instance, cols, rows uint) error
	// Stop closes the stream and terminates the instance. Errors are logged,
	// never returned.
	Stop(ctx context.Context, inst *Instance)
}

// Instance pairs a container with the duplex stream attached to its
// terminal. The two are only ever valid together.
type Instance struct {
	ID string

	stream io.ReadWriteCloser
	cmd    *exec.Cmd

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewInstance wraps an already attached stream.
func NewInstance(id string, stream io.ReadWriteCloser) *Instance {
	return &Instance{ID: id, stream: stream}
}

// Read reads terminal output. Only one goroutine should read.
func (i *Instance) Read(p []byte) (int, error) {
	return i.stream.Read(p)
}

// Write sends input to the terminal. Writes from different goroutines are
// serialized but never wait on a pending Read.
func (i *Instance) Write(p []byte) (int, error) {
	i.wmu.Lock()
	defer i.wmu.Unlock()
	return i.stream.Write(p)
}

// Close closes the stream. Subsequent calls return the first result.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		i.closeErr = i.stream.Close()
	})
	return i.closeErr
}
