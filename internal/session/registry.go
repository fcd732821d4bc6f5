// Package session keeps the live sessions of the server: one container per
// session, any number of attached connections, and the idle reaper that
// reclaims abandoned containers.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"mobide/internal/authsignal"
	"mobide/internal/container"
	"mobide/internal/watcher"
	"mobide/internal/workspace"
)

const (
	defaultIdleTimeout      = 30 * time.Minute
	defaultSweepInterval    = time.Minute
	defaultProvisionTimeout = 5 * time.Minute
	stopTimeout             = 10 * time.Second
	readBufSize             = 32 * 1024
	maxAttachAttempts       = 3
)

// Options tunes a Registry. Zero values select defaults.
type Options struct {
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	ProvisionTimeout time.Duration
	// ScrollbackBytes is how much recent output is replayed to a new
	// connection. Zero disables replay.
	ScrollbackBytes int
	// WatchFiles enables files-changed events while a session is live.
	WatchFiles    bool
	WatchDebounce time.Duration
}

// Clock supplies the time used for activity tracking and reaping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Registry owns every live session. Create one at startup and share it.
type Registry struct {
	resolver *workspace.Resolver
	prov     container.Provisioner
	detector *authsignal.Detector
	watcher  *watcher.Watcher
	opts     Options
	clock    Clock

	mu       sync.RWMutex
	sessions map[string]*managedSession
}

type managedSession struct {
	id        string
	workspace string

	// ready is closed once provisioning finished; err is set before that.
	ready chan struct{}
	err   error

	mu           sync.Mutex
	inst         *container.Instance
	sinks        map[string]Sink
	lastActivity time.Time
	auth         authsignal.State
	scroll       *RingBuffer
	stopped      bool
}

// NewRegistry creates a registry provisioning through prov.
func NewRegistry(resolver *workspace.Resolver, prov container.Provisioner, detector *authsignal.Detector, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = defaultProvisionTimeout
	}
	r := &Registry{
		resolver: resolver,
		prov:     prov,
		detector: detector,
		opts:     opts,
		clock:    realClock{},
		sessions: make(map[string]*managedSession),
	}
	if opts.WatchFiles {
		r.watcher = watcher.New(opts.WatchDebounce, r.filesChanged)
	}
	return r
}

// Create allocates a new session id and its empty workspace. No container is
// started until the first Attach.
func (r *Registry) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if _, err := r.resolver.Ensure(id); err != nil {
		return "", err
	}
	log.Info().Str("session", id).Msg("session created")
	return id, nil
}

// Attach connects sink to the session, provisioning a container if none is
// live. The sink first receives the scrollback, then the current auth state.
// Concurrent attaches to the same session share one provisioning; ctx only
// bounds how long this caller waits for it.
func (r *Registry) Attach(ctx context.Context, sessionID string, sink Sink) error {
	base, err := r.resolver.Ensure(sessionID)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxAttachAttempts; attempt++ {
		ms, created := r.getOrCreate(sessionID, base)
		if created {
			go r.provision(ms)
		}

		select {
		case <-ms.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if errors.Is(ms.err, ErrSessionEnded) {
			// Stopped while provisioning; the record is gone, provision again.
			continue
		}
		if ms.err != nil {
			return ms.err
		}

		ms.mu.Lock()
		if ms.stopped {
			// Ended between provisioning and now; start over with a fresh one.
			ms.mu.Unlock()
			continue
		}
		ms.sinks[sink.ID()] = sink
		ms.lastActivity = r.clock.Now()
		if replay := ms.scroll.Bytes(); len(replay) > 0 {
			sink.Deliver(Event{Type: EventOutput, Data: string(replay)})
		}
		sink.Deliver(Event{Type: EventAuthState, Auth: ms.auth.Clone()})
		n := len(ms.sinks)
		ms.mu.Unlock()

		log.Info().Str("session", sessionID).Str("conn", sink.ID()).Int("connections", n).Msg("connection attached")
		return nil
	}
	return ErrSessionEnded
}

// Detach removes a sink. The container keeps running; only the idle reaper
// stops it.
func (r *Registry) Detach(sessionID, sinkID string) {
	ms := r.lookup(sessionID)
	if ms == nil {
		return
	}
	ms.mu.Lock()
	delete(ms.sinks, sinkID)
	ms.lastActivity = r.clock.Now()
	n := len(ms.sinks)
	ms.mu.Unlock()

	log.Info().Str("session", sessionID).Str("conn", sinkID).Int("connections", n).Msg("connection detached")
}

// Input writes keystrokes to the session terminal. A failed write is logged
// and returned but does not end the session.
func (r *Registry) Input(sessionID string, data []byte) error {
	inst, err := r.touch(sessionID)
	if err != nil {
		return err
	}
	if _, err := inst.Write(data); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("write to container stream")
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize changes the terminal size. Zero sizes are ignored and runtime
// failures are only logged.
func (r *Registry) Resize(ctx context.Context, sessionID string, cols, rows uint) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	inst, err := r.touch(sessionID)
	if err != nil {
		return err
	}
	if err := r.prov.Resize(ctx, inst, cols, rows); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Uint("cols", cols).Uint("rows", rows).Msg("resize terminal")
	}
	return nil
}

// Stop stops the session's container and forgets the session. It reports
// whether a session was found.
func (r *Registry) Stop(sessionID string) bool {
	ms := r.lookup(sessionID)
	if ms == nil {
		return false
	}
	r.stop(ms, ReasonStopped)
	return true
}

// List returns a snapshot of live sessions.
func (r *Registry) List() []Session {
	all := r.snapshot()

	out := make([]Session, 0, len(all))
	for _, ms := range all {
		ms.mu.Lock()
		if ms.inst != nil && !ms.stopped {
			out = append(out, Session{
				ID:           ms.id,
				ContainerID:  ms.inst.ID,
				Connections:  len(ms.sinks),
				LastActivity: ms.lastActivity,
				Auth:         ms.auth.Clone(),
			})
		}
		ms.mu.Unlock()
	}
	return out
}

// Sweep stops every live session that has had no connection for longer than
// the idle timeout. It returns how many were stopped.
func (r *Registry) Sweep(now time.Time) int {
	all := r.snapshot()

	reaped := 0
	for _, ms := range all {
		ms.mu.Lock()
		idleFor := now.Sub(ms.lastActivity)
		if ms.stopped || ms.inst == nil || len(ms.sinks) > 0 || idleFor <= r.opts.IdleTimeout {
			ms.mu.Unlock()
			continue
		}
		inst, sinks := r.markStopped(ms)
		ms.mu.Unlock()

		log.Info().Str("session", ms.id).Dur("idle", idleFor).Msg("reaping idle session")
		r.teardown(ms, inst, sinks, ReasonStopped)
		reaped++
	}
	return reaped
}

// Run sweeps for idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}

// Shutdown stops every session in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	all := r.snapshot()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, ms := range all {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.stop(ms, ReasonShutdown)
			return nil
		})
	}
	err := g.Wait()
	if r.watcher != nil {
		r.watcher.Shutdown()
	}
	return err
}

func (r *Registry) getOrCreate(id, base string) (*managedSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ms, ok := r.sessions[id]; ok {
		return ms, false
	}
	ms := &managedSession{
		id:        id,
		workspace: base,
		ready:     make(chan struct{}),
		sinks:     make(map[string]Sink),
		scroll:    NewRingBuffer(r.opts.ScrollbackBytes),
	}
	r.sessions[id] = ms
	return ms, true
}

func (r *Registry) snapshot() []*managedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*managedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		all = append(all, ms)
	}
	return all
}

func (r *Registry) lookup(id string) *managedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// remove drops ms from the map unless a newer record took its id.
func (r *Registry) remove(ms *managedSession) {
	r.mu.Lock()
	if r.sessions[ms.id] == ms {
		delete(r.sessions, ms.id)
	}
	r.mu.Unlock()
}

// touch returns the live instance and records activity.
func (r *Registry) touch(sessionID string) (*container.Instance, error) {
	ms := r.lookup(sessionID)
	if ms == nil {
		return nil, ErrSessionEnded
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.inst == nil || ms.stopped {
		return nil, ErrSessionEnded
	}
	ms.lastActivity = r.clock.Now()
	return ms.inst, nil
}

func (r *Registry) provision(ms *managedSession) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ProvisionTimeout)
	defer cancel()

	log.Info().Str("session", ms.id).Msg("provisioning container")
	inst, err := r.prov.Provision(ctx, ms.id, ms.workspace)
	if err != nil {
		log.Error().Err(err).Str("session", ms.id).Msg("provisioning failed")
		r.remove(ms)
		ms.err = err
		close(ms.ready)
		return
	}

	ms.mu.Lock()
	if ms.stopped {
		ms.mu.Unlock()
		r.prov.Stop(ctx, inst)
		ms.err = ErrSessionEnded
		close(ms.ready)
		return
	}
	ms.inst = inst
	ms.lastActivity = r.clock.Now()
	if r.watcher != nil {
		if err := r.watcher.Watch(ms.id, ms.workspace); err != nil {
			log.Warn().Err(err).Str("session", ms.id).Msg("watch workspace")
		}
	}
	ms.mu.Unlock()

	close(ms.ready)
	go r.pump(ms, inst)
}

// pump is the only reader of a container stream. It fans every chunk out in
// the order it was read and stops the session when the stream ends.
func (r *Registry) pump(ms *managedSession, inst *container.Instance) {
	buf := make([]byte, readBufSize)
	var carry []byte

	for {
		n, err := inst.Read(buf)
		if n > 0 {
			data := buf[:n]
			if len(carry) > 0 {
				data = append(carry, data...)
			}
			cut := completeUTF8(data)
			if cut > 0 {
				r.output(ms, string(data[:cut]))
			}
			carry = bytes.Clone(data[cut:])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) &&
				!errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				log.Warn().Err(err).Str("session", ms.id).Msg("container stream error")
			}
			r.stop(ms, ReasonEnded)
			return
		}
	}
}

func (r *Registry) output(ms *managedSession, text string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.stopped {
		return
	}
	ms.lastActivity = r.clock.Now()
	ms.scroll.Write([]byte(text))

	out := Event{Type: EventOutput, Data: text}
	for _, s := range ms.sinks {
		s.Deliver(out)
	}

	signals := r.detector.Observe(&ms.auth, text)
	if len(signals) == 0 {
		return
	}
	for _, sig := range signals {
		log.Info().Str("session", ms.id).Str("type", string(sig.Type)).Msg("auth signal detected")
		ev := Event{Type: EventAuthDetected, Signal: sig}
		for _, s := range ms.sinks {
			s.Deliver(ev)
		}
	}
	state := Event{Type: EventAuthState, Auth: ms.auth.Clone()}
	for _, s := range ms.sinks {
		s.Deliver(state)
	}
}

func (r *Registry) filesChanged(sessionID string) {
	ms := r.lookup(sessionID)
	if ms == nil {
		return
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.stopped {
		return
	}
	ev := Event{Type: EventFilesChanged, Data: sessionID}
	for _, s := range ms.sinks {
		s.Deliver(ev)
	}
}

func (r *Registry) stop(ms *managedSession, reason string) {
	ms.mu.Lock()
	if ms.stopped {
		ms.mu.Unlock()
		return
	}
	inst, sinks := r.markStopped(ms)
	ms.mu.Unlock()

	r.teardown(ms, inst, sinks, reason)
}

// markStopped must be called with ms.mu held. It returns what teardown has
// to release.
func (r *Registry) markStopped(ms *managedSession) (*container.Instance, []Sink) {
	ms.stopped = true
	inst := ms.inst
	ms.inst = nil
	sinks := make([]Sink, 0, len(ms.sinks))
	for _, s := range ms.sinks {
		sinks = append(sinks, s)
	}
	clear(ms.sinks)
	if r.watcher != nil {
		r.watcher.Unwatch(ms.id)
	}
	return inst, sinks
}

func (r *Registry) teardown(ms *managedSession, inst *container.Instance, sinks []Sink, reason string) {
	r.remove(ms)
	for _, s := range sinks {
		s.Ended(reason)
	}
	if inst == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	r.prov.Stop(ctx, inst)
	log.Info().Str("session", ms.id).Str("reason", reason).Msg("session stopped")
}

// completeUTF8 returns the length of the longest prefix of p that does not
// end in the middle of a multi-byte rune.
func completeUTF8(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
