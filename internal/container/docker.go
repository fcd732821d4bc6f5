package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DockerAPI is the subset of the Docker Engine client used here.
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerResize(ctx context.Context, containerID string, options container.ResizeOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerOptions configures the containers started by Docker.
type DockerOptions struct {
	Image string
	Pull  bool
	User  string
	Shell []string
	Env   []string
}

// Docker provisions one container per session through the Docker Engine API.
type Docker struct {
	api  DockerAPI
	opts DockerOptions

	imageReady atomic.Bool
	pulls      singleflight.Group
	progress   rate.Sometimes
}

// NewDocker connects to the engine at host (e.g. "unix:///var/run/docker.sock").
// An empty host falls back to DOCKER_HOST and the platform default.
func NewDocker(host string, opts DockerOptions) (*Docker, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewDockerWithAPI(cli, opts), nil
}

// NewDockerWithAPI builds a Docker provisioner on top of an existing client.
func NewDockerWithAPI(api DockerAPI, opts DockerOptions) *Docker {
	if len(opts.Shell) == 0 {
		opts.Shell = []string{"/bin/bash"}
	}
	return &Docker{
		api:      api,
		opts:     opts,
		progress: rate.Sometimes{First: 1, Interval: 2 * time.Second},
	}
}

// Close releases the engine client.
func (d *Docker) Close() error {
	return d.api.Close()
}

// EnsureImage makes sure the configured image exists locally, pulling it
// when allowed. Success is remembered for the life of the process; all
// concurrent callers share a single inspect/pull. A failed attempt is not
// remembered, so the next call tries again.
func (d *Docker) EnsureImage(ctx context.Context) error {
	if d.imageReady.Load() {
		return nil
	}
	ch := d.pulls.DoChan(d.opts.Image, func() (any, error) {
		return nil, d.ensureImage(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Docker) ensureImage(ctx context.Context) error {
	if d.imageReady.Load() {
		return nil
	}
	ref := d.opts.Image
	_, err := d.api.ImageInspect(ctx, ref)
	if err == nil {
		d.imageReady.Store(true)
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %q: %w", ref, err)
	}
	if !d.opts.Pull {
		return fmt.Errorf("%w: image %q not found; build it or enable image pulling (CLI_IMAGE_PULL=true)", ErrImageUnavailable, ref)
	}

	log.Info().Str("image", ref).Msg("image missing, pulling")
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %q: %w", ErrImageUnavailable, ref, err)
	}
	defer rc.Close()

	if err := d.followPull(rc); err != nil {
		return fmt.Errorf("%w: pull %q: %w", ErrImageUnavailable, ref, err)
	}
	d.imageReady.Store(true)
	log.Info().Str("image", ref).Msg("image pulled")
	return nil
}

// followPull drains the JSON progress stream of a pull. Status lines are
// logged when they change, byte counters at most every couple of seconds.
func (d *Docker) followPull(r io.Reader) error {
	dec := json.NewDecoder(r)
	var last string
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode progress: %w", err)
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}

		label := strings.TrimSpace(msg.ID + " " + msg.Status)
		if msg.Progress != nil && msg.Progress.Total > 0 {
			current, total := msg.Progress.Current, msg.Progress.Total
			d.progress.Do(func() {
				log.Debug().Str("image", d.opts.Image).Str("layer", msg.ID).
					Int64("current", current).Int64("total", total).Msg("pull progress")
			})
			continue
		}
		if label == "" || label == last {
			continue
		}
		last = label
		log.Info().Str("image", d.opts.Image).Msg(label)
	}
}

// Provision creates, attaches to and starts the session container. The
// stream is attached before the container starts so the first prompt is not
// lost. Anything that fails after create removes the container again.
func (d *Docker) Provision(ctx context.Context, sessionID, workspaceDir string) (*Instance, error) {
	if err := d.EnsureImage(ctx); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:        d.opts.Image,
		Cmd:          d.opts.Shell,
		User:         d.opts.User,
		WorkingDir:   WorkDir,
		Env:          append([]string{"TERM=xterm-256color"}, d.opts.Env...),
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{SessionLabel: sessionID},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workspaceDir, Target: WorkDir},
		},
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	for _, w := range created.Warnings {
		log.Warn().Str("session", sessionID).Str("container", shortID(created.ID)).Msg(w)
	}

	resp, err := d.api.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.discard(created.ID)
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		resp.Close()
		d.discard(created.ID)
		return nil, fmt.Errorf("start container: %w", err)
	}

	log.Info().Str("session", sessionID).Str("container", shortID(created.ID)).Msg("container started")
	return NewInstance(created.ID, &hijackedStream{resp: resp}), nil
}

// Resize changes the container TTY size.
func (d *Docker) Resize(ctx context.Context, inst *Instance, cols, rows uint) error {
	return d.api.ContainerResize(ctx, inst.ID, container.ResizeOptions{Width: cols, Height: rows})
}

// Stop closes the stream and stops the container immediately. AutoRemove
// takes care of deleting it.
func (d *Docker) Stop(ctx context.Context, inst *Instance) {
	if err := inst.Close(); err != nil {
		log.Warn().Err(err).Str("container", shortID(inst.ID)).Msg("close container stream")
	}
	timeout := 0
	err := d.api.ContainerStop(ctx, inst.ID, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("container", shortID(inst.ID)).Msg("stop container")
		return
	}
	log.Info().Str("container", shortID(inst.ID)).Msg("container stopped")
}

func (d *Docker) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("container", shortID(id)).Msg("remove failed container")
	}
}

// hijackedStream adapts an attach response to io.ReadWriteCloser. With a TTY
// the stream is raw, not multiplexed.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (h *hijackedStream) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h *hijackedStream) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h *hijackedStream) Close() error {
	h.resp.Close()
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
