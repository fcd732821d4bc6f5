package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mobide/internal/authsignal"
	"mobide/internal/config"
	"mobide/internal/container"
	"mobide/internal/logging"
	"mobide/internal/realtime"
	"mobide/internal/session"
	"mobide/internal/workspace"
)

const shutdownTimeout = 15 * time.Second

// flagOverrides holds command-line values that win over file and environment.
type flagOverrides struct {
	port      int
	root      string
	runtime   string
	staticDir string
	logLevel  string
	pull      bool
}

func (o *flagOverrides) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = o.port
	}
	if flags.Changed("workspaces") {
		cfg.Workspaces.Root = o.root
	}
	if flags.Changed("runtime") {
		cfg.Runtime.Kind = o.runtime
	}
	if flags.Changed("static") {
		cfg.Server.StaticDir = o.staticDir
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if flags.Changed("pull") {
		cfg.Runtime.Pull = o.pull
	}
}

// loadConfig reads the config, applies flag overrides, validates it and
// initializes logging.
func loadConfig(cmd *cobra.Command, path string, o *flagOverrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	o.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd(configPath *string) *cobra.Command {
	var o flagOverrides

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath, &o)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().IntVarP(&o.port, "port", "p", 3000, "listen port")
	cmd.Flags().StringVar(&o.root, "workspaces", "", "workspaces root directory")
	cmd.Flags().StringVar(&o.runtime, "runtime", config.RuntimeDocker, "session runtime: docker or local")
	cmd.Flags().StringVar(&o.staticDir, "static", "", "directory of static frontend files")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&o.pull, "pull", false, "pull the CLI image when it is missing")
	return cmd
}

// newProvisioner builds the configured runtime. The returned close func
// releases its resources.
func newProvisioner(cfg *config.Config) (container.Provisioner, func(), error) {
	switch cfg.Runtime.Kind {
	case config.RuntimeLocal:
		log.Warn().Msg("local runtime: sessions run on the host without isolation")
		return container.NewLocal(cfg.Runtime.Shell, nil), func() {}, nil
	default:
		d, err := container.NewDocker(cfg.DockerHost(), container.DockerOptions{
			Image: cfg.Runtime.Image,
			Pull:  cfg.Runtime.Pull,
			User:  cfg.Runtime.User,
			Shell: cfg.Runtime.Shell,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Workspaces.Root, 0o755); err != nil {
		return fmt.Errorf("create workspaces root: %w", err)
	}
	resolver, err := workspace.NewResolver(cfg.Workspaces.Root)
	if err != nil {
		return err
	}
	detector, err := authsignal.New(cfg.Auth.DeviceCodePattern)
	if err != nil {
		return err
	}

	prov, closeProv, err := newProvisioner(cfg)
	if err != nil {
		return err
	}
	defer closeProv()

	// Warm the image cache so the first session does not wait for it.
	if d, ok := prov.(*container.Docker); ok {
		go func() {
			if err := d.EnsureImage(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("image", cfg.Runtime.Image).Msg("image not ready; sessions will fail until it is")
			}
		}()
	}

	registry := session.NewRegistry(resolver, prov, detector, session.Options{
		IdleTimeout:     cfg.Sessions.IdleTimeout,
		SweepInterval:   cfg.Sessions.SweepInterval,
		ScrollbackBytes: cfg.Sessions.ScrollbackBytes,
		WatchFiles:      cfg.Sessions.WatchFiles,
	})
	go registry.Run(ctx)

	rt := realtime.New(registry, workspace.NewFiles(resolver), cfg.Server.StaticDir)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("workspaces", resolver.Root()).
			Str("runtime", cfg.Runtime.Kind).
			Dur("idle_timeout", cfg.Sessions.IdleTimeout).
			Msgf("mobide server running on http://localhost:%d", cfg.Server.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			registry.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("session shutdown")
	}
	return nil
}

func ensureImageCmd(configPath *string) *cobra.Command {
	var o flagOverrides

	cmd := &cobra.Command{
		Use:   "ensure-image",
		Short: "Check that the CLI image exists locally, pulling it if allowed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath, &o)
			if err != nil {
				return err
			}
			if cfg.Runtime.Kind != config.RuntimeDocker {
				return fmt.Errorf("ensure-image needs the docker runtime, configured runtime is %q", cfg.Runtime.Kind)
			}

			prov, closeProv, err := newProvisioner(cfg)
			if err != nil {
				return err
			}
			defer closeProv()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := prov.(*container.Docker).EnsureImage(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "image %s is ready\n", cfg.Runtime.Image)
			return nil
		},
	}
	cmd.Flags().BoolVar(&o.pull, "pull", false, "pull the image when it is missing")
	return cmd
}
