package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ai4all/internal/daemon"
	"ai4all/internal/httpapi"
)

func newServeCmd(a *app, o *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP daemon",
		Example: "  ai4alld serve --config ai4all.yaml\n  AI4ALL_RUNTIME=mock ai4alld serve --manifest models.yaml --addr :9090",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, o.turnTimeout)
		},
	}
	cmd.Flags().StringVar(&o.corsOrigins, "cors-origins", o.corsOrigins, "Comma separated allowed CORS origins; empty disables CORS (defaults AI4ALL_CORS_ORIGINS)")
	cmd.Flags().DurationVar(&o.turnTimeout, "turn-timeout", o.turnTimeout, "Cancel streamed turns running longer than this (0=no limit)")
	return cmd
}

// serve runs the daemon until ctx is cancelled or the listener fails, then
// shuts the server down and closes the daemon within drain_timeout.
func serve(ctx context.Context, a *app, turnTimeout time.Duration) error {
	cfg, log := a.cfg, a.log
	d, err := daemon.New(ctx, cfg, daemon.Options{Logger: log})
	if err != nil {
		return err
	}

	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins, nil, nil)
	httpapi.SetBaseContext(ctx)
	httpapi.SetTurnTimeout(turnTimeout)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("runtime", cfg.Runtime).Msg("ai4alld listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	go d.Warm(ctx)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errc:
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout.D())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
	}
	if err := d.Close(sctx); err != nil {
		log.Error().Err(err).Msg("daemon close")
		serveErr = errors.Join(serveErr, err)
	}
	return serveErr
}
