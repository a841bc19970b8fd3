// Command notifyd serves live notification streams to users and accepts publishes from the
// rest of the platform.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/strogmv/notify/internal/app"
	"github.com/strogmv/notify/internal/config"
	"github.com/strogmv/notify/internal/pkg/logger"
	"github.com/strogmv/notify/internal/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("notifyd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.NewContainer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	shutdownTracing, err := tracing.Init(ctx, "notifyd", cfg.InstanceID, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn("tracing shutdown", "error", err)
		}
	}()

	srv := c.Server()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Service.Run(gctx)
	})
	g.Go(func() error {
		log.Info("notifyd listening", "addr", cfg.HTTPAddr, "bus", cfg.BusDriver, "instance_id", cfg.InstanceID)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
