package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/evgrid/tronity-connect/internal/config"
	"github.com/evgrid/tronity-connect/internal/connector"
	"github.com/evgrid/tronity-connect/internal/garage"
	"github.com/evgrid/tronity-connect/internal/logging"
	"github.com/evgrid/tronity-connect/internal/store"
	"github.com/evgrid/tronity-connect/tronity"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("tronity-connect starting",
		slog.String("version", Version),
		slog.Duration("interval", cfg.Interval),
	)

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = store.DefaultPath()
		if err != nil {
			return err
		}
	}

	st, err := store.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	manager := tronity.NewManager(tronity.ManagerConfig{
		TokenStore:     st,
		CacheStore:     st,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	session, err := manager.GetSession(tronity.ServiceTronity, tronity.Credential{
		ID:     cfg.ClientID,
		Secret: cfg.ClientSecret,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Prime the token before the loop starts. Refresh falls back to a
	// fresh login when the server rejects the stored refresh token, so
	// a failure here means the credentials themselves do not work.
	if err := session.Refresh(ctx); err != nil {
		return fmt.Errorf("initial authentication: %w", err)
	}

	g := garage.New()
	conn := connector.New(session, manager, g, connector.Options{
		Interval: cfg.Interval,
		Logger:   logger,
	})

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return conn.Run(gctx)
	})

	runErr := eg.Wait()

	// The loop has stopped; finish the teardown in order: persist
	// sessions, close the transport, release managed vehicles.
	if err := conn.Shutdown(); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
	}

	logger.Info("tronity-connect stopped")

	return runErr
}
