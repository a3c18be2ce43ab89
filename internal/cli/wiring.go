package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/metrics"
	"github.com/roach88/tillsync/internal/network"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/postgres"
	"github.com/roach88/tillsync/internal/store"
)

// openStore opens the configured local database. It refuses to create a
// new one unless create is set, so a mistyped --db is reported instead
// of silently yielding an empty queue.
func (o *RootOptions) openStore(create bool) (*store.Store, error) {
	path := o.Config.DBPath
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("database not found: %s", path)
		}
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	o.Logger.Debug("opening database", "path", path)
	return store.Open(path)
}

// openPostgres connects to the configured server and makes sure its
// tables exist.
func (o *RootOptions) openPostgres(ctx context.Context) (*postgres.Service, error) {
	if o.Config.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres.dsn is not set (config file or TILLSYNC_POSTGRES_DSN)")
	}
	svc, err := postgres.New(ctx, o.Config.PostgresDSN, o.Logger)
	if err != nil {
		return nil, err
	}
	if err := svc.Migrate(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// connectivity returns the provider described by the config: a watched
// flag file, or a manual switch starting in state online. The switch is
// nil for the flag file.
func (o *RootOptions) connectivity(online bool) (network.ConnectivityProvider, *network.ManualProvider, func(), error) {
	if o.Config.FlagFile != "" {
		fp, err := network.NewFileProvider(o.Config.FlagFile, o.Logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return fp, nil, func() { _ = fp.Close() }, nil
	}
	mp := network.NewManualProvider(online)
	return mp, mp, func() {}, nil
}

// newEngine builds an engine with the configured retry, drain and sale
// settings.
func (o *RootOptions) newEngine(ctx context.Context, st *store.Store, svc remote.Service, provider network.ConnectivityProvider, m *metrics.Collector) (*engine.Engine, error) {
	cfg := o.Config
	return engine.New(ctx, st, svc, provider,
		engine.WithLogger(o.Logger),
		engine.WithMetrics(m),
		engine.WithRetryPolicy(cfg.Retry),
		engine.WithDrainInterval(cfg.DrainInterval),
		engine.WithSaleConfig(engine.SaleConfig{
			DecrementAttempts: cfg.Sale.DecrementAttempts,
			DecrementDelay:    cfg.Sale.DecrementDelay,
			Conditional:       cfg.Sale.Conditional,
		}),
	)
}
