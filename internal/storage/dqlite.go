package storage

import (
	"context"

	"github.com/canonical/go-dqlite/v2/app"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

// DqliteConfig configures the embedded-cluster storage backend, used in
// place of Open when a deployment needs more than one storage node.
type DqliteConfig struct {
	DataDir  string
	BindAddr string
	Join     []string
	DBName   string
}

// OpenDqlite starts (or joins) a dqlite node and returns an Engine backed
// by its replicated SQLite database. Only single-node bootstrap and
// static-join topologies are supported here; membership changes are the
// operator's responsibility, same as the teacher's own database package
// leaves cluster topology to the caller.
func OpenDqlite(ctx context.Context, cfg DqliteConfig, clk clock.Clock) (*Engine, func() error, error) {
	opts := []app.Option{app.WithAddress(cfg.BindAddr)}
	if len(cfg.Join) > 0 {
		opts = append(opts, app.WithCluster(cfg.Join))
	}
	a, err := app.New(cfg.DataDir, opts...)
	if err != nil {
		return nil, nil, errors.Annotate(err, "starting dqlite app")
	}
	if err := a.Ready(ctx); err != nil {
		a.Close()
		return nil, nil, errors.Annotate(err, "waiting for dqlite readiness")
	}
	db, err := a.Open(ctx, cfg.DBName)
	if err != nil {
		a.Close()
		return nil, nil, errors.Annotate(err, "opening dqlite database")
	}
	if err := db.PingContext(ctx); err != nil {
		a.Close()
		return nil, nil, errors.Annotate(err, "pinging dqlite database")
	}
	engine, err := newEngine(ctx, db, clk)
	if err != nil {
		a.Close()
		return nil, nil, errors.Trace(err)
	}
	closeFn := func() error {
		if err := db.Close(); err != nil {
			return errors.Trace(err)
		}
		return a.Handover(context.Background())
	}
	return engine, closeFn, nil
}
