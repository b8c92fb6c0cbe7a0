package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig sizes the pool shared by the API and the background loops.
// Every worker holds a connection for its admission transaction and every
// concurrent health check holds one to record its result; BackgroundConns is
// that total and MaxConns must exceed it so requests are still served.
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	BackgroundConns int
	AppName         string
}

const defaultAppName = "claims-server"

func (c PoolConfig) parse() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if int(cfg.MaxConns) <= c.BackgroundConns {
		return nil, fmt.Errorf("pool of %d connections cannot serve %d background connections plus requests",
			cfg.MaxConns, c.BackgroundConns)
	}
	cfg.MinConns = c.MinConns
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	app := c.AppName
	if app == "" {
		app = defaultAppName
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = app
	return cfg, nil
}

// NewPool connects and pings the database.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pc.parse()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
