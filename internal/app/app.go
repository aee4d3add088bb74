// Package app wires configuration into a runnable pipeline. The ingester and
// the operator tools share it so they build sources, stores and publishers the
// same way.
package app

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/hazard-ingest/internal/config"
	"github.com/david/hazard-ingest/internal/db"
	"github.com/david/hazard-ingest/internal/ingest"
	"github.com/david/hazard-ingest/internal/publish"
	"github.com/david/hazard-ingest/internal/store"
)

type App struct {
	Config   *config.Config
	Pipeline *ingest.Pipeline
	Pool     *pgxpool.Pool // nil with the memory dedup driver
	Runs     *db.Runs      // nil with the memory dedup driver
	Purger   ingest.Purger
	Closers  []io.Closer
}

// Options narrow what Build constructs.
type Options struct {
	// SourceID keeps only the named source when set.
	SourceID string
}

// Build constructs every dependency of a cycle. Any error here is a startup
// failure: no adapters, unreachable database or unreachable publisher.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	sources := cfg.Sources
	if opts.SourceID != "" {
		sources = nil
		for _, s := range cfg.Sources {
			if s.ID == opts.SourceID {
				sources = append(sources, s)
			}
		}
		if len(sources) == 0 {
			return nil, fmt.Errorf("source %q not configured", opts.SourceID)
		}
	}

	adapters, err := ingest.GlobalStrategyFactory.Build(sources)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg}

	var dedup ingest.DedupStore
	var cursors ingest.CursorStore
	switch cfg.Dedup.Driver {
	case "memory":
		mem := store.NewDedup(cfg.Dedup.MaxKeys, cfg.Dedup.Retention)
		dedup, a.Purger = mem, mem
		cursors = store.NewCursors()
		log.Printf("[App] dedup=memory max_keys=%d retention=%s (keys do not survive restarts)", cfg.Dedup.MaxKeys, cfg.Dedup.Retention)
	default:
		pool, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.Pool = pool
		a.Closers = append(a.Closers, db.PoolCloser{Pool: pool})

		if err := db.ApplyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pg := db.NewDedup(pool, cfg.Dedup.Retention)
		dedup, a.Purger = pg, pg
		cursors = db.NewCursors(pool)
		a.Runs = db.NewRuns(pool)
		log.Printf("[App] dedup=postgres retention=%s", cfg.Dedup.Retention)
	}

	publisher, err := newPublisher(ctx, cfg.Publisher)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("publisher: %w", err)
	}

	p := ingest.NewPipeline(adapters, dedup, publisher)
	p.Cursors = cursors
	p.Purger = a.Purger
	p.Retention = cfg.Dedup.Retention
	if a.Runs != nil {
		p.Runs = a.Runs
	}
	a.Pipeline = p
	return a, nil
}

func newPublisher(ctx context.Context, cfg config.PublisherConfig) (ingest.Publisher, error) {
	switch cfg.Kind {
	case "s3":
		p, err := publish.NewS3Publisher(ctx, s3Config(cfg.S3))
		if err != nil {
			return nil, err
		}
		if err := p.Check(ctx); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return publish.NewAMQPPublisher(publish.AMQPConfig{
			URL:            cfg.AMQP.URL,
			Exchange:       cfg.AMQP.Exchange,
			RoutingKey:     cfg.AMQP.RoutingKey,
			Queue:          cfg.AMQP.Queue,
			ConfirmTimeout: cfg.AMQP.ConfirmTimeout,
		})
	}
}

func s3Config(c config.S3Config) publish.S3Config {
	return publish.S3Config{
		Bucket:          c.Bucket,
		Region:          c.Region,
		Prefix:          c.Prefix,
		RoleARN:         c.RoleARN,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Endpoint:        c.Endpoint,
		MaxAttempts:     c.MaxAttempts,
	}
}

// Driver returns a scheduler over the pipeline that releases the app's
// resources on shutdown.
func (a *App) Driver() *ingest.Driver {
	d := ingest.NewDriver(a.Pipeline, a.Config.Params(), a.Config.Ingest.Interval, a.Config.Ingest.ShutdownGrace)
	d.Closers = a.Closers
	return d
}

// Close releases the publisher and database. Only for callers that never ran a Driver.
func (a *App) Close() {
	if a.Pipeline != nil && a.Pipeline.Publisher != nil {
		if err := a.Pipeline.Publisher.Close(); err != nil {
			log.Printf("[App] closing publisher: %v", err)
		}
	}
	for _, c := range a.Closers {
		c.Close()
	}
}
