package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/david/hazard-ingest/internal/api"
	"github.com/david/hazard-ingest/internal/app"
	"github.com/david/hazard-ingest/internal/auth"
	"github.com/david/hazard-ingest/internal/config"
	"github.com/david/hazard-ingest/internal/ingest"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("ingester: %v", err)
	}
}

func run() error {
	var (
		cfgPath = flag.String("config", "", "path to YAML config (default $CONFIG_PATH or config.yaml)")
		once    = flag.Bool("once", false, "run a single cycle then exit")
		noAPI   = flag.Bool("no-api", false, "do not serve health, metrics and admin endpoints")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: .env not loaded: %v", err)
	}

	path := *cfgPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log.Printf("social ingester %s starting: %d keyword(s), interval=%s", Version, len(cfg.Ingest.Keywords), cfg.Ingest.Interval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.Build(startCtx, cfg, app.Options{})
	startCancel()
	if err != nil {
		return err
	}

	if *once {
		defer a.Close()
		report := a.Pipeline.RunOnce(ctx, cfg.Params())
		log.Printf("single cycle done: published=%d source_failures=%d", report.Count(ingest.OutcomePublished), report.SourceFailures())
		return nil
	}

	driver := a.Driver()

	if !*noAPI {
		tokens, err := auth.NewTokens(cfg.Server.AdminSecret)
		if err != nil {
			a.Close()
			return err
		}
		srv := api.NewServer(driver, tokens)
		srv.Purger = a.Purger
		srv.Retention = cfg.Dedup.Retention
		if a.Runs != nil {
			srv.Runs = a.Runs
		}

		go func() {
			log.Printf("Server starting on %s...", cfg.Server.Addr)
			if err := srv.Start(cfg.Server.Addr); err != nil {
				log.Printf("Server stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	err = driver.Run(ctx)
	log.Printf("social ingester stopped")
	return err
}
