package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"

	"github.com/david/hazard-ingest/internal/app"
	"github.com/david/hazard-ingest/internal/config"
	"github.com/david/hazard-ingest/internal/ingest"
)

func main() {
	sourceID := flag.String("source", "", "Source ID to ingest (e.g., twitter_recent)")
	keywords := flag.String("keywords", "", "Comma-separated keywords overriding the configured list")
	limit := flag.Int("limit", 0, "Per-source record limit")
	flag.Parse()

	if *sourceID == "" {
		log.Fatal("Please provide a source ID using -source flag")
	}
	godotenv.Load()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *keywords != "" {
		cfg.Ingest.Keywords = strings.Split(*keywords, ",")
	}
	if *limit > 0 {
		cfg.Ingest.Limit = *limit
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, app.Options{SourceID: *sourceID})
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	defer a.Close()

	log.Printf("Starting manual ingestion for source: %s", *sourceID)
	report := a.Pipeline.RunOnce(ctx, cfg.Params())

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Platform", "ID", "Outcome", "Fail-open", "Error"})
	for _, src := range report.Sources {
		if src.Err != nil {
			log.Printf("Search failed for %s (%s): %v", src.Source, ingest.KindOf(src.Err), src.Err)
		}
		for _, it := range src.Items {
			errText := ""
			if it.Err != nil {
				errText = ingest.KindOf(it.Err)
			}
			t.AppendRow(table.Row{it.Platform, it.ID, it.Outcome, it.FailOpen, errText})
		}
	}
	t.Render()

	log.Printf("Ingestion finished for %s. Published: %d, Duplicates: %d, Dropped: %d, Failed: %d",
		*sourceID,
		report.Count(ingest.OutcomePublished),
		report.Count(ingest.OutcomeDuplicate),
		report.Count(ingest.OutcomeDropped),
		report.Count(ingest.OutcomePublishFailed))
}
