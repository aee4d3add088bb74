package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"

	"github.com/david/hazard-ingest/internal/db"
)

func main() {
	source := flag.String("source", "", "Only show runs for this source ID")
	limit := flag.Int("limit", 10, "Number of runs to show")
	flag.Parse()
	godotenv.Load()

	ctx := context.Background()
	pool, err := db.Connect(ctx, "")
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	runs, err := db.NewRuns(pool).Recent(ctx, *source, *limit)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Status", "Found", "Published", "Dupes", "Dropped", "Errors", "Kind", "Duration", "Started At"})

	for _, r := range runs {
		duration := "Running..."
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{r.SourceID, r.Status, r.ItemsFound, r.ItemsPublished, r.ItemsDuplicate, r.ItemsDropped, r.Errors, r.ErrorKind, duration, r.StartedAt.Local().Format("01-02 15:04:05")})
	}
	t.Render()
}
