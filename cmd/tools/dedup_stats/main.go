package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"

	"github.com/david/hazard-ingest/internal/db"
)

func main() {
	godotenv.Load()

	ctx := context.Background()
	pool, err := db.Connect(ctx, "")
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	counts, err := db.NewDedup(pool, 0).Counts(ctx)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Platform", "Keys", "Oldest", "Newest"})

	var total int64
	for _, c := range counts {
		t.AppendRow(table.Row{c.Platform, c.Keys, formatTime(c.Oldest), formatTime(c.Newest)})
		total += c.Keys
	}
	t.AppendFooter(table.Row{"Total", total, "", ""})
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
