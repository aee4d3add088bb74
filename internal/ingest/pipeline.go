package ingest

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/david/hazard-ingest/internal/metrics"
	"github.com/david/hazard-ingest/internal/models"
)

// Outcome is what happened to one candidate record.
type Outcome string

const (
	OutcomePublished     Outcome = "published"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeDropped       Outcome = "dropped"
	OutcomePublishFailed Outcome = "publish_failed"
)

// ItemResult is the per-record result collected by the orchestrator.
type ItemResult struct {
	Platform string
	ID       string
	Outcome  Outcome
	FailOpen bool  // dedup store was unreachable and the record was treated as new
	Err      error // publish error, or the dedup error when FailOpen is set
}

// SourceResult is the per-adapter result of a cycle. Err is set when the search
// itself failed; Items is then empty.
type SourceResult struct {
	Source     string
	Platform   string
	Err        error
	Items      []ItemResult
	NextCursor string
	Duration   time.Duration
}

// Count returns how many items ended with outcome o.
func (r SourceResult) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// CycleReport collects every source result of one RunOnce call.
type CycleReport struct {
	CycleID   uuid.UUID
	StartedAt time.Time
	Duration  time.Duration
	Sources   []SourceResult
	Purged    int64
}

func (r CycleReport) Count(o Outcome) int {
	n := 0
	for _, s := range r.Sources {
		n += s.Count(o)
	}
	return n
}

// SourceFailures counts adapters whose search failed.
func (r CycleReport) SourceFailures() int {
	n := 0
	for _, s := range r.Sources {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Purger applies the dedup retention policy.
type Purger interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Pipeline composes adapters, dedup store and publisher into one fetch→dedupe→publish cycle.
type Pipeline struct {
	Adapters  []SourceAdapter
	Dedup     DedupStore
	Publisher Publisher

	// Optional collaborators.
	Cursors CursorStore
	Runs    RunRecorder
	Purger  Purger

	DedupTimeout   time.Duration
	PublishTimeout time.Duration
	Retention      time.Duration
}

func NewPipeline(adapters []SourceAdapter, dedup DedupStore, publisher Publisher) *Pipeline {
	return &Pipeline{
		Adapters:       adapters,
		Dedup:          dedup,
		Publisher:      publisher,
		DedupTimeout:   5 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// RunOnce executes one cycle across all adapters. It never returns an error and
// never panics: every failure ends up in the report and in the log.
func (p *Pipeline) RunOnce(ctx context.Context, params Params) (report CycleReport) {
	params = params.withDefaults()
	report.CycleID = uuid.New()
	report.StartedAt = time.Now().UTC()

	metrics.CyclesTotal.Inc()
	metrics.CyclesInFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] cycle=%s unexpected failure: %v\n%s", report.CycleID, r, debug.Stack())
			metrics.FailuresTotal.WithLabelValues("pipeline", KindPanic).Inc()
		}
		report.Duration = time.Since(report.StartedAt)
		metrics.CyclesInFlight.Dec()
		metrics.CycleDuration.Observe(report.Duration.Seconds())
	}()

	log.Printf("[Pipeline] cycle=%s starting: %d source(s), %d keyword(s), limit=%d",
		report.CycleID, len(p.Adapters), len(params.Keywords), params.Limit)

	report.Sources = make([]SourceResult, len(p.Adapters))
	var wg sync.WaitGroup
	for i, adapter := range p.Adapters {
		wg.Add(1)
		go func(i int, adapter SourceAdapter) {
			defer wg.Done()
			report.Sources[i] = p.runSource(ctx, report.CycleID, adapter, params)
		}(i, adapter)
	}
	wg.Wait()

	if p.Purger != nil && p.Retention > 0 {
		purged, err := p.Purger.PurgeOlderThan(ctx, p.Retention)
		if err != nil {
			log.Printf("[Pipeline] cycle=%s retention purge failed kind=%s err=%v", report.CycleID, KindOf(err), err)
		} else {
			report.Purged = purged
		}
	}

	log.Printf("[Pipeline] cycle=%s finished in %s: published=%d duplicates=%d dropped=%d publish_failures=%d source_failures=%d",
		report.CycleID, time.Since(report.StartedAt).Truncate(time.Millisecond),
		report.Count(OutcomePublished), report.Count(OutcomeDuplicate), report.Count(OutcomeDropped),
		report.Count(OutcomePublishFailed), report.SourceFailures())

	return report
}

// runSource isolates one adapter: its errors and panics stay in its SourceResult.
func (p *Pipeline) runSource(ctx context.Context, cycleID uuid.UUID, adapter SourceAdapter, params Params) (res SourceResult) {
	start := time.Now()
	res.Source = adapter.Name()
	res.Platform = adapter.Platform()

	run := models.RunSummary{
		RunID:     uuid.New(),
		CycleID:   cycleID,
		SourceID:  res.Source,
		Platform:  res.Platform,
		Status:    "running",
		StartedAt: start.UTC(),
	}
	if p.Runs != nil {
		if err := p.Runs.StartRun(ctx, run); err != nil {
			log.Printf("[Warn] source=%s failed to record run start: %v", res.Source, err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] source=%s unexpected failure: %v\n%s", res.Source, r, debug.Stack())
			res.Err = fmt.Errorf("%w: %v", errPanic, r)
		}
		res.Duration = time.Since(start)
		p.finishRun(ctx, run, res)
	}()

	since := ""
	if params.UseCursors && p.Cursors != nil {
		cursor, err := p.Cursors.GetCursor(ctx, res.Source)
		if err != nil {
			log.Printf("[Warn] source=%s cursor unavailable, searching without it: %v", res.Source, err)
		} else {
			since = cursor
		}
	}

	searchCtx, cancel := context.WithTimeout(ctx, params.SearchTimeout)
	page, err := adapter.Search(searchCtx, Query{
		Keywords:    params.Keywords,
		Geo:         params.Geo,
		SinceCursor: since,
		Limit:       params.Limit,
	})
	cancel()
	if err != nil {
		res.Err = err
		kind := KindOf(err)
		metrics.FailuresTotal.WithLabelValues(res.Source, kind).Inc()
		log.Printf("[Pipeline] adapter failed source=%s platform=%s kind=%s err=%v", res.Source, res.Platform, kind, err)
		return res
	}
	metrics.LastSuccess.WithLabelValues(res.Source).SetToCurrentTime()

	res.Items = make([]ItemResult, 0, len(page.Records))
	for _, rec := range page.Records {
		item := p.processRecord(ctx, res.Source, adapter.Platform(), rec)
		metrics.RecordsTotal.WithLabelValues(res.Source, string(item.Outcome)).Inc()
		res.Items = append(res.Items, item)
	}

	res.NextCursor = page.NextCursor
	if params.UseCursors && p.Cursors != nil && page.NextCursor != "" && page.NextCursor != since {
		if err := p.Cursors.SetCursor(ctx, res.Source, page.NextCursor); err != nil {
			log.Printf("[Warn] source=%s failed to persist cursor %s: %v", res.Source, page.NextCursor, err)
		}
	}

	return res
}

// processRecord runs one record through dedup and publish. Records without an id
// never reach either.
func (p *Pipeline) processRecord(ctx context.Context, source, fallbackPlatform string, rec models.NormalizedRecord) ItemResult {
	if rec.Platform == "" {
		rec.Platform = fallbackPlatform
	}
	item := ItemResult{Platform: rec.Platform, ID: rec.ID}

	if rec.ID == "" {
		item.Outcome = OutcomeDropped
		return item
	}

	isNew, err := p.isNew(ctx, rec.Platform, rec.ID)
	if err != nil {
		item.FailOpen = true
		item.Err = err
		isNew = true
		metrics.DedupFailOpenTotal.WithLabelValues(source).Inc()
		metrics.FailuresTotal.WithLabelValues(source, KindOf(err)).Inc()
		log.Printf("[Pipeline] dedup check failed, treating as new source=%s platform=%s id=%s kind=%s err=%v",
			source, rec.Platform, rec.ID, KindOf(err), err)
	}
	if !isNew {
		item.Outcome = OutcomeDuplicate
		return item
	}

	if err := p.publish(ctx, rec); err != nil {
		item.Outcome = OutcomePublishFailed
		item.Err = err
		metrics.FailuresTotal.WithLabelValues(source, KindOf(err)).Inc()
		log.Printf("[Pipeline] publish failed source=%s platform=%s id=%s kind=%s err=%v",
			source, rec.Platform, rec.ID, KindOf(err), err)
		return item
	}

	item.Outcome = OutcomePublished
	log.Printf("[Pipeline] published %s", rec.Key())
	return item
}

func (p *Pipeline) isNew(ctx context.Context, platform, id string) (bool, error) {
	if p.DedupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.DedupTimeout)
		defer cancel()
	}
	return p.Dedup.IsNewAndMark(ctx, platform, id)
}

func (p *Pipeline) publish(ctx context.Context, rec models.NormalizedRecord) error {
	if p.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.PublishTimeout)
		defer cancel()
	}
	return p.Publisher.Publish(ctx, rec)
}

func (p *Pipeline) finishRun(ctx context.Context, run models.RunSummary, res SourceResult) {
	if p.Runs == nil {
		return
	}

	for _, it := range res.Items {
		switch it.Outcome {
		case OutcomePublished:
			run.ItemsNew++
			run.ItemsPublished++
		case OutcomePublishFailed:
			run.ItemsNew++
			run.Errors++
		case OutcomeDuplicate:
			run.ItemsDuplicate++
		case OutcomeDropped:
			run.ItemsDropped++
		}
		if it.FailOpen {
			run.Errors++
		}
	}
	run.ItemsFound = len(res.Items)

	switch {
	case res.Err != nil:
		run.Status = "failed"
		run.Errors++
		run.ErrorKind = KindOf(res.Err)
	case res.Count(OutcomePublishFailed) > 0:
		run.Status = "partial"
		run.ErrorKind = KindPublishTransport
		for _, it := range res.Items {
			if it.Outcome == OutcomePublishFailed {
				run.ErrorKind = KindOf(it.Err)
				break
			}
		}
	default:
		run.Status = "completed"
	}
	completed := time.Now().UTC()
	run.CompletedAt = &completed

	if err := p.Runs.FinishRun(ctx, run); err != nil {
		log.Printf("Failed to update ingest run %s: %v", run.RunID, err)
	}
}
