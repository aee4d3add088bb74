package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/david/hazard-ingest/internal/models"
)

type fakeAdapter struct {
	name     string
	platform string
	records  []models.NormalizedRecord
	next     string
	err      error
	panicMsg string
	delay    time.Duration

	mu      sync.Mutex
	queries []Query
}

func (f *fakeAdapter) Name() string     { return f.name }
func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Search(ctx context.Context, q Query) (*SearchPage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &SearchPage{Records: f.records, NextCursor: f.next}, nil
}

// mapDedup is a correct in-memory dedup store; err makes every call fail.
type mapDedup struct {
	mu    sync.Mutex
	seen  map[string]bool
	calls []string
	err   error
}

func newMapDedup() *mapDedup { return &mapDedup{seen: make(map[string]bool)} }

func (d *mapDedup) IsNewAndMark(ctx context.Context, platform, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := platform + ":" + id
	d.calls = append(d.calls, key)
	if d.err != nil {
		return false, d.err
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	failIDs   map[string]error
	closed    bool
}

func (p *recordingPublisher) Publish(ctx context.Context, rec models.NormalizedRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failIDs[rec.ID]; ok {
		return err
	}
	p.published = append(p.published, rec.Key())
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func rec(platform, id, text string) models.NormalizedRecord {
	return models.NormalizedRecord{Platform: platform, ID: id, Text: text}
}

var testParams = Params{Keywords: []string{"flood", "fire"}, Limit: 100}

func TestRunOnce_PublishesNewThenNothingOnRepeat(t *testing.T) {
	adapter := &fakeAdapter{name: "x_source", platform: "x", records: []models.NormalizedRecord{
		rec("x", "1", "flood"),
		rec("x", "2", "fire"),
	}}
	dedup := newMapDedup()
	pub := &recordingPublisher{}
	p := NewPipeline([]SourceAdapter{adapter}, dedup, pub)

	first := p.RunOnce(context.Background(), testParams)
	if got := pub.keys(); len(got) != 2 || got[0] != "x:1" || got[1] != "x:2" {
		t.Fatalf("expected x:1, x:2 published in order, got %v", got)
	}
	if !dedup.seen["x:1"] || !dedup.seen["x:2"] {
		t.Fatalf("expected both keys marked, got %v", dedup.seen)
	}
	if first.Count(OutcomePublished) != 2 {
		t.Errorf("expected 2 published outcomes, got %d", first.Count(OutcomePublished))
	}

	second := p.RunOnce(context.Background(), testParams)
	if got := pub.keys(); len(got) != 2 {
		t.Fatalf("expected no new publishes on repeat, got %v", got)
	}
	if second.Count(OutcomeDuplicate) != 2 || second.Count(OutcomePublished) != 0 {
		t.Errorf("expected 2 duplicates, got %+v", second.Sources[0].Items)
	}
}

func TestRunOnce_AtMostOncePerKeyAcrossCycles(t *testing.T) {
	adapter := &fakeAdapter{name: "a", platform: "x", records: []models.NormalizedRecord{
		rec("x", "1", "flood"),
		rec("x", "1", "flood again"), // same key within a batch
		rec("y", "1", "other platform, same id"),
	}}
	pub := &recordingPublisher{}
	p := NewPipeline([]SourceAdapter{adapter}, newMapDedup(), pub)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RunOnce(context.Background(), testParams)
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, k := range pub.keys() {
		counts[k]++
	}
	if counts["x:1"] != 1 || counts["y:1"] != 1 || len(counts) != 2 {
		t.Fatalf("expected each key published exactly once, got %v", counts)
	}
}

// captureLog redirects the standard logger for the duration of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestRunOnce_DedupFailureFailsOpen(t *testing.T) {
	adapter := &fakeAdapter{name: "a", platform: "x", records: []models.NormalizedRecord{
		rec("x", "1", "flood"),
		rec("x", "2", "fire"),
	}}
	dedup := newMapDedup()
	dedup.err = fmt.Errorf("%w: connection refused", ErrDedupStoreUnavailable)
	pub := &recordingPublisher{}
	p := NewPipeline([]SourceAdapter{adapter}, dedup, pub)
	logs := captureLog(t)

	report := p.RunOnce(context.Background(), testParams)

	if got := pub.keys(); len(got) != 2 {
		t.Fatalf("expected every record forwarded when dedup is down, got %v", got)
	}
	for _, id := range []string{"id=1", "id=2"} {
		found := false
		for _, line := range strings.Split(logs.String(), "\n") {
			if strings.Contains(line, "kind=dedup_store_unavailable") && strings.Contains(line, id) {
				found = true
			}
		}
		if !found {
			t.Errorf("expected a dedup outage log line for %s, got:\n%s", id, logs.String())
		}
	}
	for _, it := range report.Sources[0].Items {
		if !it.FailOpen || it.Outcome != OutcomePublished {
			t.Errorf("expected fail-open publish, got %+v", it)
		}
		if KindOf(it.Err) != KindDedupStoreUnavailable {
			t.Errorf("expected dedup kind on item, got %q", KindOf(it.Err))
		}
	}
}

func TestRunOnce_EmptyIDNeverReachesDedupOrPublisher(t *testing.T) {
	adapter := &fakeAdapter{name: "a", platform: "x", records: []models.NormalizedRecord{
		rec("x", "", "flood"),
	}}
	dedup := newMapDedup()
	pub := &recordingPublisher{}
	p := NewPipeline([]SourceAdapter{adapter}, dedup, pub)

	report := p.RunOnce(context.Background(), testParams)

	if len(dedup.calls) != 0 {
		t.Fatalf("dedup store touched: %v", dedup.calls)
	}
	if len(pub.keys()) != 0 {
		t.Fatalf("publisher touched: %v", pub.keys())
	}
	if report.Count(OutcomeDropped) != 1 {
		t.Errorf("expected one dropped outcome, got %+v", report.Sources[0].Items)
	}
}

func TestRunOnce_AdapterFailureIsIsolated(t *testing.T) {
	broken := &fakeAdapter{name: "a", platform: "a", err: fmt.Errorf("%w: 503", ErrSourceUnavailable)}
	healthy := &fakeAdapter{name: "b", platform: "b", records: []models.NormalizedRecord{
		rec("b", "1", "flood"),
		rec("b", "2", "fire"),
	}}
	pub := &recordingPublisher{}
	p := NewPipeline([]SourceAdapter{broken, healthy}, newMapDedup(), pub)

	report := p.RunOnce(context.Background(), testParams)

	if got := pub.keys(); len(got) != 2 {
		t.Fatalf("expected exactly two publishes, got %v", got)
	}
	if report.SourceFailures() != 1 {
		t.Fatalf("expected one adapter failure, got %d", report.SourceFailures())
	}
	if report.Sources[0].Source != "a" || KindOf(report.Sources[0].Err) != KindSourceUnavailable {
		t.Errorf("unexpected failed source result: %+v", report.Sources[0])
	}
}

func TestRunOnce_AdapterPanicIsContained(t *testing.T) {
	bad := &fakeAdapter{name: "bad", platform: "a", panicMsg: "nil map"}
	good := &fakeAdapter{name: "good", platform: "b", records: []models.NormalizedRecord{rec("b", "1", "flood")}}
	pub := &recordingPublisher{}
	p := NewPipeline([]SourceAdapter{bad, good}, newMapDedup(), pub)

	report := p.RunOnce(context.Background(), testParams)

	if len(pub.keys()) != 1 {
		t.Fatalf("expected healthy source to publish, got %v", pub.keys())
	}
	if KindOf(report.Sources[0].Err) != KindPanic {
		t.Errorf("expected panic kind, got %v", report.Sources[0].Err)
	}
}

func TestRunOnce_PublishFailureIsIsolated(t *testing.T) {
	adapter := &fakeAdapter{name: "a", platform: "x", records: []models.NormalizedRecord{
		rec("x", "1", "flood"),
		rec("x", "2", "fire"),
		rec("x", "3", "surge"),
	}}
	pub := &recordingPublisher{failIDs: map[string]error{
		"1": fmt.Errorf("%w: connection reset", ErrPublishTransport),
		"2": fmt.Errorf("%w: no route", ErrPublishRejected),
	}}
	p := NewPipeline([]SourceAdapter{adapter}, newMapDedup(), pub)

	report := p.RunOnce(context.Background(), testParams)

	if got := pub.keys(); len(got) != 1 || got[0] != "x:3" {
		t.Fatalf("expected x:3 published despite earlier failures, got %v", got)
	}
	items := report.Sources[0].Items
	wantKinds := []string{KindPublishTransport, KindPublishRejected, ""}
	for i, it := range items {
		if KindOf(it.Err) != wantKinds[i] {
			t.Errorf("item %d: expected kind %q, got %q", i, wantKinds[i], KindOf(it.Err))
		}
	}
	if report.Count(OutcomePublishFailed) != 2 {
		t.Errorf("expected 2 publish failures, got %d", report.Count(OutcomePublishFailed))
	}
}

func TestRunOnce_SearchTimeoutApplies(t *testing.T) {
	slow := &fakeAdapter{name: "slow", platform: "x", delay: time.Second}
	p := NewPipeline([]SourceAdapter{slow}, newMapDedup(), &recordingPublisher{})

	start := time.Now()
	report := p.RunOnce(context.Background(), Params{Keywords: []string{"flood"}, SearchTimeout: 20 * time.Millisecond})

	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("search timeout not applied, took %s", time.Since(start))
	}
	if report.SourceFailures() != 1 {
		t.Errorf("expected timed-out source to be reported as failed")
	}
}

func TestRunOnce_PassesQueryAndDefaults(t *testing.T) {
	adapter := &fakeAdapter{name: "a", platform: "x"}
	p := NewPipeline([]SourceAdapter{adapter}, newMapDedup(), &recordingPublisher{})

	geo := &GeoFilter{Country: "IN"}
	p.RunOnce(context.Background(), Params{Keywords: []string{"flood"}, Geo: geo})

	if len(adapter.queries) != 1 {
		t.Fatalf("expected one search, got %d", len(adapter.queries))
	}
	q := adapter.queries[0]
	if q.Limit != 100 || q.Geo != geo || q.SinceCursor != "" || q.Keywords[0] != "flood" {
		t.Errorf("unexpected query: %+v", q)
	}
}

type memCursors struct {
	mu     sync.Mutex
	m      map[string]string
	getErr error
}

func (c *memCursors) GetCursor(ctx context.Context, sourceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[sourceID], c.getErr
}

func (c *memCursors) SetCursor(ctx context.Context, sourceID, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[sourceID] = cursor
	return nil
}

func TestRunOnce_CursorsRoundTrip(t *testing.T) {
	adapter := &fakeAdapter{name: "a", platform: "x", records: []models.NormalizedRecord{rec("x", "10", "flood")}, next: "10"}
	cursors := &memCursors{m: map[string]string{"a": "5"}}
	p := NewPipeline([]SourceAdapter{adapter}, newMapDedup(), &recordingPublisher{})
	p.Cursors = cursors

	params := testParams
	params.UseCursors = true
	p.RunOnce(context.Background(), params)

	if adapter.queries[0].SinceCursor != "5" {
		t.Errorf("expected stored cursor to be supplied, got %q", adapter.queries[0].SinceCursor)
	}
	if cursors.m["a"] != "10" {
		t.Errorf("expected cursor advanced to 10, got %q", cursors.m["a"])
	}

	// Cursor store failure degrades to an uncursored search.
	cursors.getErr = errors.New("db down")
	p.RunOnce(context.Background(), params)
	if adapter.queries[1].SinceCursor != "" {
		t.Errorf("expected empty cursor when store fails, got %q", adapter.queries[1].SinceCursor)
	}
}

type fakeRuns struct {
	mu       sync.Mutex
	started  []models.RunSummary
	finished []models.RunSummary
}

func (r *fakeRuns) StartRun(ctx context.Context, run models.RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, run)
	return nil
}

func (r *fakeRuns) FinishRun(ctx context.Context, run models.RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, run)
	return nil
}

func TestRunOnce_RecordsRuns(t *testing.T) {
	ok := &fakeAdapter{name: "ok", platform: "x", records: []models.NormalizedRecord{
		rec("x", "1", "flood"),
		rec("x", "", "no id"),
		rec("x", "2", "fire"),
	}}
	down := &fakeAdapter{name: "down", platform: "y", err: fmt.Errorf("%w: 401", ErrSourceAuth)}
	runs := &fakeRuns{}
	pub := &recordingPublisher{failIDs: map[string]error{"2": fmt.Errorf("%w: reset", ErrPublishTransport)}}
	p := NewPipeline([]SourceAdapter{ok, down}, newMapDedup(), pub)
	p.Runs = runs

	report := p.RunOnce(context.Background(), testParams)

	if len(runs.started) != 2 || len(runs.finished) != 2 {
		t.Fatalf("expected 2 runs started and finished, got %d/%d", len(runs.started), len(runs.finished))
	}
	byID := map[string]models.RunSummary{}
	for _, r := range runs.finished {
		byID[r.SourceID] = r
		if r.CycleID != report.CycleID {
			t.Errorf("run %s not tied to cycle", r.SourceID)
		}
	}

	got := byID["ok"]
	if got.Status != "partial" || got.ItemsFound != 3 || got.ItemsPublished != 1 || got.ItemsDropped != 1 || got.Errors != 1 || got.ErrorKind != KindPublishTransport {
		t.Errorf("unexpected run for ok: %+v", got)
	}
	if byID["down"].Status != "failed" || byID["down"].ErrorKind != KindSourceAuth {
		t.Errorf("unexpected run for down: %+v", byID["down"])
	}
}

type fakePurger struct {
	age time.Duration
	err error
}

func (f *fakePurger) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	f.age = age
	return 3, f.err
}

func TestRunOnce_AppliesRetention(t *testing.T) {
	purger := &fakePurger{}
	p := NewPipeline(nil, newMapDedup(), &recordingPublisher{})
	p.Purger = purger
	p.Retention = 48 * time.Hour

	report := p.RunOnce(context.Background(), testParams)
	if purger.age != 48*time.Hour || report.Purged != 3 {
		t.Fatalf("expected purge with 48h, got age=%s purged=%d", purger.age, report.Purged)
	}

	purger.err = errors.New("down")
	if report := p.RunOnce(context.Background(), testParams); report.Purged != 0 {
		t.Errorf("failed purge should report zero")
	}
}

func TestRunOnce_MissingPlatformFallsBackToAdapter(t *testing.T) {
	adapter := &fakeAdapter{name: "a", platform: "twitter", records: []models.NormalizedRecord{{ID: "9", Text: "flood"}}}
	pub := &recordingPublisher{}
	p := NewPipeline([]SourceAdapter{adapter}, newMapDedup(), pub)

	p.RunOnce(context.Background(), testParams)
	if got := pub.keys(); len(got) != 1 || got[0] != "twitter:9" {
		t.Fatalf("expected twitter:9, got %v", got)
	}
}
