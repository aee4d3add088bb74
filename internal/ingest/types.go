package ingest

import (
	"context"
	"time"

	"github.com/david/hazard-ingest/internal/models"
)

// GeoFilter narrows a search to an area. Sources that cannot express a field ignore it.
type GeoFilter struct {
	Country     string    `yaml:"country,omitempty"`      // ISO-3166 alpha-2, e.g. "IN"
	Place       string    `yaml:"place,omitempty"`        // free-form place name
	BoundingBox []float64 `yaml:"bounding_box,omitempty"` // west, south, east, north
}

// Query is the input of one adapter search call.
type Query struct {
	Keywords    []string
	Geo         *GeoFilter
	SinceCursor string // empty means "no low-water mark"
	Limit       int
}

// SearchPage is what one search call produced. NextCursor is empty when the
// source has no cursor notion or nothing newer was seen.
type SearchPage struct {
	Records    []models.NormalizedRecord
	NextCursor string
}

// SourceAdapter translates one platform's search API into normalized records.
type SourceAdapter interface {
	// Name is the configured source id; two adapters may share a platform.
	Name() string
	// Platform is the constant tag stamped on every record.
	Platform() string
	Search(ctx context.Context, q Query) (*SearchPage, error)
}

// DedupStore answers "is this new?" atomically per (platform, id).
type DedupStore interface {
	IsNewAndMark(ctx context.Context, platform, id string) (bool, error)
}

// Publisher delivers one record to the broker. A nil error means the broker acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, record models.NormalizedRecord) error
	Close() error
}

// CursorStore persists the newest cursor per source between cycles.
type CursorStore interface {
	GetCursor(ctx context.Context, sourceID string) (string, error)
	SetCursor(ctx context.Context, sourceID, cursor string) error
}

// RunRecorder keeps per-source run history.
type RunRecorder interface {
	StartRun(ctx context.Context, run models.RunSummary) error
	FinishRun(ctx context.Context, run models.RunSummary) error
}

// Params are the process-level inputs of a cycle.
type Params struct {
	Keywords      []string
	Geo           *GeoFilter
	Limit         int
	SearchTimeout time.Duration
	UseCursors    bool
}

func (p Params) withDefaults() Params {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.SearchTimeout <= 0 {
		p.SearchTimeout = 15 * time.Second
	}
	return p
}
