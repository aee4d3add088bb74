package models

import (
	"time"

	"github.com/google/uuid"
)

// NormalizedRecord is a single post translated from a platform-specific payload.
// Adapters create it; everything downstream only reads it.
type NormalizedRecord struct {
	Platform  string         `json:"platform"`
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	CreatedAt *time.Time     `json:"created_at"`
	Author    Author         `json:"user"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Author fields are nil when the source did not provide them.
type Author struct {
	ID       *string `json:"id"`
	Name     *string `json:"name"`
	Username *string `json:"username"`
	Location *string `json:"location"`
}

// Key returns the pipeline-wide dedup key "platform:id".
func (r NormalizedRecord) Key() string {
	return r.Platform + ":" + r.ID
}

// Envelope is the message body handed to the broker.
type Envelope struct {
	MessageID   uuid.UUID        `json:"message_id"`
	PublishedAt time.Time        `json:"published_at"`
	Source      string           `json:"source,omitempty"`
	Record      NormalizedRecord `json:"record"`
}

// RunSummary is one row of ingest_runs: a single source processed within one cycle.
type RunSummary struct {
	RunID          uuid.UUID  `json:"run_id"`
	CycleID        uuid.UUID  `json:"cycle_id"`
	SourceID       string     `json:"source_id"`
	Platform       string     `json:"platform"`
	Status         string     `json:"status"`
	ItemsFound     int        `json:"items_found"`
	ItemsNew       int        `json:"items_new"`
	ItemsPublished int        `json:"items_published"`
	ItemsDuplicate int        `json:"items_duplicate"`
	ItemsDropped   int        `json:"items_dropped"`
	Errors         int        `json:"errors"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

// PlatformCount is the number of dedup keys held for a platform.
type PlatformCount struct {
	Platform string     `json:"platform"`
	Keys     int64      `json:"keys"`
	Oldest   *time.Time `json:"oldest"`
	Newest   *time.Time `json:"newest"`
}
