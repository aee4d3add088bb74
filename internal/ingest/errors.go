package ingest

import (
	"context"
	"errors"
)

// Adapter, dedup and publisher failures. Implementations wrap one of these with
// fmt.Errorf("%w: ...") so the orchestrator can label what went wrong.
var (
	ErrSourceUnavailable       = errors.New("source unavailable")
	ErrSourceAuth              = errors.New("source auth error")
	ErrSourceMalformedResponse = errors.New("source malformed response")

	ErrDedupStoreUnavailable = errors.New("dedup store unavailable")

	ErrPublishTransport = errors.New("publish transport error")
	ErrPublishRejected  = errors.New("publish rejected")
)

// Kind labels used in logs, metrics and ingest_runs.error_kind.
const (
	KindSourceUnavailable       = "source_unavailable"
	KindSourceAuth              = "source_auth"
	KindSourceMalformedResponse = "source_malformed_response"
	KindDedupStoreUnavailable   = "dedup_store_unavailable"
	KindPublishTransport        = "publish_transport"
	KindPublishRejected         = "publish_rejected"
	KindTimeout                 = "timeout"
	KindPanic                   = "panic"
	KindUnknown                 = "unknown"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrSourceAuth, KindSourceAuth},
	{ErrSourceMalformedResponse, KindSourceMalformedResponse},
	{ErrSourceUnavailable, KindSourceUnavailable},
	{ErrDedupStoreUnavailable, KindDedupStoreUnavailable},
	{ErrPublishRejected, KindPublishRejected},
	{ErrPublishTransport, KindPublishTransport},
	{errPanic, KindPanic},
}

var errPanic = errors.New("recovered panic")

// KindOf maps an error to its stable label. nil maps to "".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
