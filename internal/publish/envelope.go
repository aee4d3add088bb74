package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/david/hazard-ingest/internal/ingest"
	"github.com/david/hazard-ingest/internal/models"
)

// ServiceName is stamped on every envelope as its source.
const ServiceName = "social-ingestion"

// encode wraps a record in a fresh envelope. A record that cannot be encoded
// is rejected, not retried.
func encode(rec models.NormalizedRecord) (models.Envelope, []byte, error) {
	env := models.Envelope{
		MessageID:   uuid.New(),
		PublishedAt: time.Now().UTC(),
		Source:      ServiceName,
		Record:      rec,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return env, nil, fmt.Errorf("%w: encode %s: %v", ingest.ErrPublishRejected, rec.Key(), err)
	}
	return env, body, nil
}
