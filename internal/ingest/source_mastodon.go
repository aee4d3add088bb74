package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/david/hazard-ingest/internal/models"
)

const (
	mastodonPlatform = "mastodon"
	mastodonPageSize = 40
)

// MastodonAdapter reads public hashtag timelines from one Mastodon server.
type MastodonAdapter struct {
	id        string
	baseURL   string
	token     string
	language  string
	tags      []string
	userAgent string
	client    *http.Client
}

type mastodonStatus struct {
	ID        string          `json:"id"`
	CreatedAt string          `json:"created_at"`
	Content   string          `json:"content"`
	Language  string          `json:"language"`
	URL       string          `json:"url"`
	Reblog    json.RawMessage `json:"reblog"`
	Account   struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		Acct        string `json:"acct"`
		DisplayName string `json:"display_name"`
	} `json:"account"`
}

func NewMastodonAdapter(cfg SourceConfig) (*MastodonAdapter, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base_url is required for mastodon_tag")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return &MastodonAdapter{
		id:        cfg.ID,
		baseURL:   baseURL,
		token:     strings.TrimSpace(cfg.APIKey),
		language:  strings.ToLower(cfg.Language),
		tags:      cfg.Tags,
		userAgent: cfg.Fetch.UserAgent,
		client:    NewHTTPClient(cfg.Fetch),
	}, nil
}

func (a *MastodonAdapter) Name() string     { return a.id }
func (a *MastodonAdapter) Platform() string { return mastodonPlatform }

// hashtags are the configured tags, or the single-word keywords when none are configured.
func (a *MastodonAdapter) hashtags(keywords []string) []string {
	source := a.tags
	if len(source) == 0 {
		source = keywords
	}
	var tags []string
	for _, k := range normalizeKeywords(source) {
		k = strings.TrimPrefix(strings.ToLower(k), "#")
		if k == "" || strings.ContainsAny(k, " \t") {
			continue
		}
		tags = append(tags, k)
	}
	return tags
}

// Search walks each hashtag timeline forward from the cursor (min_id), merges the
// pages oldest-first and trims to the limit. The returned cursor never passes a
// status that was neither returned nor filtered out.
func (a *MastodonAdapter) Search(ctx context.Context, q Query) (*SearchPage, error) {
	tags := a.hashtags(q.Keywords)
	if len(tags) == 0 {
		return &SearchPage{NextCursor: q.SinceCursor}, nil
	}

	byID := make(map[string]models.NormalizedRecord)
	boundary := ""
	seenMax := ""
	for _, tag := range tags {
		statuses, err := a.fetchTag(ctx, tag, q.SinceCursor)
		if err != nil {
			return nil, err
		}

		tagMax := ""
		for _, raw := range statuses {
			var st mastodonStatus
			if err := json.Unmarshal(raw, &st); err != nil {
				return nil, fmt.Errorf("%w: decoding status: %v", ErrSourceMalformedResponse, err)
			}
			if compareIDs(st.ID, tagMax) > 0 {
				tagMax = st.ID
			}
			if !a.keep(st) {
				continue
			}
			if _, seen := byID[st.ID]; !seen {
				byID[st.ID] = a.normalize(st, raw)
			}
		}
		if compareIDs(tagMax, seenMax) > 0 {
			seenMax = tagMax
		}
		// A full page means this tag may have more statuses above tagMax.
		if len(statuses) >= mastodonPageSize && (boundary == "" || compareIDs(tagMax, boundary) < 0) {
			boundary = tagMax
		}
	}

	records := make([]models.NormalizedRecord, 0, len(byID))
	for _, rec := range byID {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return compareIDs(records[i].ID, records[j].ID) < 0
	})
	// Filtered statuses (boosts, other languages) still count as consumed, so a
	// page holding only those moves the cursor. After a trim, nothing above the
	// last returned record was consumed.
	next := seenMax
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
		next = records[len(records)-1].ID
	}
	if boundary != "" && compareIDs(boundary, next) < 0 {
		next = boundary
	}
	if compareIDs(next, q.SinceCursor) < 0 {
		next = q.SinceCursor
	}

	log.Printf("[Mastodon] source=%s got %d statuses across %d tags", a.id, len(records), len(tags))
	return &SearchPage{Records: records, NextCursor: next}, nil
}

func (a *MastodonAdapter) fetchTag(ctx context.Context, tag, minID string) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(mastodonPageSize))
	if minID != "" {
		params.Set("min_id", minID)
	}
	endpoint := fmt.Sprintf("%s/api/v1/timelines/tag/%s?%s", a.baseURL, url.PathEscape(tag), params.Encode())

	var statuses []json.RawMessage
	if err := getJSON(ctx, a.client, endpoint, a.token, a.userAgent, &statuses); err != nil {
		return nil, fmt.Errorf("tag %q: %w", tag, err)
	}
	return statuses, nil
}

// keep drops boosts and posts in other languages.
func (a *MastodonAdapter) keep(st mastodonStatus) bool {
	if len(st.Reblog) > 0 && string(st.Reblog) != "null" {
		return false
	}
	if a.language != "" && st.Language != "" && !strings.EqualFold(st.Language, a.language) {
		return false
	}
	return true
}

func (a *MastodonAdapter) normalize(st mastodonStatus, raw json.RawMessage) models.NormalizedRecord {
	return models.NormalizedRecord{
		Platform:  mastodonPlatform,
		ID:        strings.TrimSpace(st.ID),
		Text:      PostHTMLToText(st.Content),
		CreatedAt: parseTimestamp(st.CreatedAt),
		Author: models.Author{
			ID:       optional(st.Account.ID),
			Name:     optional(st.Account.DisplayName),
			Username: optional(st.Account.Acct),
		},
		Extra: map[string]any{"raw": raw, "url": st.URL},
	}
}
