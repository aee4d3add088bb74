package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/david/hazard-ingest/internal/models"
)

const (
	twitterPlatform   = "twitter"
	twitterMinResults = 10
	twitterMaxResults = 100
)

// TwitterAdapter searches the Twitter API v2 recent search endpoint.
type TwitterAdapter struct {
	id           string
	language     string
	geoOperators bool
	client       *resty.Client
}

// twitterSearchResponse matches /2/tweets/search/recent with user expansions.
// Data is kept raw so each tweet's payload can travel in Extra untouched.
type twitterSearchResponse struct {
	Data     []json.RawMessage `json:"data"`
	Includes struct {
		Users []twitterUser `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		OldestID    string `json:"oldest_id"`
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

type twitterTweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	AuthorID  string `json:"author_id"`
}

type twitterUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Location string `json:"location"`
}

func NewTwitterAdapter(cfg SourceConfig) (*TwitterAdapter, error) {
	token := strings.TrimSpace(cfg.APIKey)
	if token == "" {
		return nil, fmt.Errorf("%w: bearer token not set", ErrSourceAuth)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twitter.com/2"
	}
	timeout := 15 * time.Second
	if cfg.Fetch.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(timeout).
		SetRetryCount(cfg.Fetch.MaxRetries).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	if cfg.Fetch.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.Fetch.UserAgent)
	}

	return &TwitterAdapter{
		id:           cfg.ID,
		language:     language,
		geoOperators: cfg.GeoOperators,
		client:       client,
	}, nil
}

func (a *TwitterAdapter) Name() string     { return a.id }
func (a *TwitterAdapter) Platform() string { return twitterPlatform }

// buildQuery ORs the keywords, quoting phrases, and excludes retweets.
func (a *TwitterAdapter) buildQuery(keywords []string, geo *GeoFilter) string {
	terms := make([]string, 0, len(keywords))
	for _, k := range normalizeKeywords(keywords) {
		if strings.ContainsAny(k, " \t") {
			k = `"` + strings.ReplaceAll(k, `"`, "") + `"`
		}
		terms = append(terms, k)
	}

	q := strings.Join(terms, " OR ")
	if len(terms) > 1 {
		q = "(" + q + ")"
	}
	if a.language != "" {
		q += " lang:" + a.language
	}
	q += " -is:retweet"

	if a.geoOperators && geo != nil {
		if geo.Country != "" {
			q += " place_country:" + strings.ToUpper(geo.Country)
		}
		if len(geo.BoundingBox) == 4 {
			parts := make([]string, 4)
			for i, v := range geo.BoundingBox {
				parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
			}
			q += " bounding_box:[" + strings.Join(parts, " ") + "]"
		}
	}
	return q
}

// Search fetches up to q.Limit recent tweets. The API requires 10..100 per call, so
// the request is clamped and the result trimmed back to the limit.
func (a *TwitterAdapter) Search(ctx context.Context, q Query) (*SearchPage, error) {
	if len(normalizeKeywords(q.Keywords)) == 0 {
		return &SearchPage{NextCursor: q.SinceCursor}, nil
	}

	maxResults := clamp(q.Limit, twitterMinResults, twitterMaxResults)
	params := map[string]string{
		"query":        a.buildQuery(q.Keywords, q.Geo),
		"max_results":  strconv.Itoa(maxResults),
		"tweet.fields": "id,text,created_at,author_id,geo,lang",
		"expansions":   "author_id,geo.place_id",
		"user.fields":  "username,name,location",
	}
	if q.SinceCursor != "" {
		params["since_id"] = q.SinceCursor
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/tweets/search/recent")
	if err != nil {
		return nil, fmt.Errorf("%w: twitter request: %v", ErrSourceUnavailable, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, fmt.Errorf("%w: twitter returned %d", ErrSourceAuth, status)
	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: twitter returned %d: %s", ErrSourceUnavailable, status, TruncateText(string(resp.Body()), 200))
	}

	var payload twitterSearchResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding twitter response: %v", ErrSourceMalformedResponse, err)
	}
	if len(payload.Data) == 0 && len(payload.Errors) > 0 {
		return nil, fmt.Errorf("%w: twitter error: %s", ErrSourceMalformedResponse, payload.Errors[0].Title)
	}

	records, err := a.normalize(payload)
	if err != nil {
		return nil, err
	}
	if len(records) > q.Limit && q.Limit > 0 {
		records = records[:q.Limit]
	}

	log.Printf("[Twitter] source=%s got %d tweets (newest=%s)", a.id, len(records), payload.Meta.NewestID)

	return &SearchPage{Records: records, NextCursor: a.nextCursor(q, payload, len(records))}, nil
}

// nextCursor advances the low-water mark only when the whole window above the
// previous cursor was returned; otherwise the old cursor is kept so nothing is skipped.
func (a *TwitterAdapter) nextCursor(q Query, payload twitterSearchResponse, kept int) string {
	if payload.Meta.NextToken != "" || kept < len(payload.Data) {
		return q.SinceCursor
	}
	if payload.Meta.NewestID == "" {
		return q.SinceCursor
	}
	return payload.Meta.NewestID
}

func (a *TwitterAdapter) normalize(payload twitterSearchResponse) ([]models.NormalizedRecord, error) {
	users := make(map[string]twitterUser, len(payload.Includes.Users))
	for _, u := range payload.Includes.Users {
		users[u.ID] = u
	}

	records := make([]models.NormalizedRecord, 0, len(payload.Data))
	for _, raw := range payload.Data {
		var t twitterTweet
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("%w: decoding tweet: %v", ErrSourceMalformedResponse, err)
		}

		rec := models.NormalizedRecord{
			Platform:  twitterPlatform,
			ID:        strings.TrimSpace(t.ID),
			Text:      t.Text,
			CreatedAt: parseTimestamp(t.CreatedAt),
			Extra:     map[string]any{"raw": raw},
		}
		if u, ok := users[t.AuthorID]; ok {
			rec.Author = models.Author{
				ID:       optional(u.ID),
				Name:     optional(u.Name),
				Username: optional(u.Username),
				Location: optional(u.Location),
			}
		} else {
			rec.Author.ID = optional(t.AuthorID)
		}
		records = append(records, rec)
	}
	return records, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
