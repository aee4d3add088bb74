package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func mastodonStatusJSON(id, lang, content string, reblog bool) string {
	rb := "null"
	if reblog {
		rb = `{"id":"1"}`
	}
	return fmt.Sprintf(`{"id":%q,"created_at":"2026-03-01T10:00:00.000Z","content":%q,"language":%q,"url":"https://mastodon.example/@a/%s","reblog":%s,"account":{"id":"a1","username":"alerts","acct":"alerts@mastodon.example","display_name":"Coast Alerts"}}`,
		id, content, lang, id, rb)
}

func newMastodonTestServer(t *testing.T, pages map[string][]string, seenMinIDs *[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := strings.TrimPrefix(r.URL.Path, "/api/v1/timelines/tag/")
		if seenMinIDs != nil {
			mu.Lock()
			*seenMinIDs = append(*seenMinIDs, tag+"@"+r.URL.Query().Get("min_id"))
			mu.Unlock()
		}
		statuses, ok := pages[tag]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("[" + strings.Join(statuses, ",") + "]"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMastodonAdapter_MergesTagsOldestFirst(t *testing.T) {
	var requests []string
	srv := newMastodonTestServer(t, map[string][]string{
		"flood": {
			mastodonStatusJSON("110", "en", "<p>River <b>flood</b> rising</p><p>Stay safe</p>", false),
			mastodonStatusJSON("105", "en", "<p>boosted</p>", true),
		},
		"tsunami": {
			mastodonStatusJSON("110", "en", "<p>duplicate across tags</p>", false),
			mastodonStatusJSON("102", "fr", "<p>alerte</p>", false),
			mastodonStatusJSON("101", "en", "<p>tsunami drill</p>", false),
		},
	}, &requests)

	a, err := NewMastodonAdapter(SourceConfig{ID: "mastodon_social", BaseURL: srv.URL, Language: "en", Tags: []string{"#Flood", "tsunami"}})
	if err != nil {
		t.Fatalf("NewMastodonAdapter: %v", err)
	}

	page, err := a.Search(context.Background(), Query{Keywords: []string{"ignored"}, SinceCursor: "100", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if strings.Join(requests, ",") != "flood@100,tsunami@100" {
		t.Errorf("unexpected requests: %v", requests)
	}

	var ids []string
	for _, r := range page.Records {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "101,110" {
		t.Fatalf("expected 101,110 (boost and other language dropped), got %v", ids)
	}

	rec := page.Records[1]
	if rec.Text != "River flood rising Stay safe" {
		t.Errorf("unexpected text %q", rec.Text)
	}
	if rec.Author.Username == nil || *rec.Author.Username != "alerts@mastodon.example" || rec.Author.Location != nil {
		t.Errorf("unexpected author %+v", rec.Author)
	}
	if page.NextCursor != "110" {
		t.Errorf("expected cursor 110, got %q", page.NextCursor)
	}
}

func TestMastodonAdapter_LimitHoldsCursorAtLastReturned(t *testing.T) {
	srv := newMastodonTestServer(t, map[string][]string{
		"flood": {
			mastodonStatusJSON("30", "en", "c", false),
			mastodonStatusJSON("20", "en", "b", false),
			mastodonStatusJSON("10", "en", "a", false),
		},
	}, nil)
	a, _ := NewMastodonAdapter(SourceConfig{ID: "m", BaseURL: srv.URL})

	page, err := a.Search(context.Background(), Query{Keywords: []string{"flood"}, Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(page.Records) != 2 || page.Records[1].ID != "20" {
		t.Fatalf("expected 10,20, got %+v", page.Records)
	}
	if page.NextCursor != "20" {
		t.Errorf("expected cursor 20, got %q", page.NextCursor)
	}
}

func TestMastodonAdapter_FullPageCapsCursor(t *testing.T) {
	var full []string
	for i := 0; i < mastodonPageSize; i++ {
		full = append(full, mastodonStatusJSON(fmt.Sprint(1000+i), "en", "flood", false))
	}
	srv := newMastodonTestServer(t, map[string][]string{
		"flood":   full,
		"cyclone": {mastodonStatusJSON("2000", "en", "cyclone", false)},
	}, nil)
	a, _ := NewMastodonAdapter(SourceConfig{ID: "m", BaseURL: srv.URL, Tags: []string{"flood", "cyclone"}})

	page, err := a.Search(context.Background(), Query{Limit: 100})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.NextCursor != "1039" {
		t.Errorf("expected cursor capped at the full page's newest id 1039, got %q", page.NextCursor)
	}
}

func TestMastodonAdapter_KeywordTagsAndErrors(t *testing.T) {
	var requests []string
	srv := newMastodonTestServer(t, map[string][]string{"flood": {}}, &requests)
	a, _ := NewMastodonAdapter(SourceConfig{ID: "m", BaseURL: srv.URL})

	page, err := a.Search(context.Background(), Query{Keywords: []string{"Flood", "storm surge"}, SinceCursor: "9"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(requests) != 1 || requests[0] != "flood@9" {
		t.Errorf("expected only single-word keywords as tags, got %v", requests)
	}
	if page.NextCursor != "9" {
		t.Errorf("empty page should keep cursor, got %q", page.NextCursor)
	}

	_, err = a.Search(context.Background(), Query{Keywords: []string{"missing"}})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable for 404, got %v", err)
	}
}

func TestMastodonAdapter_RequiresBaseURL(t *testing.T) {
	if _, err := NewMastodonAdapter(SourceConfig{ID: "m"}); err == nil {
		t.Fatal("expected error without base_url")
	}
}

func TestMastodonAdapter_FilteredPagesStillAdvanceCursor(t *testing.T) {
	// 80 boosts above 1000, then one original post in French and one in English.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		minID := r.URL.Query().Get("min_id")
		var window []string
		for id := 1001; id <= 1082 && len(window) < mastodonPageSize; id++ {
			sid := fmt.Sprint(id)
			if compareIDs(sid, minID) <= 0 {
				continue
			}
			switch {
			case id <= 1080:
				window = append(window, mastodonStatusJSON(sid, "en", "boost", true))
			case id == 1081:
				window = append(window, mastodonStatusJSON(sid, "fr", "inondation", false))
			default:
				window = append(window, mastodonStatusJSON(sid, "en", "flood", false))
			}
		}
		// Timelines list newest first.
		for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
			window[i], window[j] = window[j], window[i]
		}
		w.Write([]byte("[" + strings.Join(window, ",") + "]"))
	}))
	t.Cleanup(srv.Close)

	a, _ := NewMastodonAdapter(SourceConfig{ID: "m", BaseURL: srv.URL, Language: "en", Tags: []string{"flood"}})

	steps := []struct {
		wantRecords int
		wantCursor  string
	}{
		{0, "1040"},
		{0, "1080"},
		{1, "1082"},
		{0, "1082"},
	}
	cursor := "1000"
	for i, step := range steps {
		page, err := a.Search(context.Background(), Query{SinceCursor: cursor, Limit: 100})
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if len(page.Records) != step.wantRecords {
			t.Errorf("cycle %d: expected %d records, got %d", i, step.wantRecords, len(page.Records))
		}
		if page.NextCursor != step.wantCursor {
			t.Fatalf("cycle %d: expected cursor %s, got %s", i, step.wantCursor, page.NextCursor)
		}
		cursor = page.NextCursor
	}
}
