package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/david/hazard-ingest/internal/models"
)

// HTMLBoardAdapter scrapes a public bulletin or community board page with CSS
// selectors. Posts carry no native id, so the canonical link hash is used.
type HTMLBoardAdapter struct {
	id        string
	platform  string
	baseURL   string
	host      string
	selectors SelectorConfig
	fetch     FetchConfig
}

func NewHTMLBoardAdapter(cfg SourceConfig) (*HTMLBoardAdapter, error) {
	parsedURL, err := url.Parse(cfg.BaseURL)
	if err != nil || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Selectors.Container == "" {
		return nil, fmt.Errorf("selector 'container' is required for html_board strategy")
	}
	platform := cfg.Platform
	if platform == "" {
		platform = parsedURL.Hostname()
	}

	return &HTMLBoardAdapter{
		id:        cfg.ID,
		platform:  platform,
		baseURL:   cfg.BaseURL,
		host:      parsedURL.Hostname(),
		selectors: cfg.Selectors,
		fetch:     cfg.Fetch,
	}, nil
}

func (a *HTMLBoardAdapter) Name() string     { return a.id }
func (a *HTMLBoardAdapter) Platform() string { return a.platform }

func (a *HTMLBoardAdapter) collector(ctx context.Context) *colly.Collector {
	userAgent := a.fetch.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	timeout := 15 * time.Second
	if a.fetch.TimeoutSeconds > 0 {
		timeout = time.Duration(a.fetch.TimeoutSeconds) * time.Second
	}
	delay := time.Second
	if a.fetch.RateLimitRPS > 0 {
		delay = time.Duration(float64(time.Second) / a.fetch.RateLimitRPS)
	}

	c := colly.NewCollector(
		colly.AllowedDomains(a.host),
		colly.UserAgent(userAgent),
		colly.DetectCharset(),
		colly.AllowURLRevisit(),
	)
	c.Context = ctx
	c.SetRequestTimeout(timeout)
	c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       delay,
	})
	return c
}

// Search loads the board page once and keeps posts matching any keyword, in page order.
func (a *HTMLBoardAdapter) Search(ctx context.Context, q Query) (*SearchPage, error) {
	keywords := normalizeKeywords(q.Keywords)
	sel := a.selectors

	linkAttr := sel.LinkAttr
	if linkAttr == "" {
		linkAttr = "href"
	}

	var (
		mu       sync.Mutex
		records  []models.NormalizedRecord
		fetchErr error
	)

	c := a.collector(ctx)

	c.OnHTML(sel.Container, func(e *colly.HTMLElement) {
		var link string
		if sel.Link == "" || sel.Link == "." {
			link = strings.TrimSpace(e.Attr(linkAttr))
		} else {
			link = strings.TrimSpace(e.ChildAttr(sel.Link, linkAttr))
		}
		title := cleanText(e.ChildText(sel.Title))
		body := ""
		if sel.Content != "" {
			body = cleanText(e.ChildText(sel.Content))
		}
		text := strings.TrimSpace(title + " " + body)
		if text == "" || (len(keywords) > 0 && !matchesAny(text, keywords)) {
			return
		}

		id := ""
		canonicalURL := ""
		if link != "" {
			canonicalURL = CanonicalizeURL(e.Request.AbsoluteURL(link))
			hash := sha1.Sum([]byte(canonicalURL))
			id = hex.EncodeToString(hash[:])
		}

		rec := models.NormalizedRecord{
			Platform: a.platform,
			ID:       id,
			Text:     sanitizeUTF8(text),
			Extra: map[string]any{
				"url":   canonicalURL,
				"title": title,
				"html":  TruncateText(a.outerHTML(e), 4096),
			},
		}
		if sel.Date != "" {
			dateText := strings.TrimSpace(e.ChildAttr(sel.Date, "datetime"))
			if dateText == "" {
				dateText = e.ChildText(sel.Date)
			}
			rec.CreatedAt = parseTimestamp(dateText)
		}
		if sel.Author != "" {
			rec.Author.Name = optional(e.ChildText(sel.Author))
		}

		mu.Lock()
		if q.Limit <= 0 || len(records) < q.Limit {
			records = append(records, rec)
		}
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch r.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			fetchErr = fmt.Errorf("%w: %s returned %d", ErrSourceAuth, a.host, r.StatusCode)
		default:
			fetchErr = fmt.Errorf("%w: fetching %s: %v", ErrSourceUnavailable, r.Request.URL, err)
		}
	})

	if err := c.Visit(a.baseURL); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("%w: visit %s: %v", ErrSourceUnavailable, a.baseURL, err)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}

	log.Printf("[HTMLBoard] source=%s matched %d posts on %s", a.id, len(records), a.baseURL)
	return &SearchPage{Records: records}, nil
}

func (a *HTMLBoardAdapter) outerHTML(e *colly.HTMLElement) string {
	html, err := goquery.OuterHtml(e.DOM)
	if err != nil {
		return ""
	}
	return html
}
