package ingest

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

var postPolicy = bluemonday.UGCPolicy()

// TruncateText cuts a string to max length, appending ellipsis if truncated.
func TruncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	if maxLen > 3 {
		return text[:maxLen-3] + "..."
	}
	return text[:maxLen]
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html // Fallback to original if parsing fails
	}
	text := doc.Text()
	return cleanText(text)
}

// PostHTMLToText strips unsafe markup from a post body and flattens it to text.
// Block and line breaks become spaces so adjacent paragraphs do not run together.
func PostHTMLToText(html string) string {
	safe := postPolicy.Sanitize(html)
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>"} {
		safe = strings.ReplaceAll(safe, tag, tag+" ")
	}
	return sanitizeUTF8(HTMLToText(safe))
}

// CanonicalizeURL removes common tracking parameters to ensure stable URLs.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(k, "utm_") {
			q.Del(k)
		}
	}
	for _, p := range []string{"fbclid", "gclid", "mc_cid", "mc_eid", "ref", "s_cid"} {
		q.Del(p)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// optional returns nil for blank values so absent author fields stay absent.
func optional(s string) *string {
	s = cleanText(sanitizeUTF8(s))
	if s == "" {
		return nil
	}
	return &s
}

// parseTimestamp returns nil when the source gave no usable time.
func parseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := parseDateRobust(s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// sanitizeUTF8 removes invalid UTF-8 byte sequences.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}
