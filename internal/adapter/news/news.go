// Package news implements the financial news headline source adapter.
// It scrapes headline markup rather than a JSON API, so Parse is built
// on goquery selectors.
package news

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/proxy"
)

// SourceName is the registry key for this adapter.
const SourceName = "news"

// Class is the entity class of records produced by this adapter.
const Class = "news_article"

const defaultBaseURL = "https://www.reuters.com/business/finance/"

// headlineSelectors are tried in order until one matches. News sites
// restructure their markup often, so several known layouts are covered.
var headlineSelectors = []string{
	"article h3 a",
	"article h2 a",
	"h3[data-testid='Heading'] a",
	".story-card a.story-title",
	"a.headline",
}

// financialKeywords gate relevance: a headline must contain at least one
// to be kept.
var financialKeywords = []string{
	"stock", "market", "trading", "investment", "finance", "economy",
	"earnings", "revenue", "profit", "bank", "crypto", "bitcoin",
	"fed", "interest rate", "inflation", "gdp", "recession",
}

// minHeadlineLen filters out nav links and section labels that match a
// headline selector.
const minHeadlineLen = 20

// Adapter scrapes financial news headlines from an HTML index page.
type Adapter struct {
	pageURL  string
	siteName string
	client   *adapter.Client
}

// New constructs the adapter.
func New(opts adapter.Options) (adapter.Adapter, error) {
	pageURL := opts.BaseURL
	if pageURL == "" {
		pageURL = defaultBaseURL
	}
	return &Adapter{
		pageURL:  pageURL,
		siteName: siteName(pageURL),
		client:   adapter.NewClient(SourceName, opts.Timeout),
	}, nil
}

func (a *Adapter) Source() string { return SourceName }
func (a *Adapter) Class() string  { return Class }

// Fetch downloads the news index page.
func (a *Adapter) Fetch(ctx context.Context, id *proxy.Identity) (domain.RawPayload, error) {
	return a.client.Get(ctx, a.pageURL, id)
}

// Parse extracts headline text and links from the page markup, keeping
// only financially relevant headlines.
func (a *Adapter) Parse(raw domain.RawPayload) (domain.ParsedFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, &domain.ParseError{Source: SourceName, Reason: "unreadable page markup", Err: err}
	}

	seen := make(map[string]bool)
	var fields domain.ParsedFields

	for _, selector := range headlineSelectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			title := strings.TrimSpace(sel.Text())
			if len(title) < minHeadlineLen || !relevant(title) || seen[title] {
				return
			}
			seen[title] = true

			href, _ := sel.Attr("href")
			fields = append(fields, map[string]any{
				"title": title,
				"url":   absoluteURL(raw.SourceURL, href),
			})
		})
		if len(fields) > 0 {
			break
		}
	}

	if len(fields) == 0 {
		return nil, &domain.ParseError{
			Source: SourceName,
			Reason: fmt.Sprintf("no headlines matched on %s", raw.SourceURL),
		}
	}
	return fields, nil
}

// Normalize converts headlines into news records. The symbol is a hash
// of the headline text so re-scraping the same headline produces the
// same record key.
func (a *Adapter) Normalize(fields domain.ParsedFields) ([]domain.Record, error) {
	now := time.Now().UTC()
	records := make([]domain.Record, 0, len(fields))

	for _, entry := range fields {
		title, _ := entry["title"].(string)
		if title == "" {
			return nil, &domain.ValidationError{Source: SourceName, Field: "title", Reason: "missing headline"}
		}

		sum := md5.Sum([]byte(title))
		records = append(records, domain.Record{
			Source: SourceName,
			Symbol: hex.EncodeToString(sum[:])[:16],
			Class:  Class,
			Payload: map[string]any{
				"title":     title,
				"url":       entry["url"],
				"site":      a.siteName,
				"category":  "finance",
				"sentiment": headlineSentiment(title),
			},
			CollectedAt:   now,
			SchemaVersion: domain.SchemaVersion,
		})
	}
	return records, nil
}

func relevant(title string) bool {
	lower := strings.ToLower(title)
	for _, kw := range financialKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// headlineSentiment is a coarse lexicon score over the headline text.
func headlineSentiment(title string) string {
	lower := strings.ToLower(title)
	score := 0
	for _, w := range []string{"surge", "rally", "gain", "rise", "jump", "record", "beat", "growth"} {
		if strings.Contains(lower, w) {
			score++
		}
	}
	for _, w := range []string{"fall", "drop", "plunge", "crash", "loss", "slump", "cut", "fear", "recession"} {
		if strings.Contains(lower, w) {
			score--
		}
	}
	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}

func siteName(pageURL string) string {
	host := pageURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www.")
}

func absoluteURL(base, href string) string {
	if href == "" || strings.HasPrefix(href, "http") {
		return href
	}
	if i := strings.Index(base, "://"); i >= 0 {
		if j := strings.IndexByte(base[i+3:], '/'); j >= 0 {
			base = base[:i+3+j]
		}
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return base + href
}
