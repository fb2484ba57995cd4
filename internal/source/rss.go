package source

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/infra"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// RSS fetches articles from configured RSS feeds and filters them by
// ticker keywords locally. It is the key-free fallback when no NewsAPI
// key is configured, and a supplement otherwise.
type RSS struct {
	feeds       []config.RSSFeed
	searchTerms map[string]string
	parser      *gofeed.Parser
	limiter     *infra.RateLimiter
}

// NewRSS creates an RSS source from configuration.
func NewRSS(cfg config.NewsConfig) *RSS {
	return &RSS{
		feeds:       cfg.RSSFeeds,
		searchTerms: cfg.SearchTerms,
		parser:      gofeed.NewParser(),
		limiter:     infra.NewRateLimiter(2, time.Second),
	}
}

// Name returns the data source name.
func (r *RSS) Name() string { return "rss" }

// Fetch returns feed items matching the ticker keywords, published
// inside [from, to]. Failed feeds are skipped.
func (r *RSS) Fetch(ctx context.Context, ticker string, from, to time.Time) ([]models.RawArticle, error) {
	symbol := utils.NormalizeTicker(ticker)
	query := r.searchTerms[symbol]
	if query == "" {
		query = symbol
	}
	keywords := queryKeywords(query)

	var all []models.RawArticle
	for _, feed := range r.feeds {
		articles, err := r.fetchFeed(ctx, feed)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			log.Printf("[source] rss feed %s failed: %v", feed.Name, err)
			continue
		}
		for _, a := range articles {
			if a.PublishedAt.Before(from) || a.PublishedAt.After(to) {
				continue
			}
			if !matchesAny(a.Title+" "+a.Snippet, keywords) {
				continue
			}
			all = append(all, a)
		}
	}

	sortByDate(all)
	return all, nil
}

// fetchFeed parses one RSS feed into candidates.
func (r *RSS) fetchFeed(ctx context.Context, feed config.RSSFeed) ([]models.RawArticle, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	parsed, err := r.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return nil, err
	}

	articles := make([]models.RawArticle, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Link == "" || item.Title == "" {
			continue
		}
		a := models.RawArticle{
			Source:  "rss:" + feed.Name,
			Title:   item.Title,
			URL:     item.Link,
			Snippet: cleanHTML(item.Description),
		}
		if item.PublishedParsed != nil {
			a.PublishedAt = item.PublishedParsed.UTC()
		}
		articles = append(articles, a)
	}

	return articles, nil
}

// cleanHTML strips HTML tags from a string using goquery.
func cleanHTML(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return s
	}
	return strings.TrimSpace(doc.Text())
}
