// Package source implements article extraction. Sources return raw
// candidates for a ticker and date range; deduplication and persistence
// happen downstream in the store.
package source

import (
	"context"
	"strings"
	"time"

	"github.com/irpulse/irpulse/pkg/models"
)

// Source is a provider of news article candidates.
type Source interface {
	// Name identifies the source in logs and stored articles.
	Name() string
	// Fetch returns candidate articles mentioning the ticker whose
	// publication time falls inside [from, to]. A source that finds
	// nothing returns an empty slice, not an error.
	Fetch(ctx context.Context, ticker string, from, to time.Time) ([]models.RawArticle, error)
}

// queryKeywords splits a search expression like "TSLA OR Tesla" into
// lowercase match keywords. Used by sources that cannot query
// server-side (RSS) to filter fetched items locally.
func queryKeywords(query string) []string {
	var keywords []string
	for _, part := range strings.Split(query, " OR ") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			keywords = append(keywords, part)
		}
	}
	return keywords
}

// matchesAny checks if text contains any of the keywords (case-insensitive).
func matchesAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// sortByDate sorts candidates by published date (newest first).
// Simple insertion sort — fine for small slices.
func sortByDate(articles []models.RawArticle) {
	for i := 1; i < len(articles); i++ {
		key := articles[i]
		j := i - 1
		for j >= 0 && articles[j].PublishedAt.Before(key.PublishedAt) {
			articles[j+1] = articles[j]
			j--
		}
		articles[j+1] = key
	}
}
