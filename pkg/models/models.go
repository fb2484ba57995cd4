// Package models defines the domain types shared across IRPulse:
// raw and stored articles, per-ticker sentiment mentions, daily
// aggregates, and pipeline run records.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Sentiment labels assigned to a mention. Label banding is driven by
// configured score thresholds; these are the only legal values.
const (
	LabelNegative = "negative"
	LabelNeutral  = "neutral"
	LabelPositive = "positive"
)

// Trend classifications for a daily aggregate relative to its
// trailing window.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// RawArticle is a candidate article as returned by a news source,
// before deduplication and persistence.
type RawArticle struct {
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Snippet     string    `json:"snippet"`
}

// Article is a deduplicated, persisted news article. The canonical URL
// is the dedup key: re-fetching an already-seen URL must not create a
// second row.
type Article struct {
	ID             uint      `json:"id"              gorm:"primaryKey"`
	Source         string    `json:"source"`
	Title          string    `json:"title"`
	URL            string    `json:"url"             gorm:"uniqueIndex;not null"`
	PublishedAt    time.Time `json:"published_at"    gorm:"index"`
	ContentSnippet string    `json:"content_snippet"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// Mention is the sentiment analysis result for one article with
// respect to one ticker. At most one Mention exists per
// (article, ticker) pair; once written it is never re-analyzed.
type Mention struct {
	ID             uint       `json:"id"              gorm:"primaryKey"`
	ArticleID      uint       `json:"article_id"      gorm:"uniqueIndex:idx_article_ticker;not null"`
	Article        Article    `json:"article"         gorm:"foreignKey:ArticleID"`
	CompanyTicker  string     `json:"company_ticker"  gorm:"uniqueIndex:idx_article_ticker;index;not null"`
	SentimentScore float64    `json:"sentiment_score"`
	SentimentLabel string     `json:"sentiment_label"`
	KeyTopics      StringList `json:"key_topics"      gorm:"type:text"`
	AnalyzedAt     time.Time  `json:"analyzed_at"`
}

// DailyAggregate is the per-day, per-ticker rollup of all Mentions
// whose underlying article was published that day.
//
// Fingerprint identifies the exact mention set the row was computed
// from; recomputation with an unchanged set only touches CreatedAt,
// and the IR brief is regenerated only when the fingerprint moves.
type DailyAggregate struct {
	Date           string     `json:"date"            gorm:"primaryKey;size:10"` // YYYY-MM-DD
	Ticker         string     `json:"ticker"          gorm:"primaryKey"`
	AvgSentiment   float64    `json:"avg_sentiment"`
	ArticleCount   int        `json:"article_count"`
	SentimentTrend string     `json:"sentiment_trend"`
	TopTopics      StringList `json:"top_topics"      gorm:"type:text"`
	IRBrief        string     `json:"ir_brief"`
	Fingerprint    string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TableName keeps the storage schema name used by the dashboard.
func (DailyAggregate) TableName() string { return "daily_agg" }

// Pipeline run terminal statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial" // finished, but some items were skipped
	RunFailed    = "failed"  // a whole stage failed
)

// PipelineRun records one pipeline execution so the dashboard can show
// whether the latest run ended cleanly, partially, or not at all.
type PipelineRun struct {
	ID               uint       `json:"id"                gorm:"primaryKey"`
	Ticker           string     `json:"ticker"            gorm:"index"`
	Status           string     `json:"status"`
	FailedStage      string     `json:"failed_stage,omitempty"`
	ArticlesFetched  int        `json:"articles_fetched"`
	ArticlesNew      int        `json:"articles_new"`
	ArticlesAnalyzed int        `json:"articles_analyzed"`
	ItemsSkipped     int        `json:"items_skipped"`
	DaysSummarized   int        `json:"days_summarized"`
	Errors           StringList `json:"errors,omitempty"  gorm:"type:text"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// StringList is an ordered list of strings persisted as a JSON array
// in a single text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("models: cannot scan %T into StringList", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// LabelForScore maps a score in [-1, 1] onto a label using the given
// symmetric band edges (e.g. positive ≥ 0.25, negative ≤ -0.25).
func LabelForScore(score, positiveAt, negativeAt float64) string {
	switch {
	case score >= positiveAt:
		return LabelPositive
	case score <= negativeAt:
		return LabelNegative
	default:
		return LabelNeutral
	}
}

// ValidLabel reports whether s is one of the three legal labels.
func ValidLabel(s string) bool {
	return s == LabelNegative || s == LabelNeutral || s == LabelPositive
}
