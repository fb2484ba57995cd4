// Package store implements the persistent layer over sqlite via GORM.
// It is the single source of truth for articles, mentions, daily
// aggregates, and pipeline runs; every cross-run "cache" in the system
// is one of its uniqueness constraints, not a memory structure.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(
		&models.Article{},
		&models.Mention{},
		&models.DailyAggregate{},
		&models.PipelineRun{},
	); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// --- Articles ---

// Ingest persists the given candidates, skipping duplicates by URL.
// Duplicates are expected steady-state (the same article is refetched
// daily until it ages out of the source window) and are absorbed
// silently. Returns the rows that were genuinely new.
func (s *Store) Ingest(candidates []models.RawArticle) ([]models.Article, error) {
	var inserted []models.Article
	for _, c := range candidates {
		if c.URL == "" || c.Title == "" {
			continue
		}
		article, isNew, err := s.insertArticle(c)
		if err != nil {
			return inserted, err
		}
		if isNew {
			inserted = append(inserted, *article)
		}
	}
	return inserted, nil
}

// insertArticle inserts one candidate, returning the stored row and
// whether it was newly created.
func (s *Store) insertArticle(c models.RawArticle) (*models.Article, bool, error) {
	if existing, err := s.ArticleByURL(c.URL); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	article := models.Article{
		Source:         c.Source,
		Title:          c.Title,
		URL:            c.URL,
		PublishedAt:    c.PublishedAt.UTC(),
		ContentSnippet: c.Snippet,
		FetchedAt:      time.Now().UTC(),
	}
	if err := s.db.Create(&article).Error; err != nil {
		// A concurrent insert can still lose the race to the unique
		// index; absorb it like any other duplicate.
		if isUniqueViolation(err) {
			existing, lookupErr := s.ArticleByURL(c.URL)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("store: insert article: %w", err)
	}
	return &article, true, nil
}

// ArticleByURL returns the article with the given canonical URL.
func (s *Store) ArticleByURL(url string) (*models.Article, error) {
	var a models.Article
	err := s.db.Where("url = ?", url).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: article by url: %w", err)
	}
	return &a, nil
}

// UnannotatedArticles returns articles published at or after since that
// have no mention for the given ticker yet, newest first, capped at
// limit (0 = no cap). This drives the per-run annotation selection.
func (s *Store) UnannotatedArticles(ticker string, since time.Time, limit int) ([]models.Article, error) {
	q := s.db.
		Where("published_at >= ?", since.UTC()).
		Where("id NOT IN (?)", s.db.Model(&models.Mention{}).
			Select("article_id").
			Where("company_ticker = ?", ticker)).
		Order("published_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var articles []models.Article
	if err := q.Find(&articles).Error; err != nil {
		return nil, fmt.Errorf("store: unannotated articles: %w", err)
	}
	return articles, nil
}

// --- Mentions ---

// InsertMention persists a sentiment analysis result. The composite
// unique index on (article_id, company_ticker) enforces the
// analyze-once invariant at the storage level.
func (s *Store) InsertMention(m *models.Mention) error {
	if m.AnalyzedAt.IsZero() {
		m.AnalyzedAt = time.Now().UTC()
	}
	if err := s.db.Omit("Article").Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.MentionByArticle(m.ArticleID, m.CompanyTicker)
			if lookupErr != nil {
				return lookupErr
			}
			*m = *existing
			return nil
		}
		return fmt.Errorf("store: insert mention: %w", err)
	}
	return nil
}

// MentionByArticle returns the mention for an (article, ticker) pair.
func (s *Store) MentionByArticle(articleID uint, ticker string) (*models.Mention, error) {
	var m models.Mention
	err := s.db.Where("article_id = ? AND company_ticker = ?", articleID, ticker).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: mention by article: %w", err)
	}
	return &m, nil
}

// MentionsForDay returns all mentions for a ticker whose underlying
// article was published on the given day (publication date, not
// analysis date, so late analysis attributes to the right day).
// Articles are preloaded for brief generation.
func (s *Store) MentionsForDay(ticker, day string) ([]models.Mention, error) {
	start, end, err := utils.DayBounds(day)
	if err != nil {
		return nil, fmt.Errorf("store: mentions for day: %w", err)
	}
	var mentions []models.Mention
	err = s.db.Preload("Article").
		Joins("JOIN articles ON articles.id = mentions.article_id").
		Where("mentions.company_ticker = ?", ticker).
		Where("articles.published_at >= ? AND articles.published_at < ?", start, end).
		Order("articles.published_at ASC, mentions.id ASC").
		Find(&mentions).Error
	if err != nil {
		return nil, fmt.Errorf("store: mentions for day: %w", err)
	}
	return mentions, nil
}

// MentionsInRange returns mentions (with articles) for a ticker whose
// articles were published inside [from, to], newest first. Feeds the
// dashboard detail table and the Q&A context.
func (s *Store) MentionsInRange(ticker, from, to string) ([]models.Mention, error) {
	start, _, err := utils.DayBounds(from)
	if err != nil {
		return nil, fmt.Errorf("store: mentions in range: %w", err)
	}
	_, end, err := utils.DayBounds(to)
	if err != nil {
		return nil, fmt.Errorf("store: mentions in range: %w", err)
	}
	var mentions []models.Mention
	err = s.db.Preload("Article").
		Joins("JOIN articles ON articles.id = mentions.article_id").
		Where("mentions.company_ticker = ?", ticker).
		Where("articles.published_at >= ? AND articles.published_at < ?", start, end).
		Order("articles.published_at DESC").
		Find(&mentions).Error
	if err != nil {
		return nil, fmt.Errorf("store: mentions in range: %w", err)
	}
	return mentions, nil
}

// UnaggregatedDays returns publication days inside [from, to) that have
// mentions for the ticker but no daily aggregate row yet. This is the
// state a run interrupted between annotation and aggregation leaves
// behind, so later runs must pick these days up.
func (s *Store) UnaggregatedDays(ticker string, from, to time.Time) ([]string, error) {
	var stamps []time.Time
	err := s.db.Model(&models.Mention{}).
		Joins("JOIN articles ON articles.id = mentions.article_id").
		Where("mentions.company_ticker = ?", ticker).
		Where("articles.published_at >= ? AND articles.published_at < ?", from, to).
		Order("articles.published_at ASC").
		Pluck("articles.published_at", &stamps).Error
	if err != nil {
		return nil, fmt.Errorf("store: unaggregated days: %w", err)
	}

	seen := make(map[string]bool)
	var days []string
	for _, ts := range stamps {
		day := utils.DayOf(ts)
		if seen[day] {
			continue
		}
		seen[day] = true
		var count int64
		err := s.db.Model(&models.DailyAggregate{}).
			Where("date = ? AND ticker = ?", day, ticker).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("store: unaggregated days: %w", err)
		}
		if count == 0 {
			days = append(days, day)
		}
	}
	return days, nil
}

// UnsummarizedDays returns days in [from, to] whose aggregate row has
// no brief yet. Briefs are written after aggregation, so an empty
// brief marks a day a previous run aggregated but never summarized.
func (s *Store) UnsummarizedDays(ticker, from, to string) ([]string, error) {
	var days []string
	err := s.db.Model(&models.DailyAggregate{}).
		Where("ticker = ?", ticker).
		Where("date >= ? AND date <= ?", from, to).
		Where("ir_brief = ''").
		Order("date ASC").
		Pluck("date", &days).Error
	if err != nil {
		return nil, fmt.Errorf("store: unsummarized days: %w", err)
	}
	return days, nil
}

// --- Daily aggregates ---

// UpsertDailyAggregate inserts or replaces the aggregate row for its
// (date, ticker) key.
func (s *Store) UpsertDailyAggregate(agg *models.DailyAggregate) error {
	if agg.CreatedAt.IsZero() {
		agg.CreatedAt = time.Now().UTC()
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}, {Name: "ticker"}},
		UpdateAll: true,
	}).Create(agg).Error
	if err != nil {
		return fmt.Errorf("store: upsert daily aggregate: %w", err)
	}
	return nil
}

// TouchDailyAggregate refreshes only the bookkeeping timestamp of an
// existing aggregate (the unchanged-mention-set recompute path).
func (s *Store) TouchDailyAggregate(date, ticker string) error {
	err := s.db.Model(&models.DailyAggregate{}).
		Where("date = ? AND ticker = ?", date, ticker).
		Update("created_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("store: touch daily aggregate: %w", err)
	}
	return nil
}

// UpdateBrief sets the narrative brief on an existing aggregate row.
func (s *Store) UpdateBrief(date, ticker, brief string) error {
	err := s.db.Model(&models.DailyAggregate{}).
		Where("date = ? AND ticker = ?", date, ticker).
		Update("ir_brief", brief).Error
	if err != nil {
		return fmt.Errorf("store: update brief: %w", err)
	}
	return nil
}

// DailyAggregate returns the aggregate for one (ticker, date).
func (s *Store) DailyAggregate(ticker, date string) (*models.DailyAggregate, error) {
	var agg models.DailyAggregate
	err := s.db.Where("ticker = ? AND date = ?", ticker, date).First(&agg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: daily aggregate: %w", err)
	}
	return &agg, nil
}

// DailyAggregateRange returns aggregates for [from, to], oldest first.
func (s *Store) DailyAggregateRange(ticker, from, to string) ([]models.DailyAggregate, error) {
	var aggs []models.DailyAggregate
	err := s.db.Where("ticker = ? AND date >= ? AND date <= ?", ticker, from, to).
		Order("date ASC").
		Find(&aggs).Error
	if err != nil {
		return nil, fmt.Errorf("store: daily aggregate range: %w", err)
	}
	return aggs, nil
}

// PriorAverages returns the avg_sentiment values of the given days
// that have an aggregate row, in the order the days were passed.
// Missing days are simply absent; the trend window tolerates gaps.
func (s *Store) PriorAverages(ticker string, days []string) ([]float64, error) {
	if len(days) == 0 {
		return nil, nil
	}
	var rows []models.DailyAggregate
	err := s.db.Where("ticker = ? AND date IN ?", ticker, days).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: prior averages: %w", err)
	}
	byDate := make(map[string]float64, len(rows))
	for _, r := range rows {
		byDate[r.Date] = r.AvgSentiment
	}
	var avgs []float64
	for _, d := range days {
		if v, ok := byDate[d]; ok {
			avgs = append(avgs, v)
		}
	}
	return avgs, nil
}

// --- Pipeline runs ---

// InsertRun records the start of a pipeline run.
func (s *Store) InsertRun(run *models.PipelineRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	if err := s.db.Create(run).Error; err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// FinishRun persists the terminal state of a run.
func (s *Store) FinishRun(run *models.PipelineRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	if err := s.db.Save(run).Error; err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run, optionally filtered by ticker.
func (s *Store) LatestRun(ticker string) (*models.PipelineRun, error) {
	q := s.db.Order("started_at DESC")
	if ticker != "" {
		q = q.Where("ticker = ?", ticker)
	}
	var run models.PipelineRun
	err := q.First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest run: %w", err)
	}
	return &run, nil
}

// isUniqueViolation detects sqlite unique-constraint failures.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}
