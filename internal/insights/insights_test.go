package insights

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/llm"
	"github.com/irpulse/irpulse/internal/store"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

type captureProvider struct {
	calls      atomic.Int64
	lastPrompt string
	content    string
}

func (p *captureProvider) Name() string { return "capture" }

func (p *captureProvider) Chat(_ context.Context, messages []llm.Message, _ *llm.ChatOptions) (*llm.Response, error) {
	p.calls.Add(1)
	p.lastPrompt = messages[len(messages)-1].Content
	return &llm.Response{Content: p.content, Provider: "capture"}, nil
}

func (p *captureProvider) Ping(_ context.Context) error { return nil }

func insightsConfig() *config.Config {
	return &config.Config{LLM: config.LLMConfig{Model: "test-model", MaxTokens: 500}}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func seedAggregates(t *testing.T, s *store.Store, days map[string]float64) {
	t.Helper()
	for day, score := range days {
		err := s.UpsertDailyAggregate(&models.DailyAggregate{
			Date:         day,
			Ticker:       "TSLA",
			AvgSentiment: score,
			ArticleCount: 2,
			IRBrief:      "brief for " + day,
		})
		if err != nil {
			t.Fatalf("UpsertDailyAggregate: %v", err)
		}
	}
}

func seedMention(t *testing.T, s *store.Store, day, title string, score float64) {
	t.Helper()
	start, err := utils.ParseDay(day)
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	inserted, err := s.Ingest([]models.RawArticle{{
		Source:      "test",
		Title:       title,
		URL:         "https://example.com/" + title,
		PublishedAt: start.Add(12 * time.Hour),
	}})
	if err != nil || len(inserted) != 1 {
		t.Fatalf("Ingest: %v", err)
	}
	err = s.InsertMention(&models.Mention{
		ArticleID:      inserted[0].ID,
		CompanyTicker:  "TSLA",
		SentimentScore: score,
		SentimentLabel: models.LabelForScore(score, 0.25, -0.25),
	})
	if err != nil {
		t.Fatalf("InsertMention: %v", err)
	}
}

func TestAnswerNoDataSkipsModel(t *testing.T) {
	s := testStore(t)
	provider := &captureProvider{content: "should not be used"}
	a := New(s, provider, insightsConfig())

	answer, err := a.Answer(context.Background(), "TSLA", "How is sentiment?", "2026-08-01", "2026-08-10")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !strings.Contains(answer, "No sentiment data") {
		t.Errorf("unexpected no-data answer: %q", answer)
	}
	if provider.calls.Load() != 0 {
		t.Error("model must not be called without data")
	}
}

func TestAnswerGroundsPromptInStoredData(t *testing.T) {
	s := testStore(t)
	seedAggregates(t, s, map[string]float64{
		"2026-08-08": -0.3,
		"2026-08-09": 0.1,
		"2026-08-10": 0.4,
	})
	seedMention(t, s, "2026-08-08", "Recall fallout deepens", -0.8)
	seedMention(t, s, "2026-08-09", "Quiet trading day", 0.0)
	seedMention(t, s, "2026-08-10", "Record deliveries reported", 0.9)

	provider := &captureProvider{content: "Sentiment recovered over the period."}
	a := New(s, provider, insightsConfig())

	answer, err := a.Answer(context.Background(), "tsla", "Did sentiment recover?", "2026-08-01", "2026-08-10")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer != "Sentiment recovered over the period." {
		t.Errorf("unexpected answer: %q", answer)
	}

	prompt := provider.lastPrompt
	for _, want := range []string{
		"TSLA",
		"2026-08-01 to 2026-08-10",
		"brief for 2026-08-10",
		"Recall fallout deepens",
		"Record deliveries reported",
		"Did sentiment recover?",
		models.TrendImproving,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	// Worst coverage reads first.
	if strings.Index(prompt, "Recall fallout") > strings.Index(prompt, "Record deliveries") {
		t.Error("key articles not ordered ascending by score")
	}
}

func TestRangeTrend(t *testing.T) {
	mk := func(scores ...float64) []models.DailyAggregate {
		aggs := make([]models.DailyAggregate, len(scores))
		for i, s := range scores {
			aggs[i].AvgSentiment = s
		}
		return aggs
	}
	if got := rangeTrend(mk(0.5)); got != models.TrendStable {
		t.Errorf("single day = %q", got)
	}
	if got := rangeTrend(mk(-0.4, -0.3, 0.2, 0.3)); got != models.TrendImproving {
		t.Errorf("rising = %q", got)
	}
	if got := rangeTrend(mk(0.4, 0.3, -0.2, -0.3)); got != models.TrendDeclining {
		t.Errorf("falling = %q", got)
	}
	if got := rangeTrend(mk(0.1, 0.1, 0.12, 0.1)); got != models.TrendStable {
		t.Errorf("flat = %q", got)
	}
}

func TestKeyArticlesSmallSets(t *testing.T) {
	// Fewer mentions than the pick sizes must not duplicate or panic.
	mentions := []models.Mention{
		{SentimentScore: -0.5, SentimentLabel: models.LabelNegative, Article: models.Article{Title: "only story"}},
	}
	lines := keyArticles(mentions)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %v", lines)
	}
	if keyArticles(nil) != nil {
		t.Error("expected no lines for no mentions")
	}
}
