package aggregate

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/store"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

func TestMean(t *testing.T) {
	if got := Mean(nil); got != 0 {
		t.Errorf("Mean(nil) = %v", got)
	}
	got := Mean([]float64{0.5, -0.2, 0.1})
	want := 0.4 / 3
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Mean = %v, want %v", got, want)
	}
}

func TestTrendFor(t *testing.T) {
	tests := []struct {
		name      string
		current   float64
		trailing  []float64
		threshold float64
		want      string
	}{
		{"no history", 0.9, nil, 0.1, models.TrendStable},
		{"improving", 0.3, []float64{0.1, 0.1, 0.1}, 0.1, models.TrendImproving},
		{"declining", -0.3, []float64{0.0}, 0.1, models.TrendDeclining},
		{"within band", 0.15, []float64{0.1}, 0.1, models.TrendStable},
		{"exactly at threshold", 0.2, []float64{0.1}, 0.1, models.TrendStable},
		{"just over threshold", 0.2001, []float64{0.1}, 0.1, models.TrendImproving},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrendFor(tt.current, tt.trailing, tt.threshold); got != tt.want {
				t.Errorf("TrendFor(%v, %v, %v) = %q, want %q", tt.current, tt.trailing, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestTopTopics(t *testing.T) {
	lists := [][]string{
		{"earnings performance", "deliveries"},
		{"deliveries", "regulatory concerns"},
		{"earnings performance", "deliveries"},
		{"product launch"},
	}
	got := TopTopics(lists, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 topics, got %v", got)
	}
	if got[0] != "deliveries" || got[1] != "earnings performance" {
		t.Errorf("unexpected frequency order: %v", got)
	}
	// regulatory concerns and product launch tie at 1; the first seen
	// wins the last slot.
	if got[2] != "regulatory concerns" {
		t.Errorf("tie not broken by first appearance: %v", got)
	}
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := []models.Mention{{ID: 1}, {ID: 2}, {ID: 3}}
	b := []models.Mention{{ID: 3}, {ID: 1}, {ID: 2}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint should not depend on mention order")
	}
	c := []models.Mention{{ID: 1}, {ID: 2}}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("different mention sets should differ")
	}
}

// --- Refresh against a real store ---

func testAggregator(t *testing.T) (*Aggregator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cfg := &config.Config{Pipeline: config.PipelineConfig{
		TrendWindowDays: 3,
		TrendThreshold:  0.1,
		TopTopics:       5,
	}}
	return New(s, cfg), s
}

func seedDay(t *testing.T, s *store.Store, day string, scores []float64, topics [][]string) {
	t.Helper()
	dayStart, err := utils.ParseDay(day)
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	for i, score := range scores {
		inserted, err := s.Ingest([]models.RawArticle{{
			Source:      "test",
			Title:       day + " article",
			URL:         "https://example.com/" + day + "/" + string(rune('a'+i)),
			PublishedAt: dayStart.Add(time.Duration(i+1) * time.Hour),
			Snippet:     "snippet",
		}})
		if err != nil || len(inserted) != 1 {
			t.Fatalf("Ingest: %v (%d inserted)", err, len(inserted))
		}
		var tp models.StringList
		if topics != nil {
			tp = topics[i]
		}
		err = s.InsertMention(&models.Mention{
			ArticleID:      inserted[0].ID,
			CompanyTicker:  "TSLA",
			SentimentScore: score,
			SentimentLabel: models.LabelForScore(score, 0.25, -0.25),
			KeyTopics:      tp,
		})
		if err != nil {
			t.Fatalf("InsertMention: %v", err)
		}
	}
}

func TestRefreshComputesAggregate(t *testing.T) {
	a, s := testAggregator(t)
	seedDay(t, s, "2026-08-10", []float64{0.5, -0.2, 0.1}, [][]string{
		{"earnings performance"},
		{"regulatory concerns", "earnings performance"},
		{"deliveries"},
	})

	agg, changed, err := a.Refresh(context.Background(), "TSLA", "2026-08-10")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !changed {
		t.Error("first computation should report a change")
	}
	if math.Abs(agg.AvgSentiment-0.4/3) > 1e-9 {
		t.Errorf("AvgSentiment = %v", agg.AvgSentiment)
	}
	if agg.ArticleCount != 3 {
		t.Errorf("ArticleCount = %d", agg.ArticleCount)
	}
	if agg.SentimentTrend != models.TrendStable {
		t.Errorf("expected stable with no history, got %q", agg.SentimentTrend)
	}
	if len(agg.TopTopics) == 0 || agg.TopTopics[0] != "earnings performance" {
		t.Errorf("unexpected topics: %v", agg.TopTopics)
	}

	stored, err := s.DailyAggregate("TSLA", "2026-08-10")
	if err != nil {
		t.Fatalf("DailyAggregate: %v", err)
	}
	if stored.Fingerprint != agg.Fingerprint {
		t.Error("fingerprint not persisted")
	}
}

func TestRefreshIdempotentWhenUnchanged(t *testing.T) {
	a, s := testAggregator(t)
	seedDay(t, s, "2026-08-10", []float64{0.5, -0.2, 0.1}, nil)

	first, changed, err := a.Refresh(context.Background(), "TSLA", "2026-08-10")
	if err != nil || !changed {
		t.Fatalf("first Refresh: changed=%v err=%v", changed, err)
	}
	if err := s.UpdateBrief("2026-08-10", "TSLA", "existing brief"); err != nil {
		t.Fatalf("UpdateBrief: %v", err)
	}

	second, changed, err := a.Refresh(context.Background(), "TSLA", "2026-08-10")
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if changed {
		t.Error("unchanged mention set should not report a change")
	}
	if second.AvgSentiment != first.AvgSentiment {
		t.Errorf("aggregate drifted on recompute: %v vs %v", second.AvgSentiment, first.AvgSentiment)
	}
	if second.IRBrief != "existing brief" {
		t.Errorf("brief lost on idempotent recompute: %q", second.IRBrief)
	}
}

func TestRefreshDetectsNewMention(t *testing.T) {
	a, s := testAggregator(t)
	seedDay(t, s, "2026-08-10", []float64{0.5}, nil)
	if _, _, err := a.Refresh(context.Background(), "TSLA", "2026-08-10"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := s.UpdateBrief("2026-08-10", "TSLA", "stale brief"); err != nil {
		t.Fatalf("UpdateBrief: %v", err)
	}

	// A late-analyzed article lands on the same publication day.
	inserted, err := s.Ingest([]models.RawArticle{{
		Source:      "test",
		Title:       "late arrival",
		URL:         "https://example.com/late",
		PublishedAt: time.Date(2026, 8, 10, 20, 0, 0, 0, time.UTC),
	}})
	if err != nil || len(inserted) != 1 {
		t.Fatalf("Ingest: %v", err)
	}
	err = s.InsertMention(&models.Mention{
		ArticleID:      inserted[0].ID,
		CompanyTicker:  "TSLA",
		SentimentScore: -0.9,
		SentimentLabel: models.LabelNegative,
	})
	if err != nil {
		t.Fatalf("InsertMention: %v", err)
	}

	agg, changed, err := a.Refresh(context.Background(), "TSLA", "2026-08-10")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !changed {
		t.Error("new mention should report a change")
	}
	if agg.ArticleCount != 2 {
		t.Errorf("ArticleCount = %d", agg.ArticleCount)
	}
	// The stale brief survives until regeneration.
	if agg.IRBrief != "stale brief" {
		t.Errorf("brief should be preserved across recompute: %q", agg.IRBrief)
	}
}

func TestRefreshTrendUsesTrailingWindow(t *testing.T) {
	a, s := testAggregator(t)
	// Three prior days averaging 0.1, then a strong day.
	for day, score := range map[string]float64{
		"2026-08-07": 0.1,
		"2026-08-08": 0.0,
		"2026-08-09": 0.2,
	} {
		seedDay(t, s, day, []float64{score}, nil)
		if _, _, err := a.Refresh(context.Background(), "TSLA", day); err != nil {
			t.Fatalf("Refresh %s: %v", day, err)
		}
	}
	seedDay(t, s, "2026-08-10", []float64{0.8}, nil)

	agg, _, err := a.Refresh(context.Background(), "TSLA", "2026-08-10")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if agg.SentimentTrend != models.TrendImproving {
		t.Errorf("expected improving, got %q", agg.SentimentTrend)
	}
}

func TestRefreshNoData(t *testing.T) {
	a, _ := testAggregator(t)
	_, _, err := a.Refresh(context.Background(), "TSLA", "2026-08-10")
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}
