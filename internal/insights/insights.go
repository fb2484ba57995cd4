// Package insights answers free-form questions about a ticker's
// sentiment history, grounding the model in stored aggregates and the
// most polarizing articles rather than letting it speculate.
package insights

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/llm"
	"github.com/irpulse/irpulse/internal/prompts"
	"github.com/irpulse/irpulse/internal/store"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// Knobs for the grounding context. The article pick is deliberately
// negative-heavy: IR teams care more about what is dragging sentiment
// down than what is lifting it.
const (
	maxBriefs        = 5
	negativeArticles = 3
	positiveArticles = 2
	trendBand        = 0.1
)

// Answerer answers sentiment questions over stored data.
type Answerer struct {
	store       *store.Store
	provider    llm.Provider
	model       string
	temperature float64
	maxTokens   int
}

// New creates an Answerer from configuration.
func New(st *store.Store, provider llm.Provider, cfg *config.Config) *Answerer {
	model := cfg.LLM.BriefModel
	if model == "" {
		model = cfg.LLM.Model
	}
	return &Answerer{
		store:       st,
		provider:    provider,
		model:       model,
		temperature: cfg.LLM.Temperature,
		maxTokens:   cfg.LLM.MaxTokens,
	}
}

// Answer responds to a question about the ticker's sentiment inside
// [from, to] (day keys). With no stored data in range it returns a
// fixed answer without calling the model.
func (a *Answerer) Answer(ctx context.Context, ticker, question, from, to string) (string, error) {
	symbol := utils.NormalizeTicker(ticker)

	aggs, err := a.store.DailyAggregateRange(symbol, from, to)
	if err != nil {
		return "", err
	}
	if len(aggs) == 0 {
		return fmt.Sprintf("No sentiment data is available for %s between %s and %s. Run the pipeline first.", symbol, from, to), nil
	}

	var sum float64
	totalArticles := 0
	for _, agg := range aggs {
		sum += agg.AvgSentiment
		totalArticles += agg.ArticleCount
	}
	avg := sum / float64(len(aggs))

	mentions, err := a.store.MentionsInRange(symbol, from, to)
	if err != nil {
		return "", err
	}

	dateRange := fmt.Sprintf("%s to %s", from, to)
	prompt := prompts.Ask(symbol, dateRange, avg, totalArticles, rangeTrend(aggs),
		recentBriefs(aggs), keyArticles(mentions), question)

	resp, err := a.provider.Chat(ctx, []llm.Message{llm.UserMessage(prompt)}, &llm.ChatOptions{
		Model:       a.model,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("insights: answer for %s: %w", symbol, err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// rangeTrend compares the newer half of the range against the older
// half. A single-day range has no direction and reads stable.
func rangeTrend(aggs []models.DailyAggregate) string {
	if len(aggs) < 2 {
		return models.TrendStable
	}
	mid := len(aggs) / 2
	older := meanOf(aggs[:mid])
	newer := meanOf(aggs[mid:])
	switch {
	case newer-older > trendBand:
		return models.TrendImproving
	case older-newer > trendBand:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

func meanOf(aggs []models.DailyAggregate) float64 {
	var sum float64
	for _, a := range aggs {
		sum += a.AvgSentiment
	}
	return sum / float64(len(aggs))
}

// recentBriefs formats the last briefs in range, newest last.
func recentBriefs(aggs []models.DailyAggregate) []string {
	start := 0
	if len(aggs) > maxBriefs {
		start = len(aggs) - maxBriefs
	}
	var briefs []string
	for _, agg := range aggs[start:] {
		if agg.IRBrief == "" {
			continue
		}
		briefs = append(briefs, fmt.Sprintf("%s: %s", agg.Date, agg.IRBrief))
	}
	return briefs
}

// keyArticles picks the most negative and most positive mentions in
// range and formats them ascending by score, so the model reads the
// worst coverage first.
func keyArticles(mentions []models.Mention) []string {
	sorted := make([]models.Mention, len(mentions))
	copy(sorted, mentions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentimentScore < sorted[j].SentimentScore
	})

	picked := make([]models.Mention, 0, negativeArticles+positiveArticles)
	n := negativeArticles
	if n > len(sorted) {
		n = len(sorted)
	}
	picked = append(picked, sorted[:n]...)
	for i := len(sorted) - positiveArticles; i < len(sorted); i++ {
		if i < n {
			continue // already picked from the negative end
		}
		picked = append(picked, sorted[i])
	}

	var lines []string
	for _, m := range picked {
		title := m.Article.Title
		if title == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s, %.2f)", utils.Truncate(title, 120), m.SentimentLabel, m.SentimentScore))
	}
	return lines
}
