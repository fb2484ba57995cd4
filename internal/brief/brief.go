// Package brief turns a day's aggregate into a short narrative for the
// IR dashboard. A brief is always produced: when the model is
// unavailable the generator falls back to a templated summary.
package brief

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/llm"
	"github.com/irpulse/irpulse/internal/prompts"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// maxHeadlines caps the sample headlines included in the prompt.
const maxHeadlines = 5

// Generator produces daily IR briefs.
type Generator struct {
	provider    llm.Provider
	model       string
	temperature float64
	maxTokens   int
	positiveAt  float64
	negativeAt  float64
}

// New creates a Generator from configuration. The brief model can be
// overridden independently of the scoring model.
func New(provider llm.Provider, cfg *config.Config) *Generator {
	model := cfg.LLM.BriefModel
	if model == "" {
		model = cfg.LLM.Model
	}
	return &Generator{
		provider:    provider,
		model:       model,
		temperature: cfg.LLM.Temperature,
		maxTokens:   cfg.LLM.MaxTokens,
		positiveAt:  cfg.Pipeline.PositiveThreshold,
		negativeAt:  cfg.Pipeline.NegativeThreshold,
	}
}

// Generate produces the narrative brief for one aggregate. The returned
// string is never empty; model failure degrades to the template.
func (g *Generator) Generate(ctx context.Context, agg *models.DailyAggregate, mentions []models.Mention) string {
	label := models.LabelForScore(agg.AvgSentiment, g.positiveAt, g.negativeAt)
	prompt := prompts.Brief(agg.Ticker, agg.ArticleCount, agg.AvgSentiment, label, agg.TopTopics, headlines(mentions))

	opts := &llm.ChatOptions{
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}
	resp, err := g.provider.Chat(ctx, []llm.Message{llm.UserMessage(prompt)}, opts)
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		return strings.TrimSpace(resp.Content)
	}
	if err != nil {
		log.Printf("[brief] %s %s: model failed, using fallback: %v", agg.Ticker, agg.Date, err)
	}
	return Fallback(agg, label)
}

// Fallback is the templated brief used when no model output is
// available. It carries the numbers that matter even without narrative.
func Fallback(agg *models.DailyAggregate, label string) string {
	brief := fmt.Sprintf("Analyzed %d articles with %s sentiment (avg %.2f). Trend: %s.",
		agg.ArticleCount, label, agg.AvgSentiment, agg.SentimentTrend)
	if len(agg.TopTopics) > 0 {
		brief += " Key topics: " + strings.Join(agg.TopTopics, ", ") + "."
	}
	return brief
}

// headlines returns the day's most polarizing titles, strongest
// absolute sentiment first.
func headlines(mentions []models.Mention) []string {
	sorted := make([]models.Mention, len(mentions))
	copy(sorted, mentions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].SentimentScore) > math.Abs(sorted[j].SentimentScore)
	})

	var heads []string
	for _, m := range sorted {
		if m.Article.Title == "" {
			continue
		}
		heads = append(heads, fmt.Sprintf("%s (%.2f)", utils.Truncate(m.Article.Title, 120), m.SentimentScore))
		if len(heads) == maxHeadlines {
			break
		}
	}
	return heads
}
