// Package annotate scores persisted articles for investor sentiment
// via the LLM router. Each (article, ticker) pair is analyzed at most
// once; the stored mention is the cache.
package annotate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/llm"
	"github.com/irpulse/irpulse/internal/prompts"
	"github.com/irpulse/irpulse/internal/store"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// ErrMalformed indicates the model returned unusable output after the
// strict-format retry.
var ErrMalformed = errors.New("annotate: malformed model response")

// Annotator scores articles for a ticker and persists the results.
type Annotator struct {
	store    *store.Store
	provider llm.Provider

	model            string
	temperature      float64
	maxTokens        int
	maxConcurrency   int
	maxTopicsPerItem int
	snippetMaxRunes  int
	positiveAt       float64
	negativeAt       float64
}

// New creates an Annotator from configuration.
func New(st *store.Store, provider llm.Provider, cfg *config.Config) *Annotator {
	return &Annotator{
		store:            st,
		provider:         provider,
		model:            cfg.LLM.Model,
		temperature:      cfg.LLM.Temperature,
		maxTokens:        cfg.LLM.MaxTokens,
		maxConcurrency:   cfg.Pipeline.MaxConcurrency,
		maxTopicsPerItem: cfg.Pipeline.MaxTopicsPerItem,
		snippetMaxRunes:  cfg.Pipeline.SnippetMaxRunes,
		positiveAt:       cfg.Pipeline.PositiveThreshold,
		negativeAt:       cfg.Pipeline.NegativeThreshold,
	}
}

// Annotate scores one article for the ticker. If a mention already
// exists it is returned without any model call; analyzed reports
// whether a new model call was made.
func (a *Annotator) Annotate(ctx context.Context, article models.Article, ticker string) (mention *models.Mention, analyzed bool, err error) {
	symbol := utils.NormalizeTicker(ticker)

	if existing, err := a.store.MentionByArticle(article.ID, symbol); err == nil {
		existing.Article = article
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	result, err := a.score(ctx, article, symbol)
	if err != nil {
		return nil, false, err
	}

	m := &models.Mention{
		ArticleID:      article.ID,
		CompanyTicker:  symbol,
		SentimentScore: result.Sentiment,
		SentimentLabel: result.Label,
		KeyTopics:      result.Topics,
	}
	if err := a.store.InsertMention(m); err != nil {
		return nil, false, err
	}
	m.Article = article
	return m, true, nil
}

// BatchResult summarizes one annotation batch.
type BatchResult struct {
	Mentions []models.Mention // every mention covering the batch, cached or fresh
	Analyzed int              // fresh model calls that succeeded
	Cached   int              // pairs already analyzed in an earlier run
	Skipped  int              // articles dropped after a terminal failure
	Errors   []string         // one entry per skipped article
}

// AnnotateBatch scores a batch of articles concurrently, bounded by the
// configured concurrency. A failed article is skipped and recorded; it
// never aborts the batch.
func (a *Annotator) AnnotateBatch(ctx context.Context, articles []models.Article, ticker string) *BatchResult {
	result := &BatchResult{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	limit := a.maxConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, article := range articles {
		g.Go(func() error {
			mention, analyzed, err := a.Annotate(ctx, article, ticker)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("article %d (%s): %v", article.ID, utils.Truncate(article.Title, 60), err))
				log.Printf("[annotate] skipping article %d: %v", article.ID, err)
				return nil
			}
			result.Mentions = append(result.Mentions, *mention)
			if analyzed {
				result.Analyzed++
			} else {
				result.Cached++
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	return result
}

// sentimentResult is the JSON contract the scoring prompt demands.
type sentimentResult struct {
	Sentiment float64           `json:"sentiment"`
	Label     string            `json:"label"`
	Topics    models.StringList `json:"topics"`
}

// score calls the model and parses its response, retrying once with a
// strict-format reminder on malformed output.
func (a *Annotator) score(ctx context.Context, article models.Article, ticker string) (*sentimentResult, error) {
	snippet := utils.Truncate(article.ContentSnippet, a.snippetMaxRunes)
	prompt := prompts.Sentiment(ticker, article.Title, snippet, a.maxTopicsPerItem)

	opts := &llm.ChatOptions{
		Model:       a.model,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}

	resp, err := a.provider.Chat(ctx, []llm.Message{llm.UserMessage(prompt)}, opts)
	if err != nil {
		return nil, fmt.Errorf("score article %d: %w", article.ID, err)
	}

	result, err := a.parse(resp.Content)
	if err == nil {
		return result, nil
	}
	log.Printf("[annotate] article %d: unparsable response, retrying with strict format", article.ID)

	resp, err = a.provider.Chat(ctx, []llm.Message{llm.UserMessage(prompt + prompts.StrictReminder)}, opts)
	if err != nil {
		return nil, fmt.Errorf("score article %d (retry): %w", article.ID, err)
	}
	result, err = a.parse(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("article %d: %w", article.ID, ErrMalformed)
	}
	return result, nil
}

// parse extracts and validates the JSON scoring object from raw model
// output, tolerating markdown fences and surrounding prose.
func (a *Annotator) parse(raw string) (*sentimentResult, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var result sentimentResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	// Clamp rather than reject slightly out-of-range scores.
	if result.Sentiment > 1.0 {
		result.Sentiment = 1.0
	} else if result.Sentiment < -1.0 {
		result.Sentiment = -1.0
	}

	// An unrecognized label is rederived from the score bands instead
	// of poisoning aggregation.
	result.Label = strings.ToLower(strings.TrimSpace(result.Label))
	if !models.ValidLabel(result.Label) {
		result.Label = models.LabelForScore(result.Sentiment, a.positiveAt, a.negativeAt)
	}

	result.Topics = normalizeTopics(result.Topics, a.maxTopicsPerItem)
	return &result, nil
}

// extractJSON isolates the JSON object in raw model output: fenced
// blocks are unwrapped, otherwise the first-to-last brace span is used.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return s[start : end+1], nil
}

// normalizeTopics lowercases, trims, dedupes, and caps topics so the
// same theme aggregates under one name across articles.
func normalizeTopics(topics []string, max int) models.StringList {
	seen := make(map[string]bool, len(topics))
	var out models.StringList
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
