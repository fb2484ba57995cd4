// Package aggregate rolls per-article mentions up into per-day,
// per-ticker sentiment aggregates with trend classification.
package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/store"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// ErrNoData indicates there are no mentions for the requested day; no
// aggregate row is written in that case.
var ErrNoData = errors.New("aggregate: no mentions for day")

// Aggregator computes daily aggregates.
type Aggregator struct {
	store          *store.Store
	trendWindow    int
	trendThreshold float64
	topTopics      int
}

// New creates an Aggregator from configuration.
func New(st *store.Store, cfg *config.Config) *Aggregator {
	return &Aggregator{
		store:          st,
		trendWindow:    cfg.Pipeline.TrendWindowDays,
		trendThreshold: cfg.Pipeline.TrendThreshold,
		topTopics:      cfg.Pipeline.TopTopics,
	}
}

// Refresh recomputes the aggregate for one (ticker, day) from the
// mentions of record. It reports whether the underlying mention set
// changed since the last computation; an unchanged set only refreshes
// the row timestamp, and the stored brief is never touched here.
func (a *Aggregator) Refresh(ctx context.Context, ticker, day string) (agg *models.DailyAggregate, changed bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	symbol := utils.NormalizeTicker(ticker)

	mentions, err := a.store.MentionsForDay(symbol, day)
	if err != nil {
		return nil, false, err
	}
	if len(mentions) == 0 {
		return nil, false, fmt.Errorf("%w: %s %s", ErrNoData, symbol, day)
	}

	fingerprint := Fingerprint(mentions)
	existing, err := a.store.DailyAggregate(symbol, day)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil && existing.Fingerprint == fingerprint {
		if err := a.store.TouchDailyAggregate(day, symbol); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	scores := make([]float64, len(mentions))
	var topicLists [][]string
	for i, m := range mentions {
		scores[i] = m.SentimentScore
		topicLists = append(topicLists, m.KeyTopics)
	}
	avg := Mean(scores)

	prevDays, err := utils.PrevDays(day, a.trendWindow)
	if err != nil {
		return nil, false, err
	}
	trailing, err := a.store.PriorAverages(symbol, prevDays)
	if err != nil {
		return nil, false, err
	}

	agg = &models.DailyAggregate{
		Date:           day,
		Ticker:         symbol,
		AvgSentiment:   avg,
		ArticleCount:   len(mentions),
		SentimentTrend: TrendFor(avg, trailing, a.trendThreshold),
		TopTopics:      TopTopics(topicLists, a.topTopics),
		Fingerprint:    fingerprint,
	}
	// Recomputation must not lose the narrative until it is
	// regenerated for the new mention set.
	if existing != nil {
		agg.IRBrief = existing.IRBrief
	}
	if err := a.store.UpsertDailyAggregate(agg); err != nil {
		return nil, false, err
	}
	return agg, true, nil
}

// Mean returns the arithmetic mean of scores.
func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// TrendFor classifies current against the mean of the trailing window.
// Movement must strictly exceed the threshold in either direction;
// landing exactly on it, or having no trailing data at all, is stable.
func TrendFor(current float64, trailing []float64, threshold float64) string {
	if len(trailing) == 0 {
		return models.TrendStable
	}
	delta := current - Mean(trailing)
	switch {
	case delta > threshold:
		return models.TrendImproving
	case delta < -threshold:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

// TopTopics merges per-mention topic lists and returns the most
// frequent topics, capped at max. Ties break by first appearance so
// output is deterministic for a given mention ordering.
func TopTopics(topicLists [][]string, max int) models.StringList {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	order := 0
	for _, topics := range topicLists {
		for _, t := range topics {
			if _, ok := counts[t]; !ok {
				firstSeen[t] = order
				order++
			}
			counts[t]++
		}
	}

	topics := make([]string, 0, len(counts))
	for t := range counts {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return firstSeen[topics[i]] < firstSeen[topics[j]]
	})

	if max > 0 && len(topics) > max {
		topics = topics[:max]
	}
	return models.StringList(topics)
}

// Fingerprint hashes the sorted mention IDs of a day. Two computations
// over the same mention set always produce the same fingerprint, which
// is what gates brief regeneration.
func Fingerprint(mentions []models.Mention) string {
	ids := make([]uint, len(mentions))
	for i, m := range mentions {
		ids[i] = m.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%d\n", id)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
