// Package pipeline orchestrates the daily ETL: extract articles,
// annotate sentiment, aggregate per day, summarize changed days. One
// run executes at a time; concurrent triggers are rejected, not queued.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/irpulse/irpulse/internal/aggregate"
	"github.com/irpulse/irpulse/internal/annotate"
	"github.com/irpulse/irpulse/internal/brief"
	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/source"
	"github.com/irpulse/irpulse/internal/store"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// Stage identifies where the pipeline is in a run.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageExtracting  Stage = "extracting"
	StageAnnotating  Stage = "annotating"
	StageAggregating Stage = "aggregating"
	StageSummarizing Stage = "summarizing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// ErrAlreadyRunning is returned when a run is triggered while another
// run holds the pipeline.
var ErrAlreadyRunning = errors.New("pipeline: a run is already in progress")

// Event is a progress notification emitted at stage transitions.
type Event struct {
	Stage   Stage     `json:"stage"`
	Ticker  string    `json:"ticker"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier receives progress events. Notify must not block; slow
// consumers drop events on their own side.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

// Notify calls f.
func (f NotifierFunc) Notify(e Event) { f(e) }

// Pipeline wires the stages together.
type Pipeline struct {
	store      *store.Store
	sources    []source.Source
	annotator  *annotate.Annotator
	aggregator *aggregate.Aggregator
	briefs     *brief.Generator

	defaultTicker string
	daysBack      int
	maxPerRun     int

	runLock  sync.Mutex // held for the duration of a run
	mu       sync.Mutex // guards stage
	stage    Stage
	notifier Notifier
}

// New assembles a Pipeline from its stage components.
func New(st *store.Store, sources []source.Source, an *annotate.Annotator, ag *aggregate.Aggregator, bg *brief.Generator, cfg *config.Config) *Pipeline {
	return &Pipeline{
		store:         st,
		sources:       sources,
		annotator:     an,
		aggregator:    ag,
		briefs:        bg,
		defaultTicker: cfg.Pipeline.DefaultTicker,
		daysBack:      cfg.Pipeline.DaysBack,
		maxPerRun:     cfg.Pipeline.MaxPerRun,
		stage:         StageIdle,
	}
}

// SetNotifier installs a progress consumer. Call before Run.
func (p *Pipeline) SetNotifier(n Notifier) { p.notifier = n }

// Stage returns the current stage.
func (p *Pipeline) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool {
	if p.runLock.TryLock() {
		p.runLock.Unlock()
		return false
	}
	return true
}

// Run executes one full pipeline pass for the ticker over the last
// daysBack days (zero values fall back to configuration). It returns
// the persisted run record; per-item failures degrade the run to
// partial, a stage failure ends it as failed.
func (p *Pipeline) Run(ctx context.Context, ticker string, daysBack int) (*models.PipelineRun, error) {
	if !p.runLock.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer p.runLock.Unlock()

	if ticker == "" {
		ticker = p.defaultTicker
	}
	symbol := utils.NormalizeTicker(ticker)
	if daysBack <= 0 {
		daysBack = p.daysBack
	}
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -daysBack)

	run := &models.PipelineRun{Ticker: symbol}
	if err := p.store.InsertRun(run); err != nil {
		return nil, err
	}
	log.Printf("[pipeline] run %d: %s, last %d days", run.ID, symbol, daysBack)

	// --- Extract ---
	p.setStage(StageExtracting, symbol, fmt.Sprintf("fetching articles since %s", from.Format(utils.DayFormat)))
	candidates, sourceErrs := p.extract(ctx, symbol, from, now)
	run.ArticlesFetched = len(candidates)
	run.Errors = append(run.Errors, sourceErrs...)
	if len(candidates) == 0 && len(sourceErrs) == len(p.sources) && len(p.sources) > 0 {
		return p.fail(run, StageExtracting, errors.New("all sources failed"))
	}
	inserted, err := p.store.Ingest(candidates)
	if err != nil {
		return p.fail(run, StageExtracting, err)
	}
	run.ArticlesNew = len(inserted)
	log.Printf("[pipeline] run %d: fetched %d, new %d", run.ID, run.ArticlesFetched, run.ArticlesNew)

	// --- Annotate ---
	p.setStage(StageAnnotating, symbol, fmt.Sprintf("%d new articles", run.ArticlesNew))
	pending, err := p.store.UnannotatedArticles(symbol, from, p.maxPerRun)
	if err != nil {
		return p.fail(run, StageAnnotating, err)
	}
	batch := p.annotator.AnnotateBatch(ctx, pending, symbol)
	run.ArticlesAnalyzed = batch.Analyzed
	run.ItemsSkipped += batch.Skipped
	run.Errors = append(run.Errors, batch.Errors...)
	if err := ctx.Err(); err != nil {
		return p.fail(run, StageAnnotating, err)
	}
	log.Printf("[pipeline] run %d: analyzed %d, cached %d, skipped %d",
		run.ID, batch.Analyzed, batch.Cached, batch.Skipped)

	// --- Aggregate ---
	// Days touched by this batch, plus days an earlier interrupted run
	// annotated but never aggregated. Without the union those mentions
	// would stay invisible forever: later runs exclude already-annotated
	// articles from their batches.
	days := affectedDays(batch.Mentions)
	orphaned, err := p.store.UnaggregatedDays(symbol, from, now)
	if err != nil {
		return p.fail(run, StageAggregating, err)
	}
	days = unionDays(days, orphaned)

	p.setStage(StageAggregating, symbol, fmt.Sprintf("%d days", len(days)))
	changedDays, err := p.refreshDays(ctx, symbol, days)
	if err != nil {
		return p.fail(run, StageAggregating, err)
	}
	if err := ctx.Err(); err != nil {
		return p.fail(run, StageAggregating, err)
	}

	// --- Summarize ---
	// Changed days plus aggregated days whose brief was never written,
	// the gap a run interrupted before its summarize stage leaves.
	unsummarized, err := p.store.UnsummarizedDays(symbol, utils.DayOf(from), utils.DayOf(now))
	if err != nil {
		return p.fail(run, StageSummarizing, err)
	}
	briefDays := unionDays(changedDays, unsummarized)

	p.setStage(StageSummarizing, symbol, fmt.Sprintf("%d days", len(briefDays)))
	summarized, sumErrs := p.summarize(ctx, symbol, briefDays)
	run.DaysSummarized = summarized
	run.Errors = append(run.Errors, sumErrs...)
	run.ItemsSkipped += len(sumErrs)
	if err := ctx.Err(); err != nil {
		return p.fail(run, StageSummarizing, err)
	}

	run.Status = models.RunSucceeded
	if len(run.Errors) > 0 {
		run.Status = models.RunPartial
	}
	if err := p.store.FinishRun(run); err != nil {
		return run, err
	}
	p.setStage(StageDone, symbol, fmt.Sprintf("run %d %s", run.ID, run.Status))
	p.setStage(StageIdle, symbol, "")
	return run, nil
}

// extract gathers candidates from every source; a failed source is
// recorded and contributes nothing.
func (p *Pipeline) extract(ctx context.Context, ticker string, from, to time.Time) ([]models.RawArticle, []string) {
	var candidates []models.RawArticle
	var errs []string
	for _, src := range p.sources {
		articles, err := src.Fetch(ctx, ticker, from, to)
		if err != nil {
			errs = append(errs, fmt.Sprintf("source %s: %v", src.Name(), err))
			log.Printf("[pipeline] source %s failed: %v", src.Name(), err)
			continue
		}
		candidates = append(candidates, articles...)
	}
	return candidates, errs
}

// affectedDays collects the distinct publication days of the batch,
// in first-seen order.
func affectedDays(mentions []models.Mention) []string {
	seen := make(map[string]bool)
	var days []string
	for _, m := range mentions {
		day := utils.DayOf(m.Article.PublishedAt)
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	return days
}

// unionDays appends the extra days not already present, keeping
// first-seen order.
func unionDays(days, extra []string) []string {
	seen := make(map[string]bool, len(days))
	for _, day := range days {
		seen[day] = true
	}
	for _, day := range extra {
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	return days
}

// refreshDays recomputes aggregates and returns the days whose mention
// set actually changed. A day without mentions is skipped; a storage
// failure aborts the stage.
func (p *Pipeline) refreshDays(ctx context.Context, ticker string, days []string) ([]string, error) {
	var changed []string
	for _, day := range days {
		_, dayChanged, err := p.aggregator.Refresh(ctx, ticker, day)
		if errors.Is(err, aggregate.ErrNoData) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", day, err)
		}
		if dayChanged {
			changed = append(changed, day)
		}
	}
	return changed, nil
}

// summarize regenerates briefs for the changed days only.
func (p *Pipeline) summarize(ctx context.Context, ticker string, days []string) (int, []string) {
	var errs []string
	summarized := 0
	for _, day := range days {
		mentions, err := p.store.MentionsForDay(ticker, day)
		if err != nil {
			errs = append(errs, fmt.Sprintf("summarize %s: %v", day, err))
			continue
		}
		agg, err := p.store.DailyAggregate(ticker, day)
		if err != nil {
			errs = append(errs, fmt.Sprintf("summarize %s: %v", day, err))
			continue
		}
		text := p.briefs.Generate(ctx, agg, mentions)
		if err := p.store.UpdateBrief(day, ticker, text); err != nil {
			errs = append(errs, fmt.Sprintf("summarize %s: %v", day, err))
			continue
		}
		summarized++
	}
	return summarized, errs
}

// fail marks the run failed at a stage and persists the terminal state.
func (p *Pipeline) fail(run *models.PipelineRun, stage Stage, cause error) (*models.PipelineRun, error) {
	run.Status = models.RunFailed
	run.FailedStage = string(stage)
	run.Errors = append(run.Errors, cause.Error())
	if err := p.store.FinishRun(run); err != nil {
		log.Printf("[pipeline] run %d: persisting failure: %v", run.ID, err)
	}
	p.setStage(StageFailed, run.Ticker, fmt.Sprintf("%s: %v", stage, cause))
	p.setStage(StageIdle, run.Ticker, "")
	return run, fmt.Errorf("pipeline: %s stage: %w", stage, cause)
}

// setStage records the transition and notifies any consumer.
func (p *Pipeline) setStage(stage Stage, ticker, message string) {
	p.mu.Lock()
	p.stage = stage
	n := p.notifier
	p.mu.Unlock()
	if n != nil && stage != StageIdle {
		n.Notify(Event{Stage: stage, Ticker: ticker, Message: message, At: time.Now().UTC()})
	}
}
