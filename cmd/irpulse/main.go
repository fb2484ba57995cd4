// IRPulse — Media Sentiment Tracking for Investor Relations
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/irpulse/irpulse/api"
	"github.com/irpulse/irpulse/internal/aggregate"
	"github.com/irpulse/irpulse/internal/annotate"
	"github.com/irpulse/irpulse/internal/brief"
	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/insights"
	"github.com/irpulse/irpulse/internal/llm"
	"github.com/irpulse/irpulse/internal/pipeline"
	"github.com/irpulse/irpulse/internal/source"
	"github.com/irpulse/irpulse/internal/store"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config
var cfg *config.Config

func main() {
	// .env is optional; deployments that export real environment
	// variables simply won't have one.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "irpulse",
	Short: "IRPulse — Media Sentiment Tracking for Investor Relations",
	Long: `IRPulse tracks how a company is portrayed in financial media.
It ingests news articles, scores investor sentiment with an LLM,
aggregates per-day sentiment with trend classification, and produces
a short daily brief for IR teams.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// components bundles everything a pipeline-facing command needs.
type components struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	answerer *insights.Answerer
	router   *llm.Router
}

// buildComponents validates config and wires the full stack.
func buildComponents() (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	router, err := llm.NewRouterFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("LLM setup failed: %w", err)
	}

	var sources []source.Source
	if cfg.News.APIKey != "" {
		sources = append(sources, source.NewNewsAPI(cfg.News))
	}
	if len(cfg.News.RSSFeeds) > 0 {
		sources = append(sources, source.NewRSS(cfg.News))
	}

	pipe := pipeline.New(st, sources,
		annotate.New(st, router, cfg),
		aggregate.New(st, cfg),
		brief.New(router, cfg),
		cfg)

	return &components{
		store:    st,
		pipeline: pipe,
		answerer: insights.New(st, router, cfg),
		router:   router,
	}, nil
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("IRPulse %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Run Command ---

var runCmd = &cobra.Command{
	Use:   "run [ticker]",
	Short: "Run the sentiment pipeline once",
	Long:  "Extract articles, score sentiment, aggregate per day, and generate briefs for the given ticker (default from config).",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}

		ticker := ""
		if len(args) > 0 {
			ticker = args[0]
		}
		daysBack, _ := cmd.Flags().GetInt("days")

		run, err := c.pipeline.Run(cmd.Context(), ticker, daysBack)
		if run != nil {
			printRun(run)
		}
		return err
	},
}

func init() {
	runCmd.Flags().Int("days", 0, "how many days back to fetch (default from config)")
}

// --- Aggregate Command ---

var aggregateCmd = &cobra.Command{
	Use:   "aggregate [ticker]",
	Short: "Recompute daily aggregates from stored mentions",
	Long:  "Recompute per-day sentiment aggregates for the last days without fetching or scoring anything new.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}

		ticker := cfg.Pipeline.DefaultTicker
		if len(args) > 0 {
			ticker = args[0]
		}
		ticker = utils.NormalizeTicker(ticker)
		days, _ := cmd.Flags().GetInt("days")

		agg := aggregate.New(c.store, cfg)
		now := time.Now().UTC()
		for i := 0; i < days; i++ {
			day := utils.DayOf(now.AddDate(0, 0, -i))
			result, changed, err := agg.Refresh(cmd.Context(), ticker, day)
			if errors.Is(err, aggregate.ErrNoData) {
				continue
			}
			if err != nil {
				return err
			}
			marker := " "
			if changed {
				marker = "*"
			}
			fmt.Printf("%s %s  avg %+.2f  articles %d  trend %s\n",
				marker, result.Date, result.AvgSentiment, result.ArticleCount, result.SentimentTrend)
		}
		return nil
	},
}

func init() {
	aggregateCmd.Flags().Int("days", 7, "how many days back to recompute")
}

// --- Ask Command ---

var askCmd = &cobra.Command{
	Use:   "ask [ticker] [question]",
	Short: "Ask a question about a ticker's sentiment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		now := time.Now().UTC()
		if to == "" {
			to = utils.DayOf(now)
		}
		if from == "" {
			from = utils.DayOf(now.AddDate(0, 0, -30))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		answer, err := c.answerer.Answer(ctx, args[0], args[1], from, to)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	},
}

func init() {
	askCmd.Flags().String("from", "", "range start (YYYY-MM-DD, default 30 days back)")
	askCmd.Flags().String("to", "", "range end (YYYY-MM-DD, default today)")
}

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Start the REST/WebSocket API server. With pipeline.schedule configured, runs the pipeline on that cron schedule.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}

		if cfg.Pipeline.Schedule != "" {
			scheduler := cron.New()
			_, err := scheduler.AddFunc(cfg.Pipeline.Schedule, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
				defer cancel()
				for _, ticker := range scheduledTickers() {
					run, err := c.pipeline.Run(ctx, ticker, 0)
					if err != nil {
						fmt.Fprintf(os.Stderr, "scheduled run for %s failed: %v\n", ticker, err)
						continue
					}
					fmt.Printf("scheduled run %d for %s: %s\n", run.ID, run.Ticker, run.Status)
				}
			})
			if err != nil {
				return fmt.Errorf("invalid pipeline.schedule %q: %w", cfg.Pipeline.Schedule, err)
			}
			scheduler.Start()
			defer scheduler.Stop()
			fmt.Printf("⏰ Pipeline scheduled: %s\n", cfg.Pipeline.Schedule)
		}

		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		fmt.Printf("🌐 Starting IRPulse API server on %s\n", addr)
		srv := api.NewServer(cfg, c.store, c.pipeline, c.answerer)
		return srv.ListenAndServe(addr)
	},
}

// scheduledTickers returns the tickers covered by scheduled runs:
// the configured watchlist, or just the default ticker.
func scheduledTickers() []string {
	if len(cfg.News.Tickers) > 0 {
		return cfg.News.Tickers
	}
	return []string{cfg.Pipeline.DefaultTicker}
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("═══════════════════════════════════════")
		fmt.Println("  IRPulse — System Status")
		fmt.Println("═══════════════════════════════════════")
		fmt.Printf("  Version:       %s (%s)\n", version, commit)
		fmt.Printf("  Time (UTC):    %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"))
		fmt.Println()

		// Config summary
		fmt.Println("  Configuration:")
		fmt.Printf("    LLM Provider:  %s (model: %s)\n", cfg.LLM.Primary, cfg.LLM.Model)
		fmt.Printf("    Store:         %s\n", cfg.Store.Path)
		fmt.Printf("    Tickers:       %s\n", strings.Join(cfg.News.Tickers, ", "))
		fmt.Printf("    API Server:    %s:%d\n", cfg.API.Host, cfg.API.Port)
		if cfg.Pipeline.Schedule != "" {
			fmt.Printf("    Schedule:      %s\n", cfg.Pipeline.Schedule)
		}
		fmt.Println()

		// API keys status
		fmt.Println("  API Keys:")
		for _, ks := range config.CheckAPIKeys(cfg) {
			printKey(ks)
		}
		fmt.Println()

		// Latest run, if a store exists
		if st, err := store.Open(cfg.Store.Path); err == nil {
			if run, err := st.LatestRun(""); err == nil {
				fmt.Println("  Latest Run:")
				printRun(run)
			}
		}

		fmt.Println("═══════════════════════════════════════")
		return nil
	},
}

func printKey(ks config.KeyStatus) {
	status := "❌ not set"
	if ks.IsSet {
		status = fmt.Sprintf("✅ set (%s, from %s)", ks.Masked, ks.Source)
	}
	fmt.Printf("    %-12s %s\n", ks.Name+":", status)
}

func printRun(run *models.PipelineRun) {
	fmt.Printf("    Run #%d  %s  [%s]\n", run.ID, run.Ticker, run.Status)
	fmt.Printf("    fetched %d, new %d, analyzed %d, skipped %d, days summarized %d\n",
		run.ArticlesFetched, run.ArticlesNew, run.ArticlesAnalyzed, run.ItemsSkipped, run.DaysSummarized)
	if run.FailedStage != "" {
		fmt.Printf("    failed at: %s\n", run.FailedStage)
	}
	for _, e := range run.Errors {
		fmt.Printf("    ⚠ %s\n", e)
	}
}
