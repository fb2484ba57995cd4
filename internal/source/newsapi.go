package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/irpulse/irpulse/internal/config"
	"github.com/irpulse/irpulse/internal/infra"
	"github.com/irpulse/irpulse/pkg/models"
	"github.com/irpulse/irpulse/pkg/utils"
)

// NewsAPI fetches articles from the NewsAPI "everything" endpoint.
//
// The requested date range is split into chunks (default one week) and
// each chunk is queried separately. NewsAPI caps results per request,
// so a single query over a long range returns only the most recent
// page; chunking spreads coverage across the whole range. A failed
// chunk contributes zero articles rather than failing the fetch.
type NewsAPI struct {
	apiKey      string
	baseURL     string
	language    string
	pageSize    int
	chunkDays   int
	domains     []string
	searchTerms map[string]string

	client  *http.Client
	cache   *infra.Cache
	limiter *infra.RateLimiter
}

// NewNewsAPI creates a NewsAPI source from configuration.
func NewNewsAPI(cfg config.NewsConfig) *NewsAPI {
	return &NewsAPI{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		language:    cfg.Language,
		pageSize:    cfg.PageSize,
		chunkDays:   cfg.ChunkDays,
		domains:     cfg.Domains,
		searchTerms: cfg.SearchTerms,
		client:      &http.Client{Timeout: 30 * time.Second},
		cache:       infra.NewCache(10 * time.Minute),
		limiter:     infra.NewRateLimiter(2, time.Second), // conservative: 2 req/s
	}
}

// Name returns the data source name.
func (n *NewsAPI) Name() string { return "newsapi" }

// Fetch returns candidates for the ticker across [from, to].
func (n *NewsAPI) Fetch(ctx context.Context, ticker string, from, to time.Time) ([]models.RawArticle, error) {
	symbol := utils.NormalizeTicker(ticker)
	query := n.searchTerms[symbol]
	if query == "" {
		query = symbol
	}

	var all []models.RawArticle
	chunk := n.chunkDays
	if chunk < 1 {
		chunk = 7
	}
	for start := from; start.Before(to); start = start.AddDate(0, 0, chunk) {
		end := start.AddDate(0, 0, chunk)
		if end.After(to) {
			end = to
		}
		articles, err := n.fetchChunk(ctx, query, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			log.Printf("[source] newsapi chunk %s..%s for %s failed: %v",
				start.Format(utils.DayFormat), end.Format(utils.DayFormat), symbol, err)
			continue
		}
		all = append(all, articles...)
	}

	sortByDate(all)
	return all, nil
}

// fetchChunk queries one date window, consulting the in-run cache.
func (n *NewsAPI) fetchChunk(ctx context.Context, query string, from, to time.Time) ([]models.RawArticle, error) {
	cacheKey := fmt.Sprintf("newsapi:%s:%s:%s", query, from.Format(utils.DayFormat), to.Format(utils.DayFormat))
	if cached, ok := n.cache.Get(cacheKey); ok {
		return cached.([]models.RawArticle), nil
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("from", from.UTC().Format(utils.DayFormat))
	params.Set("to", to.UTC().Format(utils.DayFormat))
	params.Set("language", n.language)
	params.Set("sortBy", "popularity")
	params.Set("pageSize", fmt.Sprintf("%d", n.pageSize))
	if len(n.domains) > 0 {
		// Quality mode: restrict to the configured major outlets.
		params.Set("domains", strings.Join(n.domains, ","))
	}

	endpoint := n.baseURL + "/everything?" + params.Encode()
	body, err := infra.Get(ctx, n.client, endpoint, map[string]string{"X-Api-Key": n.apiKey})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp newsAPIResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("newsapi status %q: %s", resp.Status, resp.Message)
	}

	articles := make([]models.RawArticle, 0, len(resp.Articles))
	for _, item := range resp.Articles {
		if item.URL == "" || item.Title == "" {
			continue
		}
		published, err := time.Parse(time.RFC3339, item.PublishedAt)
		if err != nil {
			continue
		}
		articles = append(articles, models.RawArticle{
			Source:      "newsapi:" + item.Source.Name,
			Title:       item.Title,
			URL:         item.URL,
			PublishedAt: published.UTC(),
			Snippet:     item.Description,
		})
	}

	n.cache.Set(cacheKey, articles)
	return articles, nil
}

// --- Wire types ---

type newsAPIResponse struct {
	Status   string           `json:"status"`
	Message  string           `json:"message,omitempty"`
	Articles []newsAPIArticle `json:"articles"`
}

type newsAPIArticle struct {
	Source      newsAPISource `json:"source"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	URL         string        `json:"url"`
	PublishedAt string        `json:"publishedAt"`
}

type newsAPISource struct {
	Name string `json:"name"`
}
