package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

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
)

// ════════════════════════════════════════════════════════════════════
// Test Helpers
// ════════════════════════════════════════════════════════════════════

// testSource serves fixed candidates; gate (if set) blocks Fetch so
// tests can observe an in-flight run.
type testSource struct {
	articles []models.RawArticle
	gate     chan struct{}
}

func (f *testSource) Name() string { return "test" }

func (f *testSource) Fetch(ctx context.Context, _ string, _, _ time.Time) ([]models.RawArticle, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.articles, nil
}

// testProvider answers every scoring prompt with fixed JSON and every
// other prompt with fixed prose.
type testProvider struct{}

func (testProvider) Name() string { return "test" }

func (testProvider) Chat(_ context.Context, messages []llm.Message, _ *llm.ChatOptions) (*llm.Response, error) {
	prompt := messages[len(messages)-1].Content
	if strings.Contains(prompt, "Return valid JSON only") {
		return &llm.Response{Content: `{"sentiment": 0.4, "label": "positive", "topics": ["deliveries"]}`}, nil
	}
	return &llm.Response{Content: "Grounded model answer."}, nil
}

func (testProvider) Ping(_ context.Context) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{Model: "test-model", MaxTokens: 500},
		Pipeline: config.PipelineConfig{
			DefaultTicker:     "TSLA",
			DaysBack:          7,
			MaxPerRun:         20,
			MaxConcurrency:    2,
			TrendWindowDays:   3,
			TrendThreshold:    0.1,
			PositiveThreshold: 0.25,
			NegativeThreshold: -0.25,
			TopTopics:         5,
			MaxTopicsPerItem:  3,
			SnippetMaxRunes:   500,
		},
		API: config.APIConfig{CORSOrigins: []string{"*"}},
	}
}

func testServer(t *testing.T, src source.Source) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cfg := testConfig()
	provider := testProvider{}
	pipe := pipeline.New(st, []source.Source{src},
		annotate.New(st, provider, cfg),
		aggregate.New(st, cfg),
		brief.New(provider, cfg),
		cfg)
	srv := NewServer(cfg, st, pipe, insights.New(st, provider, cfg))
	go srv.wsHub.Run()
	return srv, st
}

func doRequest(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

// ════════════════════════════════════════════════════════════════════
// Handler tests
// ════════════════════════════════════════════════════════════════════

func TestHandleHealth(t *testing.T) {
	srv, _ := testServer(t, &testSource{})
	for _, path := range []string{"/health", "/api/v1/health"} {
		rec := doRequest(t, srv, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
		resp := decodeResponse(t, rec)
		if !resp.Success {
			t.Errorf("%s: success = false", path)
		}
	}
}

func TestHandleAggregates(t *testing.T) {
	srv, st := testServer(t, &testSource{})
	for _, day := range []string{"2026-08-09", "2026-08-10"} {
		err := st.UpsertDailyAggregate(&models.DailyAggregate{
			Date: day, Ticker: "TSLA", AvgSentiment: 0.2, ArticleCount: 1,
		})
		if err != nil {
			t.Fatalf("UpsertDailyAggregate: %v", err)
		}
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/aggregates/tsla?from=2026-08-01&to=2026-08-31", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data := resp.Data.(map[string]interface{})
	if data["ticker"] != "TSLA" {
		t.Errorf("ticker not normalized: %v", data["ticker"])
	}
	if aggs := data["aggregates"].([]interface{}); len(aggs) != 2 {
		t.Errorf("expected 2 aggregates, got %d", len(aggs))
	}
}

func TestHandleAggregatesBadRange(t *testing.T) {
	srv, _ := testServer(t, &testSource{})
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/aggregates/TSLA?from=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/aggregates/TSLA?from=2026-08-10&to=2026-08-01", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted range: status %d", rec.Code)
	}
}

func TestHandleArticles(t *testing.T) {
	srv, st := testServer(t, &testSource{})
	inserted, err := st.Ingest([]models.RawArticle{{
		Source:      "test",
		Title:       "Tesla beats estimates",
		URL:         "https://example.com/a",
		PublishedAt: time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC),
	}})
	if err != nil || len(inserted) != 1 {
		t.Fatalf("Ingest: %v", err)
	}
	err = st.InsertMention(&models.Mention{
		ArticleID:      inserted[0].ID,
		CompanyTicker:  "TSLA",
		SentimentScore: 0.4,
		SentimentLabel: models.LabelPositive,
	})
	if err != nil {
		t.Fatalf("InsertMention: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/articles/TSLA?from=2026-08-01&to=2026-08-31", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data := resp.Data.(map[string]interface{})
	mentions := data["mentions"].([]interface{})
	if len(mentions) != 1 {
		t.Fatalf("expected 1 mention, got %d", len(mentions))
	}
	mention := mentions[0].(map[string]interface{})
	article := mention["article"].(map[string]interface{})
	if article["title"] != "Tesla beats estimates" {
		t.Errorf("article not embedded: %v", mention)
	}
}

func TestHandleRunAndLatest(t *testing.T) {
	srv, _ := testServer(t, &testSource{articles: []models.RawArticle{{
		Source:      "test",
		Title:       "Tesla beats estimates",
		URL:         "https://example.com/a",
		PublishedAt: time.Now().UTC().Add(-2 * time.Hour),
		Snippet:     "snippet",
	}}})

	// Nothing recorded yet.
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/latest", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any run, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/run", `{"ticker": "TSLA"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	// The run is asynchronous; poll for the terminal record.
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec = doRequest(t, srv, http.MethodGet, "/api/v1/runs/latest?ticker=TSLA", "")
		if rec.Code == http.StatusOK {
			var run models.PipelineRun
			resp := decodeResponse(t, rec)
			raw, _ := json.Marshal(resp.Data)
			if err := json.Unmarshal(raw, &run); err != nil {
				t.Fatalf("decode run: %v", err)
			}
			if run.FinishedAt != nil {
				if run.Status != models.RunSucceeded {
					t.Errorf("run status = %q, errors = %v", run.Status, run.Errors)
				}
				if run.ArticlesAnalyzed != 1 {
					t.Errorf("articles analyzed = %d", run.ArticlesAnalyzed)
				}
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not finish in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandleRunConflict(t *testing.T) {
	gate := make(chan struct{})
	srv, _ := testServer(t, &testSource{gate: gate})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/run", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}

	// Wait for the background run to take the lock, then trigger again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		retry := doRequest(t, srv, http.MethodPost, "/api/v1/run", "")
		if retry.Code == http.StatusConflict {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never observed a conflict")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(gate)
}

func TestHandleAskValidation(t *testing.T) {
	srv, _ := testServer(t, &testSource{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/ask", `{"question": "how?"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing ticker: status %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/ask", `{"ticker": "TSLA"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing question: status %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/ask", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status %d", rec.Code)
	}
}

func TestHandleAskNoData(t *testing.T) {
	srv, _ := testServer(t, &testSource{})
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/ask",
		`{"ticker": "tsla", "question": "How is sentiment trending?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data := resp.Data.(map[string]interface{})
	answer := data["answer"].(string)
	if !strings.Contains(answer, "No sentiment data") {
		t.Errorf("unexpected answer: %q", answer)
	}
	if data["ticker"] != "TSLA" {
		t.Errorf("ticker not normalized: %v", data["ticker"])
	}
}

func TestHandleAskWithData(t *testing.T) {
	srv, st := testServer(t, &testSource{})
	err := st.UpsertDailyAggregate(&models.DailyAggregate{
		Date: "2026-08-10", Ticker: "TSLA", AvgSentiment: 0.3, ArticleCount: 4, IRBrief: "Upbeat day.",
	})
	if err != nil {
		t.Fatalf("UpsertDailyAggregate: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/ask",
		`{"ticker": "TSLA", "question": "What moved sentiment?", "from": "2026-08-01", "to": "2026-08-31"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data := resp.Data.(map[string]interface{})
	if data["answer"] != "Grounded model answer." {
		t.Errorf("unexpected answer: %v", data["answer"])
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{hub: hub, send: make(chan WSMessage, 4)}
	hub.Register(client)

	// Registration is asynchronous; wait until the hub sees it.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(WSMessage{Type: "pipeline_progress", Data: "extracting"})
	select {
	case msg := <-client.send:
		if msg.Type != "pipeline_progress" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	hub.Unregister(client)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline.Add(2 * time.Second)) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNormalizeRangeDefaults(t *testing.T) {
	from, to, err := normalizeRange("", "")
	if err != nil {
		t.Fatalf("normalizeRange: %v", err)
	}
	f, errF := time.Parse("2006-01-02", from)
	tt, errT := time.Parse("2006-01-02", to)
	if errF != nil || errT != nil {
		t.Fatalf("bad day keys: %q %q", from, to)
	}
	if days := tt.Sub(f).Hours() / 24; days != defaultRangeDays {
		t.Errorf("default window = %v days", days)
	}
}

// Acks from the read side go through trySend, which must tolerate the
// hub disconnecting the client first: a send on the closed channel
// would panic the read pump.
func TestWSHubTrySendAfterDisconnect(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{hub: hub, send: make(chan WSMessage, 1)}
	hub.Register(client)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !hub.trySend(client, WSMessage{Type: "pong"}) {
		t.Error("send to a live client should succeed")
	}
	// Queue of 1 is now full; a second send drops instead of blocking.
	if hub.trySend(client, WSMessage{Type: "pong"}) {
		t.Error("send to a full queue should report dropped")
	}

	hub.Unregister(client)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The hub has closed client.send; this must not panic.
	if hub.trySend(client, WSMessage{Type: "subscribed"}) {
		t.Error("send to a disconnected client should report dropped")
	}
}
