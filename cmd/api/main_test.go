package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"github.com/farmassist/farmassist-api/engine/rag"
	"github.com/farmassist/farmassist-api/engine/similarity"
	"github.com/farmassist/farmassist-api/pkg/config"
	"github.com/farmassist/farmassist-api/pkg/fn"
	"github.com/farmassist/farmassist-api/pkg/metrics"
	"github.com/farmassist/farmassist-api/pkg/mid"
)

// --- fakes ---

type fakeSearcher struct {
	results []farmer.ScoredResult
	err     error
	query   farmer.Embedding
	section farmer.Section
	topK    int
}

func (f *fakeSearcher) Search(_ context.Context, q farmer.Embedding, s farmer.Section, k int) ([]farmer.ScoredResult, error) {
	f.query, f.section, f.topK = q, s, k
	return f.results, f.err
}

type fakeEmbedder struct {
	vec []float64
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float64, error) { return f.vec, f.err }

type storeFunc func(ctx context.Context, visit func(farmer.Record) error) error

func (f storeFunc) Stream(ctx context.Context, visit func(farmer.Record) error) error {
	return f(ctx, visit)
}

type fakeRetriever struct {
	out *rag.Context
	err error
}

func (f *fakeRetriever) Retrieve(_ context.Context, q string, s farmer.Section, k int) (*rag.Context, error) {
	return f.out, f.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testServer(a *api) http.Handler {
	if a.logger == nil {
		a.logger = quiet()
	}
	if a.defaultTopK == 0 {
		a.defaultTopK = 3
	}
	return newHandler(a, config.Server{CORSOrigin: "*"}, a.logger)
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	testServer(&api{}).ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
	if rec.Header().Get(mid.RequestIDHeader) == "" {
		t.Fatal("request id middleware not applied")
	}
}

func TestSearch_Embedding(t *testing.T) {
	fs := &fakeSearcher{results: []farmer.ScoredResult{{ID: "a", Score: 1, Record: farmer.Record{ID: "a"}}}}
	rec := post(t, testServer(&api{search: fs}), "/api/farmers/search", `{"embedding":[1,0],"section":"livestock","top_k":2}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if fs.section != farmer.SectionLivestock || fs.topK != 2 || len(fs.query) != 2 {
		t.Fatalf("unexpected call %+v", fs)
	}
	var resp SearchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Section != farmer.SectionLivestock || len(resp.Results) != 1 || resp.Results[0].ID != "a" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearch_Defaults(t *testing.T) {
	fs := &fakeSearcher{results: []farmer.ScoredResult{}}
	rec := post(t, testServer(&api{search: fs}), "/api/farmers/search", `{"embedding":[1]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fs.section != farmer.SectionCrops || fs.topK != 3 {
		t.Fatalf("defaults not applied: %s %d", fs.section, fs.topK)
	}
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Fatalf("expected empty results array, got %s", rec.Body)
	}
}

func TestSearch_Query(t *testing.T) {
	fs := &fakeSearcher{results: []farmer.ScoredResult{}}
	h := testServer(&api{search: fs, embed: &fakeEmbedder{vec: []float64{0.3, 0.4}}})
	rec := post(t, h, "/api/farmers/search", `{"query":"paddy farmers near Nashik"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(fs.query) != 2 || fs.query[1] != 0.4 {
		t.Fatalf("query embedding not used: %v", fs.query)
	}
}

func TestSearch_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "not json"},
		{"unknown field", `{"embedding":[1],"vehicle":"x"}`},
		{"both inputs", `{"embedding":[1],"query":"x"}`},
		{"unknown section", `{"embedding":[1],"section":"weather"}`},
		{"explicit zero top_k", `{"embedding":[1],"top_k":0}`},
		{"negative top_k", `{"embedding":[1],"top_k":-2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSearcher{}
			rec := post(t, testServer(&api{search: fs, embed: &fakeEmbedder{}}), "/api/farmers/search", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if fs.topK != 0 {
				t.Fatal("searcher called for a bad request")
			}
			if errorOf(t, rec) == "" {
				t.Fatal("missing error message")
			}
		})
	}
}

func TestSearch_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid", farmer.NewValidationError("embedding", "", farmer.ErrEmptyQuery), http.StatusBadRequest},
		{"store", errors.Join(farmer.ErrStoreUnavailable, errors.New("rpc")), http.StatusServiceUnavailable},
		{"partial", farmer.ErrPartialScan, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, testServer(&api{search: &fakeSearcher{err: tt.err}}), "/api/farmers/search", `{"embedding":[1]}`)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

func TestSearch_EmbedFailure(t *testing.T) {
	h := testServer(&api{search: &fakeSearcher{}, embed: &fakeEmbedder{err: errors.New("connection refused")}})
	rec := post(t, h, "/api/farmers/search", `{"query":"x"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestSearch_RateLimited(t *testing.T) {
	a := &api{search: &fakeSearcher{}, logger: quiet(), defaultTopK: 3}
	h := newHandler(a, config.Server{CORSOrigin: "*", RateLimit: 0.001, RateBurst: 1}, quiet())

	if rec := post(t, h, "/api/farmers/search", `{"embedding":[1]}`); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := post(t, h, "/api/farmers/search", `{"embedding":[1]}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestContextEndpoint(t *testing.T) {
	out := &rag.Context{Section: farmer.SectionCrops, Results: []farmer.ScoredResult{}, Parts: []string{"[a] (crops, score: 1.000)\n{}"}}
	rec := post(t, testServer(&api{retrieve: &fakeRetriever{out: out}}), "/api/farmers/context", `{"question":"who grows onions?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got rag.Context
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Parts) != 1 || got.Section != farmer.SectionCrops {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestContextEndpoint_Errors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{farmer.NewValidationError("question", "", farmer.ErrInvalidArgument), http.StatusBadRequest},
		{errors.Join(rag.ErrEmbed, errors.New("ollama")), http.StatusBadGateway},
		{farmer.ErrStoreUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		rec := post(t, testServer(&api{retrieve: &fakeRetriever{err: tt.err}}), "/api/farmers/context", `{"question":"q"}`)
		if rec.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, rec.Code)
		}
	}
}

func TestSearch_EndToEnd(t *testing.T) {
	store := storeFunc(func(ctx context.Context, visit func(farmer.Record) error) error {
		for _, r := range []farmer.Record{
			{ID: "a", Vectors: farmer.Vectors{farmer.SectionCrops: {1, 0}}},
			{ID: "b", Vectors: farmer.Vectors{farmer.SectionCrops: {0, 1}}},
			{ID: "c", Vectors: farmer.Vectors{farmer.SectionCrops: {0.9, 0.1}}},
			{ID: "d", Vectors: farmer.Vectors{farmer.SectionCrops: {1, 0, 0}}},
		} {
			if err := visit(r); err != nil {
				return err
			}
		}
		return nil
	})
	met := metrics.New()
	retr := similarity.New(store, similarity.Options{Retry: fn.NoRetry, Metrics: met}, quiet())
	h := testServer(&api{search: retr, metrics: met})

	rec := post(t, h, "/api/farmers/search", `{"embedding":[1,0],"section":"crops","top_k":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp SearchResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Results) != 2 || resp.Results[0].ID != "a" || resp.Results[1].ID != "c" {
		t.Fatalf("unexpected ranking %+v", resp.Results)
	}
	if resp.Results[1].Score < 0.99 || resp.Results[1].Score > 0.995 {
		t.Fatalf("unexpected score %v", resp.Results[1].Score)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `farmassist_similarity_searches_total{section="crops"} 1`) {
		t.Fatalf("metrics missing search counter:\n%s", rec.Body)
	}
}

func TestSearch_UnencodableProfileIs500(t *testing.T) {
	s := &fakeSearcher{results: []farmer.ScoredResult{
		{ID: "a", Score: 1, Record: farmer.Record{ID: "a", Profile: map[string]any{"yield": math.NaN()}}},
	}}
	rec := post(t, testServer(&api{search: s}), "/api/farmers/search", `{"embedding":[1,0]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := errorOf(t, rec); msg == "" {
		t.Fatal("expected an error body")
	}
}

func TestRun_StartsAndShuts(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = "0"
	cfg.Store = config.Store{Backend: config.BackendBolt, BoltPath: filepath.Join(t.TempDir(), "farmers.db")}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, quiet()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not exit within 5 seconds")
	}
}

func TestRun_BadPort(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = "99999"
	cfg.Store = config.Store{Backend: config.BackendBolt, BoltPath: filepath.Join(t.TempDir(), "farmers.db")}

	if err := run(context.Background(), cfg, quiet()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestRun_BadStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.Store{Backend: "cassandra"}
	err := run(context.Background(), cfg, quiet())
	if err == nil || !strings.Contains(err.Error(), "open store") {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/farmers/search", bytes.NewReader(nil))
	testServer(&api{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
