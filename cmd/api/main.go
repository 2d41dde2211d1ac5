// Package main implements the FarmAssist API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"github.com/farmassist/farmassist-api/engine/farmerstore"
	"github.com/farmassist/farmassist-api/engine/rag"
	"github.com/farmassist/farmassist-api/engine/searchbus"
	"github.com/farmassist/farmassist-api/engine/similarity"
	"github.com/farmassist/farmassist-api/pkg/config"
	"github.com/farmassist/farmassist-api/pkg/metrics"
	"github.com/farmassist/farmassist-api/pkg/mid"
	"github.com/farmassist/farmassist-api/pkg/ollama"
	"github.com/farmassist/farmassist-api/pkg/resilience"
	"github.com/nats-io/nats.go"
)

const maxBodyBytes = 1 << 20

func main() {
	cfg, err := config.Load(os.Getenv("FARMASSIST_CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Farmer store ---
	store, err := farmerstore.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	met := metrics.New()
	retriever := similarity.New(store, similarity.OptionsFromConfig(cfg.Search, farmerstore.IsTransient, met, logger), logger)

	// --- Optional NATS events ---
	var events *searchbus.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("farmassist-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		events = searchbus.NewPublisher(nc, cfg.NATS.EventSubject, logger)
	}

	embedder := ollama.NewEmbedClient(cfg.Ollama.URL, cfg.Ollama.Model)
	ragSvc := rag.New(embedder, retriever, rag.Options{
		TopK:          cfg.Search.DefaultTopK,
		SearchTimeout: cfg.Search.ScanTimeout,
	}, logger)

	handler := newHandler(&api{
		search:      retriever,
		embed:       embedder,
		retrieve:    ragSvc,
		events:      events,
		metrics:     met,
		defaultTopK: cfg.Search.DefaultTopK,
		logger:      logger,
	}, cfg.Server, logger)

	ln, err := net.Listen("tcp", ":"+cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", ln.Addr().String(), "store", cfg.Store.Backend)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// Searcher ranks farmers against a query embedding.
type Searcher interface {
	Search(ctx context.Context, query farmer.Embedding, section farmer.Section, topK int) ([]farmer.ScoredResult, error)
}

// ContextRetriever builds chat context for a question.
type ContextRetriever interface {
	Retrieve(ctx context.Context, question string, section farmer.Section, topK int) (*rag.Context, error)
}

type api struct {
	search      Searcher
	embed       rag.Embedder
	retrieve    ContextRetriever
	events      *searchbus.Publisher
	metrics     *metrics.Registry
	defaultTopK int
	logger      *slog.Logger
}

func newHandler(a *api, sc config.Server, logger *slog.Logger) http.Handler {
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("POST /api/farmers/search", a.handleSearch)
	mux.HandleFunc("POST /api/farmers/context", a.handleContext)

	var lim *resilience.Limiter
	if sc.RateLimit > 0 {
		lim = resilience.NewLimiter(resilience.LimiterOpts{Rate: sc.RateLimit, Burst: sc.RateBurst})
	}
	return mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(sc.CORSOrigin),
		mid.RateLimit(lim, time.Second),
		mid.OTel("farmassist-api"),
	)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SearchRequest is the JSON body for POST /api/farmers/search. Exactly one of
// Embedding or Query is required; Query is embedded server-side.
type SearchRequest struct {
	Embedding []float64 `json:"embedding,omitempty"`
	Query     string    `json:"query,omitempty"`
	Section   string    `json:"section,omitempty"`
	TopK      *int      `json:"top_k,omitempty"`
}

// SearchResponse is the JSON response for POST /api/farmers/search.
type SearchResponse struct {
	Section farmer.Section        `json:"section"`
	Results []farmer.ScoredResult `json:"results"`
}

// ContextRequest is the JSON body for POST /api/farmers/context.
type ContextRequest struct {
	Question string `json:"question"`
	Section  string `json:"section,omitempty"`
	TopK     *int   `json:"top_k,omitempty"`
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	section, topK, err := a.parseScope(req.Section, req.TopK)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := farmer.Embedding(req.Embedding)
	switch {
	case len(req.Embedding) > 0 && req.Query != "":
		writeError(w, http.StatusBadRequest, "send either embedding or query, not both")
		return
	case req.Query != "":
		vec, err := a.embed.Embed(r.Context(), req.Query)
		if err != nil {
			a.fail(w, fmt.Errorf("embed query: %w: %w", rag.ErrEmbed, err))
			return
		}
		query = vec
	}

	start := time.Now()
	results, err := a.search.Search(r.Context(), query, section, topK)
	ev := searchbus.NewEvent("api", searchbus.Request{Section: section, TopK: topK}, results, err, time.Since(start))
	ev.RequestID = mid.RequestIDFrom(r.Context())
	a.events.Publish(r.Context(), ev)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Section: section, Results: results})
}

func (a *api) handleContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	section, topK, err := a.parseScope(req.Section, req.TopK)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.retrieve.Retrieve(r.Context(), req.Question, section, topK)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// parseScope applies the section and top_k defaults. An explicit top_k below
// 1 is rejected rather than replaced.
func (a *api) parseScope(rawSection string, rawTopK *int) (farmer.Section, int, error) {
	section := farmer.DefaultSection
	if rawSection != "" {
		s, err := farmer.ParseSection(rawSection)
		if err != nil {
			return "", 0, err
		}
		section = s
	}
	topK := a.defaultTopK
	if topK < 1 {
		topK = similarity.DefaultTopK
	}
	if rawTopK != nil {
		if *rawTopK < 1 {
			return "", 0, farmer.NewValidationError("top_k", fmt.Sprint(*rawTopK), farmer.ErrInvalidTopK)
		}
		topK = *rawTopK
	}
	return section, topK, nil
}

// fail maps err to a status code and writes it.
func (a *api) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		a.logger.Error("farmer request failed", "status", code, "kind", farmer.Kind(err), "err", err)
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	if errors.Is(err, rag.ErrEmbed) {
		return http.StatusBadGateway
	}
	switch farmer.Kind(err) {
	case farmer.KindInvalidArgument:
		return http.StatusBadRequest
	case farmer.KindStoreUnavailable, farmer.KindPartialScan:
		return http.StatusServiceUnavailable
	case farmer.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeJSON marshals before writing the status so an unencodable value
// (a NaN profile field, say) turns into a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		code = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
