// Package searchbus carries similarity searches over NATS: request/reply for
// remote callers and a completion event stream for observers.
package searchbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"github.com/farmassist/farmassist-api/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// Default subjects and queue group.
const (
	SearchSubject = "farmer.search"
	EventSubject  = "farmer.search.completed"
	Queue         = "search-workers"
)

// Request asks a worker for the topK nearest farmers in Section.
type Request struct {
	Embedding farmer.Embedding `json:"embedding"`
	Section   farmer.Section   `json:"section"`
	TopK      int              `json:"top_k"`
}

// Reply carries either Results or an Error with its Kind.
type Reply struct {
	Results []farmer.ScoredResult `json:"results,omitempty"`
	Error   string                `json:"error,omitempty"`
	Kind    string                `json:"kind,omitempty"`
}

// Event is published after every search served by the API or a worker.
type Event struct {
	RequestID  string         `json:"request_id,omitempty"`
	Source     string         `json:"source"`
	Section    farmer.Section `json:"section"`
	TopK       int            `json:"top_k"`
	Results    int            `json:"results"`
	TopIDs     []string       `json:"top_ids,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	At         time.Time      `json:"at"`
}

// NewEvent summarizes one search outcome.
func NewEvent(source string, req Request, results []farmer.ScoredResult, err error, took time.Duration) Event {
	ev := Event{
		Source:     source,
		Section:    req.Section,
		TopK:       req.TopK,
		Results:    len(results),
		DurationMS: took.Milliseconds(),
		At:         time.Now().UTC(),
	}
	for _, r := range results {
		ev.TopIDs = append(ev.TopIDs, r.ID)
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Kind = farmer.Kind(err)
	}
	return ev
}

// Searcher is the retriever a worker serves.
type Searcher interface {
	Search(ctx context.Context, query farmer.Embedding, section farmer.Section, topK int) ([]farmer.ScoredResult, error)
}

// Publisher emits search events. A nil *Publisher drops them.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewPublisher publishes events on subject.
func NewPublisher(nc *nats.Conn, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = EventSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, subject: subject, logger: logger}
}

// Publish sends ev. Failures are logged, never returned: events are best effort.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.nc == nil {
		return
	}
	if err := natsutil.Publish(ctx, p.nc, p.subject, ev); err != nil {
		p.logger.Warn("searchbus: publish event failed", "subject", p.subject, "err", err)
	}
}

// Worker answers search requests.
type Worker struct {
	search  Searcher
	events  *Publisher
	timeout time.Duration
	logger  *slog.Logger
}

// NewWorker creates a worker. events may be nil; timeout bounds each request
// when positive.
func NewWorker(search Searcher, events *Publisher, timeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{search: search, events: events, timeout: timeout, logger: logger}
}

// Serve subscribes the worker to subject within queue.
func (w *Worker) Serve(nc *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	if subject == "" {
		subject = SearchSubject
	}
	sub, err := natsutil.Respond(nc, subject, queue, w.Handle)
	if err != nil {
		return nil, fmt.Errorf("searchbus: subscribe %s: %w", subject, err)
	}
	w.logger.Info("search worker subscribed", "subject", subject, "queue", queue)
	return sub, nil
}

// Handle runs one request.
func (w *Worker) Handle(ctx context.Context, req Request) Reply {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	start := time.Now()
	results, err := w.search.Search(ctx, req.Embedding, req.Section, req.TopK)
	w.events.Publish(ctx, NewEvent("worker", req, results, err, time.Since(start)))
	if err != nil {
		w.logger.Warn("search request failed", "section", req.Section, "top_k", req.TopK, "err", err)
		return Reply{Error: err.Error(), Kind: farmer.Kind(err)}
	}
	return Reply{Results: results}
}

// Search sends req to the workers on subject and returns their results.
// Worker failures come back matching the original sentinel errors.
func Search(ctx context.Context, nc *nats.Conn, subject string, req Request) ([]farmer.ScoredResult, error) {
	if subject == "" {
		subject = SearchSubject
	}
	reply, err := natsutil.Request[Request, Reply](ctx, nc, subject, req)
	if err != nil {
		return nil, fmt.Errorf("searchbus: request %s: %w", subject, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("searchbus: worker: %w", farmer.FromKind(reply.Kind, reply.Error))
	}
	if reply.Results == nil {
		reply.Results = []farmer.ScoredResult{}
	}
	return reply.Results, nil
}

// Watch delivers every event published on subject to fn.
func Watch(nc *nats.Conn, subject string, fn func(context.Context, Event)) (*nats.Subscription, error) {
	if subject == "" {
		subject = EventSubject
	}
	return natsutil.Subscribe(nc, subject, fn)
}
