// Package similarity ranks farmer records against a query embedding.
//
// The Retriever performs a brute-force linear scan: every record of the
// backing collection is streamed, the requested section's embedding is scored
// by cosine similarity and the best matches are returned. Nothing is cached
// between calls and the Retriever holds no mutable state, so one instance can
// serve concurrent requests.
package similarity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"github.com/farmassist/farmassist-api/pkg/fn"
	"github.com/farmassist/farmassist-api/pkg/metrics"
	"github.com/farmassist/farmassist-api/pkg/resilience"
	"go.opentelemetry.io/otel/attribute"
)

// Store streams every record of the farmer collection. Stream must stop and
// return visit's error (wrapped with %w or as-is) when visit fails.
type Store interface {
	Stream(ctx context.Context, visit func(farmer.Record) error) error
}

// DefaultTopK is used by callers that do not specify a result count.
const DefaultTopK = 3

// Options configures the Retriever.
type Options struct {
	// MaxRecords caps the records read per call; 0 means no cap. Hitting the
	// cap marks the Report partial.
	MaxRecords int
	// ScanTimeout bounds the wall-clock time of one call; 0 means none.
	ScanTimeout time.Duration
	// Retry restarts the whole scan on transient store failures.
	Retry fn.RetryOpts
	// IsTransient classifies store errors for Retry. nil treats every store
	// error as transient.
	IsTransient func(error) bool
	// Breaker guards store reads when set.
	Breaker *resilience.Breaker
	// Metrics receives search metrics when set.
	Metrics *metrics.Registry
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ScanTimeout: 10 * time.Second,
		Retry:       fn.DefaultRetry,
	}
}

// Report is the detailed outcome of a scan.
type Report struct {
	Results []farmer.ScoredResult
	// Scanned counts records read from the store.
	Scanned int
	// Scored counts records whose section vector was compared.
	Scored int
	// Skipped counts candidates dropped for a dimension mismatch or a degenerate vector.
	Skipped int
	// Partial is set when MaxRecords stopped the scan before the collection ended.
	Partial bool
}

// Retriever is the similarity search over the farmer collection.
type Retriever struct {
	store  Store
	opts   Options
	logger *slog.Logger
	met    *metrics.Registry
}

// New creates a Retriever reading from store.
func New(store Store, opts Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	return &Retriever{store: store, opts: opts, logger: logger, met: met}
}

type query struct {
	embedding farmer.Embedding
	section   farmer.Section
	topK      int
}

var errStopScan = errors.New("similarity: record cap reached")

// Search returns at most topK records ordered by descending similarity.
// Records without a vector for section never appear. A scan cut short by
// MaxRecords fails with farmer.ErrPartialScan instead of returning a
// silently truncated list.
func (r *Retriever) Search(ctx context.Context, embedding farmer.Embedding, section farmer.Section, topK int) ([]farmer.ScoredResult, error) {
	rep, err := r.Scan(ctx, embedding, section, topK)
	if err != nil {
		return nil, err
	}
	if rep.Partial {
		return nil, fmt.Errorf("similarity: %w after %d records", farmer.ErrPartialScan, rep.Scanned)
	}
	return rep.Results, nil
}

// SearchFarmersByVector is the entry point used by the chat service.
func (r *Retriever) SearchFarmersByVector(ctx context.Context, embedding farmer.Embedding, section farmer.Section, topK int) ([]farmer.ScoredResult, error) {
	return r.Search(ctx, embedding, section, topK)
}

// Scan runs a search and returns the full Report.
func (r *Retriever) Scan(ctx context.Context, embedding farmer.Embedding, section farmer.Section, topK int) (Report, error) {
	if err := farmer.ValidateQuery(embedding, section, topK); err != nil {
		r.met.Counter(metrics.WithLabels("farmassist_similarity_errors_total", "kind", farmer.KindInvalidArgument), "Failed searches by kind").Inc()
		return Report{}, err
	}
	r.met.Counter(metrics.WithLabels("farmassist_similarity_searches_total", "section", string(section)), "Searches by section").Inc()

	if r.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ScanTimeout)
		defer cancel()
	}

	start := time.Now()
	defer r.met.Histogram(metrics.WithLabels("farmassist_similarity_scan_duration_seconds", "section", string(section)), "Full scan duration", nil).Since(start)

	retry := r.opts.Retry
	retry.Retryable = r.retryable
	stage := fn.TracedStage("similarity.search", fn.RetryStage(retry, r.attempt),
		attribute.String("farmer.section", string(section)),
		attribute.Int("farmer.top_k", topK),
		attribute.Int("farmer.dimensions", len(embedding)),
	)
	rep, err := stage(ctx, query{embedding: embedding, section: section, topK: topK}).Unwrap()
	if err != nil {
		r.met.Counter(metrics.WithLabels("farmassist_similarity_errors_total", "kind", farmer.Kind(err)), "Failed searches by kind").Inc()
		return Report{}, err
	}

	r.met.Counter("farmassist_similarity_records_scanned_total", "Records read from the store").Add(int64(rep.Scanned))
	r.logger.Debug("similarity search done",
		"section", section,
		"top_k", topK,
		"scanned", rep.Scanned,
		"scored", rep.Scored,
		"skipped", rep.Skipped,
		"returned", len(rep.Results),
		"partial", rep.Partial,
	)
	return rep, nil
}

// attempt runs one scan behind the breaker.
func (r *Retriever) attempt(ctx context.Context, q query) fn.Result[Report] {
	if r.opts.Breaker == nil {
		return r.scan(ctx, q)
	}
	res := resilience.CallResult(r.opts.Breaker, ctx, func(ctx context.Context) fn.Result[Report] {
		return r.scan(ctx, q)
	})
	if errors.Is(res.Error(), resilience.ErrCircuitOpen) {
		return fn.Err[Report](fmt.Errorf("similarity: %w: %w", farmer.ErrStoreUnavailable, res.Error()))
	}
	return res
}

func (r *Retriever) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	if r.opts.IsTransient == nil {
		return true
	}
	return r.opts.IsTransient(err)
}

// scan is one full pass over the collection. Results of a failed pass are discarded.
func (r *Retriever) scan(ctx context.Context, q query) fn.Result[Report] {
	var rep Report
	var hits []farmer.ScoredResult

	err := r.store.Stream(ctx, func(rec farmer.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.opts.MaxRecords > 0 && rep.Scanned >= r.opts.MaxRecords {
			rep.Partial = true
			return errStopScan
		}
		rep.Scanned++

		vec, ok := rec.Vector(q.section)
		if !ok {
			return nil
		}
		score, err := Cosine(q.embedding, vec)
		if err != nil {
			rep.Skipped++
			r.met.Counter(metrics.WithLabels("farmassist_similarity_skipped_candidates_total", "reason", skipReason(err)), "Candidates dropped from scoring").Inc()
			r.logger.Warn("similarity: skipping candidate",
				"id", rec.ID,
				"section", q.section,
				"query_dims", len(q.embedding),
				"candidate_dims", len(vec),
				"err", err,
			)
			return nil
		}
		rep.Scored++
		hits = append(hits, farmer.ScoredResult{Score: score, Record: rec, ID: rec.ID})
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fn.Err[Report](fmt.Errorf("similarity: scan aborted: %w", ctxErr))
		}
		if errors.Is(err, farmer.ErrStoreUnavailable) {
			return fn.Err[Report](fmt.Errorf("similarity: scan: %w", err))
		}
		return fn.Err[Report](fmt.Errorf("similarity: scan: %w: %w", farmer.ErrStoreUnavailable, err))
	}

	rep.Results = rank(hits, q.topK)
	return fn.Ok(rep)
}

// rank orders hits by descending score, keeping scan order for ties, and
// keeps the first topK.
func rank(hits []farmer.ScoredResult, topK int) []farmer.ScoredResult {
	slices.SortStableFunc(hits, func(a, b farmer.ScoredResult) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	if hits == nil {
		hits = []farmer.ScoredResult{}
	}
	return hits
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, farmer.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, farmer.ErrDegenerateVector):
		return "degenerate_vector"
	default:
		return "other"
	}
}
