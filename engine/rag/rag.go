// Package rag assembles farmer context for the assistant's chat service.
// It embeds the user's question, finds the closest farmers in one section and
// formats each hit as a context part the chat prompt can cite.
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"github.com/farmassist/farmassist-api/pkg/fn"
	"go.opentelemetry.io/otel/attribute"
)

// ErrEmbed marks failures of the embedding backend.
var ErrEmbed = errors.New("embedding failed")

// Embedder turns text into an embedding in the same space as the stored vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Searcher ranks stored farmers against a query embedding.
type Searcher interface {
	Search(ctx context.Context, query farmer.Embedding, section farmer.Section, topK int) ([]farmer.ScoredResult, error)
}

// Options configures retrieval.
type Options struct {
	TopK          int
	SearchTimeout time.Duration
	// ProfileFields limits which profile fields go into a context part.
	// Empty means the whole profile.
	ProfileFields []string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          3,
		SearchTimeout: 5 * time.Second,
	}
}

// Service is the context retrieval service.
type Service struct {
	embed  Embedder
	search Searcher
	opts   Options
	logger *slog.Logger
}

// New creates a new Service.
func New(embed Embedder, search Searcher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	return &Service{embed: embed, search: search, opts: opts, logger: logger}
}

// Context is the retrieved farmer context for one question.
type Context struct {
	Section farmer.Section        `json:"section"`
	Results []farmer.ScoredResult `json:"results"`
	Parts   []string              `json:"parts"`
}

// Retrieve embeds question and returns the topK closest farmers in section.
// A zero section means farmer.DefaultSection and topK <= 0 means the
// configured default.
func (s *Service) Retrieve(ctx context.Context, question string, section farmer.Section, topK int) (*Context, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("rag: %w", farmer.NewValidationError("question", "", farmer.ErrInvalidArgument))
	}
	if section == "" {
		section = farmer.DefaultSection
	}
	if !section.Valid() {
		return nil, fmt.Errorf("rag: %w", farmer.NewValidationError("section", string(section), farmer.ErrUnknownSection))
	}
	if topK <= 0 {
		topK = s.opts.TopK
	}
	s.logger.Info("rag retrieve start", "question_len", len(question), "section", section, "top_k", topK)

	var embed fn.Stage[string, []float64] = func(ctx context.Context, q string) fn.Result[[]float64] {
		res := fn.FromPair(s.embed.Embed(ctx, q))
		if res.IsErr() {
			return fn.Err[[]float64](fmt.Errorf("rag: embed question: %w: %w", ErrEmbed, res.Error()))
		}
		return res
	}
	var search fn.Stage[[]float64, []farmer.ScoredResult] = func(ctx context.Context, vec []float64) fn.Result[[]farmer.ScoredResult] {
		if s.opts.SearchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
			defer cancel()
		}
		results, err := s.search.Search(ctx, farmer.Embedding(vec), section, topK)
		if err != nil {
			return fn.Err[[]farmer.ScoredResult](fmt.Errorf("rag: search %s: %w", section, err))
		}
		return fn.Ok(results)
	}

	pipeline := fn.Then(
		fn.TracedStage("rag.embed", embed),
		fn.TracedStage("rag.search", search, attribute.String("farmer.section", string(section))),
	)
	out, err := fn.MapResult(pipeline(ctx, question), func(results []farmer.ScoredResult) *Context {
		return &Context{
			Section: section,
			Results: results,
			Parts: fn.Map(results, func(r farmer.ScoredResult) string {
				return formatPart(r, section, s.opts.ProfileFields)
			}),
		}
	}).Unwrap()
	if err != nil {
		return nil, err
	}
	s.logger.Info("rag retrieve done", "section", section, "results", len(out.Results))
	return out, nil
}

// formatPart renders one hit as "[id] (section, score: x.xxx)" followed by the
// compact JSON of its profile.
func formatPart(r farmer.ScoredResult, section farmer.Section, fields []string) string {
	profile := r.Record.Profile
	if len(fields) > 0 {
		profile = make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := r.Record.Profile[f]; ok {
				profile[f] = v
			}
		}
	}
	body, err := json.Marshal(profile)
	if err != nil {
		body = []byte("{}")
	}
	return fmt.Sprintf("[%s] (%s, score: %.3f)\n%s", r.ID, section, r.Score, body)
}
