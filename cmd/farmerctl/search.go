package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"github.com/farmassist/farmassist-api/engine/searchbus"
	"github.com/farmassist/farmassist-api/pkg/ollama"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

type searchFlags struct {
	embedding string
	query     string
	section   string
	topK      int
	via       string
	asJSON    bool
}

func newSearchCmd(a *app) *cobra.Command {
	f := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find the farmers most similar to a query",
		Long: `Rank farmers by cosine similarity of one section's embedding.

The query is either a literal embedding (--embedding "0.1,0.2,...") or text
(--query) embedded through Ollama. By default the configured store is scanned
in-process; --via nats sends the request to the search workers instead.

Examples:
  farmerctl search --embedding "1,0" --section crops -k 2
  farmerctl search --query "dairy farmers with buffalo" --section livestock --json
  farmerctl search --query "tomato" --via nats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSearch(cmd, a, f)
		},
	}
	cmd.Flags().StringVarP(&f.embedding, "embedding", "e", "", "comma separated query embedding")
	cmd.Flags().StringVarP(&f.query, "query", "q", "", "query text to embed")
	cmd.Flags().StringVarP(&f.section, "section", "s", string(farmer.DefaultSection), "section to search")
	cmd.Flags().IntVarP(&f.topK, "top-k", "k", 0, "number of results (default from config)")
	cmd.Flags().StringVar(&f.via, "via", "store", "where to run the search: store or nats")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "output as JSON")
	cmd.MarkFlagsMutuallyExclusive("embedding", "query")
	cmd.MarkFlagsOneRequired("embedding", "query")
	return cmd
}

func runSearch(cmd *cobra.Command, a *app, f *searchFlags) error {
	ctx := cmd.Context()
	cfg, err := a.load()
	if err != nil {
		return err
	}

	section, err := farmer.ParseSection(f.section)
	if err != nil {
		return err
	}
	topK := cfg.Search.DefaultTopK
	if cmd.Flags().Changed("top-k") {
		if f.topK < 1 {
			return farmer.NewValidationError("top_k", strconv.Itoa(f.topK), farmer.ErrInvalidTopK)
		}
		topK = f.topK
	}

	var query farmer.Embedding
	if f.query != "" {
		vec, err := ollama.NewEmbedClient(cfg.Ollama.URL, cfg.Ollama.Model).Embed(ctx, f.query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		query = vec
	} else if query, err = parseEmbedding(f.embedding); err != nil {
		return err
	}

	var results []farmer.ScoredResult
	switch f.via {
	case "store":
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		results, err = a.retriever(store).Search(ctx, query, section, topK)
		if err != nil {
			return err
		}
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("--via nats needs nats.url (NATS_URL)")
		}
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("farmerctl"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		reqCtx, cancel := context.WithTimeout(ctx, cfg.Search.ScanTimeout+2*time.Second)
		defer cancel()
		results, err = searchbus.Search(reqCtx, nc, cfg.NATS.SearchSubject, searchbus.Request{
			Embedding: query, Section: section, TopK: topK,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown --via %q (want store or nats)", f.via)
	}

	if f.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	printResults(cmd.OutOrStdout(), section, results)
	return nil
}

func printResults(w io.Writer, section farmer.Section, results []farmer.ScoredResult) {
	if len(results) == 0 {
		fmt.Fprintf(w, "no farmers with a %s embedding matched\n", section)
		return
	}
	for i, r := range results {
		name, _ := r.Record.Profile["name"].(string)
		fmt.Fprintf(w, "%2d. %-24s %.4f  %s\n", i+1, r.ID, r.Score, name)
	}
}

// parseEmbedding reads "0.1, 0.2 ,0.3" into an embedding.
func parseEmbedding(s string) (farmer.Embedding, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, farmer.NewValidationError("embedding", "", farmer.ErrEmptyQuery)
	}
	parts := strings.Split(s, ",")
	out := make(farmer.Embedding, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, farmer.NewValidationError("embedding", p, farmer.ErrInvalidArgument)
		}
		out[i] = v
	}
	return out, nil
}
