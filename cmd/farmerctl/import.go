package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newImportCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Load farmer documents from a JSON file into the store",
		Long: `Import farmer documents into the configured store (bolt or firestore).

FILE ("-" for stdin) holds either an array of documents or an object keyed by
document id. Each document carries its profile fields plus a "vectors" object
mapping section names to embeddings. Array entries without an "id" get a
random UUID. Existing documents with the same id are replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			recs, err := parseDocuments(data)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d documents parsed\n", len(recs))
				return nil
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			for i, rec := range recs {
				if err := store.Put(cmd.Context(), rec); err != nil {
					return fmt.Errorf("import %s (%d of %d): %w", rec.ID, i+1, len(recs), err)
				}
			}
			a.logger.Info("import done", "documents", len(recs), "backend", a.cfg.Store.Backend)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d documents\n", len(recs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and validate without writing")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// parseDocuments accepts a JSON array of documents or an object keyed by id.
func parseDocuments(data []byte) ([]farmer.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no documents: %w", farmer.ErrInvalidArgument)
	}

	var docs []map[string]any
	var ids []string
	if data[0] == '[' {
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("parse documents: %w", err)
		}
		for _, d := range docs {
			id, _ := d["id"].(string)
			if id == "" {
				id = uuid.NewString()
			}
			delete(d, "id")
			ids = append(ids, id)
		}
	} else {
		var byID map[string]map[string]any
		if err := json.Unmarshal(data, &byID); err != nil {
			return nil, fmt.Errorf("parse documents: %w", err)
		}
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			docs = append(docs, byID[id])
		}
	}

	recs := make([]farmer.Record, 0, len(docs))
	for i, d := range docs {
		rec, err := farmer.FromDocument(ids[i], d)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
