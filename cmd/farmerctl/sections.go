package main

import (
	"fmt"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"github.com/farmassist/farmassist-api/pkg/fn"
	"github.com/spf13/cobra"
)

type sectionHit struct {
	section farmer.Section
	id      string
}

func newSectionsCmd(a *app) *cobra.Command {
	var counts bool
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "List the searchable sections",
		Long: `List the sections a farmer record can be embedded under. With --counts the
configured store is scanned and the number of records carrying a vector for
each section is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if !counts {
				for _, s := range farmer.Sections() {
					marker := ""
					if s == farmer.DefaultSection {
						marker = " (default)"
					}
					fmt.Fprintf(out, "%s%s\n", s, marker)
				}
				return nil
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			var hits []sectionHit
			total := 0
			err = store.Stream(cmd.Context(), func(rec farmer.Record) error {
				total++
				for s := range rec.Vectors {
					if _, ok := rec.Vector(s); ok {
						hits = append(hits, sectionHit{section: s, id: rec.ID})
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}

			bySection := fn.GroupBy(hits, func(h sectionHit) farmer.Section { return h.section })
			for _, s := range farmer.Sections() {
				fmt.Fprintf(out, "%-16s %d\n", s, len(bySection[s]))
			}
			fmt.Fprintf(out, "%-16s %d\n", "records", total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&counts, "counts", false, "count embedded records per section")
	return cmd
}
