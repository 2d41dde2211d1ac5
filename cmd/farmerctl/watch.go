package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/farmassist/farmassist-api/engine/searchbus"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print search events as JSON lines",
		Long: `Subscribe to the search completion events published by the API and the
search workers and print one JSON object per event until interrupted or
--limit events were seen.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return errors.New("watch needs nats.url (NATS_URL)")
			}
			nc, err := nats.Connect(cfg.NATS.URL, nats.Name("farmerctl-watch"))
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			var mu sync.Mutex
			seen := 0
			enc := json.NewEncoder(cmd.OutOrStdout())
			sub, err := searchbus.Watch(nc, cfg.NATS.EventSubject, func(_ context.Context, ev searchbus.Event) {
				mu.Lock()
				defer mu.Unlock()
				if limit > 0 && seen >= limit {
					return
				}
				enc.Encode(ev)
				seen++
				if limit > 0 && seen >= limit {
					cancel()
				}
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			if err := nc.Flush(); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "exit after this many events (0 = run until interrupted)")
	return cmd
}
