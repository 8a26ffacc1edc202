package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ent0n29/atelier/internal/aggregate"
	"github.com/ent0n29/atelier/internal/app"
	"github.com/ent0n29/atelier/internal/modstate"
	"github.com/ent0n29/atelier/internal/statestore"
)

var (
	historyKind   string
	historyModule string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the aggregated result history as JSON",
	Long: `Opens the configured store, loads every known module and prints their
results as one feed, newest first.

Example:
  atelier history --kind video --limit 10`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "only include results of this kind (image, video, audio)")
	historyCmd.Flags().StringVar(&historyModule, "module", "", "only include results from this module")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "maximum number of items (0 = all)")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	q := aggregate.Query{Kind: modstate.Kind(historyKind), ModuleID: historyModule, Limit: historyLimit}
	if q.Kind != "" && !q.Kind.Valid() {
		return fmt.Errorf("unknown kind %q (expected image|video|audio)", historyKind)
	}
	if q.Limit < 0 {
		return fmt.Errorf("--limit must be >= 0")
	}

	ctx := cmd.Context()
	store, info, err := app.OpenStore(ctx, cfg, logger.Named("durable"))
	if err != nil {
		return err
	}
	defer store.Close()
	if info.Degraded {
		return fmt.Errorf("durable store unavailable: %s", info.Detail)
	}

	modules := append([]string(nil), cfg.Modules...)
	if historyModule != "" {
		modules = append(modules, historyModule)
	}
	state := statestore.New(store, statestore.Options{Modules: modules, Logger: logger.Named("statestore")})
	defer state.Dispose(ctx)
	if err := state.Init(ctx); err != nil {
		return err
	}

	return writeHistory(cmd.OutOrStdout(), aggregate.Filter(state.AggregatedHistory(), q))
}

func writeHistory(w io.Writer, items []aggregate.Item) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}
