package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/boundlessdigital/live-lambda/internal/config"
	"github.com/boundlessdigital/live-lambda/internal/history"
)

var (
	historyLimit    int
	historyFunction string
	historyPrune    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent tunneled invocations",
	Long: `List invocations recorded by past tunnel sessions, newest first.

Records live in a local SQLite file (history.path in the config).`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum number of records to show")
	historyCmd.Flags().StringVarP(&historyFunction, "function", "f", "", "Only show invocations of this function")
	historyCmd.Flags().BoolVar(&historyPrune, "prune", false, "Delete records older than the retention window")

	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithDefaults()
	if err != nil {
		cfg = config.Default()
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	if historyPrune {
		if err := store.Prune(ctx, cfg.History.Retention); err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
	}

	var records []*history.Record
	if historyFunction != "" {
		records, err = store.ByFunction(ctx, historyFunction, historyLimit)
	} else {
		records, err = store.Recent(ctx, historyLimit)
	}
	if err != nil {
		return fmt.Errorf("querying history: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No invocations recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFUNCTION\tSTATUS\tDURATION\tREQUEST ID")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n",
			rec.StartedAt.Local().Format(time.DateTime),
			rec.FunctionName,
			rec.Status,
			rec.DurationMS,
			rec.RequestID,
		)
	}
	return w.Flush()
}
