package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"clawbridge/internal/journal"

	"github.com/spf13/cobra"
)

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the exchange journal",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent exchanges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(func(ctx context.Context, store *journal.Store) error {
				rows, err := store.Recent(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tREQUEST\tDELIVERY\tOUTCOME\tLATENCY\tTOPIC")
				for _, e := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.At.Local().Format(time.DateTime), e.RequestID, e.Delivery, e.Outcome,
						e.Latency.Round(time.Millisecond), e.Topic)
				}
				return w.Flush()
			})
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", 20, "number of exchanges")
	cmd.AddCommand(recent)

	var since time.Duration
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize exchange outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(func(ctx context.Context, store *journal.Store) error {
				s, err := store.Stats(ctx, time.Now().Add(-since))
				if err != nil {
					return err
				}
				printStats(s)
				return nil
			})
		},
	}
	stats.Flags().DurationVar(&since, "since", 24*time.Hour, "window to summarize")
	cmd.AddCommand(stats)

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal rows older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(func(ctx context.Context, store *journal.Store) error {
				n, err := store.Prune(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				logger.Info("journal pruned", "rows", n)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of rows to delete")
	cmd.AddCommand(prune)

	return cmd
}

func withJournal(fn func(context.Context, *journal.Store) error) error {
	cfg := loadConfig()
	if !cfg.Journal.Enabled {
		return fmt.Errorf("journal is disabled (journal.enabled=false)")
	}
	store, err := journal.Open(cfg.Journal.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, store)
}

func printStats(s journal.Stats) {
	outcomes := make([]string, 0, len(s.ByOutcome))
	total := 0
	for o, n := range s.ByOutcome {
		outcomes = append(outcomes, o)
		total += n
	}
	sort.Strings(outcomes)

	fmt.Printf("  exchanges:          %d\n", total)
	for _, o := range outcomes {
		fmt.Printf("    %-16s  %d\n", o, s.ByOutcome[o])
	}
	fmt.Printf("  avg reply latency:  %s\n", s.AvgReplyLatency.Round(time.Millisecond))
	fmt.Printf("  stale replies:      %d\n", s.StaleReplies)
	fmt.Printf("  delivery failures:  %d\n", s.DeliveryFailures)
}
