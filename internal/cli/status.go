package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/concurrency"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/queue"
	"github.com/relaygate/relaygate/internal/store"
)

func newStatusCmd() *cobra.Command {
	var forceClear bool

	cmd := &cobra.Command{
		Use:   "status <key-id>",
		Short: "Show a key's live concurrency and queue state",
		Long: `Show a key's live slot count, queue occupancy, lifetime queue counters,
and wait-time percentiles. With --force-clear, drop every held slot for the
key (admin recovery after an instance crash).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(args[0], forceClear)
		},
	}
	cmd.Flags().BoolVar(&forceClear, "force-clear", false, "Delete every held slot for the key")
	return cmd
}

func runStatus(keyID string, forceClear bool) error {
	cfg, err := config.LoadFileConfig(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := store.NewClient(ctx, store.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("store connection failed: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	ctrl := concurrency.NewController(rdb, time.Duration(cfg.Concurrency.LeaseSeconds)*time.Second)
	stats := queue.NewRecorder(rdb, logger, nil)
	qm := queue.NewManager(rdb, ctrl, stats, logger)

	if forceClear {
		if err := ctrl.ForceClear(ctx, keyID); err != nil {
			return err
		}
		fmt.Printf("cleared all slots for %s\n", keyID)
	}

	live, err := ctrl.LiveCount(ctx, keyID)
	if err != nil {
		return err
	}
	queued, err := qm.Length(ctx, keyID)
	if err != nil {
		return err
	}

	fmt.Printf("key:           %s\n", keyID)
	fmt.Printf("live slots:    %d\n", live)
	fmt.Printf("queued:        %d\n", queued)

	counters, err := stats.Counters(ctx, keyID)
	if err != nil {
		return err
	}
	if len(counters) > 0 {
		names := make([]string, 0, len(counters))
		for name := range counters {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("queue counters:")
		for _, name := range names {
			fmt.Printf("  %-18s %d\n", name, counters[name])
		}
	}

	samples, err := stats.Samples(ctx, keyID)
	if err != nil {
		return err
	}
	if wt, ok := queue.CalculateWaitTimeStats(samples); ok {
		fmt.Printf("wait times (n=%d):\n", wt.Count)
		fmt.Printf("  avg  %.0fms\n", wt.AvgMs)
		fmt.Printf("  p50  %.0fms\n", wt.P50Ms)
		fmt.Printf("  p90  %.0fms%s\n", wt.P90Ms, reliabilityNote(wt.P90Reliable))
		fmt.Printf("  p99  %.0fms%s\n", wt.P99Ms, reliabilityNote(wt.P99Reliable))
	}
	return nil
}

func reliabilityNote(reliable bool) string {
	if reliable {
		return ""
	}
	return " (low sample count)"
}
