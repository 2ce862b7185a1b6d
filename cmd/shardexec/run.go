package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/internal/network"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/shard"
	"github.com/sharding-experiment/shardexec/internal/state"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		blockPath string
		dump      bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a partitioned block with an in-process session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			block, err := protocol.LoadPartitionedBlock(blockPath)
			if err != nil {
				return err
			}
			if block.NumShards() != cfg.ShardNum {
				log.Warn("Block shard count overrides config",
					zap.Int("block_shards", block.NumShards()),
					zap.Int("shard_num", cfg.ShardNum))
			}

			metrics, err := setupMetrics(cfg.MetricsPort, log)
			if err != nil {
				return err
			}
			db, err := state.NewDBView(cfg.StorageDir, log.Named("state"))
			if err != nil {
				return err
			}
			defer db.Close()

			session, err := shard.NewLocalSession(shard.SessionConfig{
				NumShards:      block.NumShards(),
				NumThreads:     cfg.ExecutionThreads,
				MergeLastRound: cfg.MergeLastRound,
				Metrics:        metrics,
				Logger:         log,
				Delay:          network.DelayConfigFrom(cfg.Network),
			})
			if err != nil {
				return err
			}
			defer session.Close()

			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			start := time.Now()
			outputs, err := session.ExecuteBlock(ctx, block, db, cfg.ConcurrencyLevel, cfg.GasLimit())
			if err != nil {
				return fmt.Errorf("block execution failed: %w", err)
			}
			elapsed := time.Since(start)

			if err := state.ApplyBlock(db.Apply, outputs); err != nil {
				return fmt.Errorf("failed to apply outputs: %w", err)
			}

			printSummary(cmd.OutOrStdout(), outputs, elapsed)
			if dump {
				printOutputs(cmd, outputs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&blockPath, "block", "", "Partitioned block file (JSON)")
	cmd.Flags().BoolVar(&dump, "dump", false, "Print every transaction output")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the block after this long (0 = no limit)")
	cmd.MarkFlagRequired("block")
	return cmd
}

type roundSummary struct {
	keep, discard, retry int
	gas                  uint64
}

func summarize(outputs []protocol.TransactionOutput) roundSummary {
	var s roundSummary
	for _, out := range outputs {
		switch out.Status {
		case protocol.TxKeep:
			s.keep++
		case protocol.TxDiscard:
			s.discard++
		case protocol.TxRetry:
			s.retry++
		}
		s.gas += out.GasUsed
	}
	return s
}

func printSummary(w io.Writer, outputs [][][]protocol.TransactionOutput, elapsed time.Duration) {
	var total roundSummary
	for shardID, rounds := range outputs {
		for round, outs := range rounds {
			s := summarize(outs)
			fmt.Fprintf(w, "shard %d round %d: %d txns, keep=%d discard=%d retry=%d gas=%d\n",
				shardID, round, len(outs), s.keep, s.discard, s.retry, s.gas)
			total.keep += s.keep
			total.discard += s.discard
			total.retry += s.retry
			total.gas += s.gas
		}
	}
	fmt.Fprintf(w, "total: keep=%d discard=%d retry=%d gas=%d",
		total.keep, total.discard, total.retry, total.gas)
	if elapsed > 0 {
		fmt.Fprintf(w, " in %s", elapsed)
	}
	fmt.Fprintln(w)
}

func printOutputs(cmd *cobra.Command, outputs [][][]protocol.TransactionOutput) {
	spew.Fdump(cmd.OutOrStdout(), outputs)
}
