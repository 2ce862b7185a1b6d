package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/internal/network"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/shard"
	"github.com/sharding-experiment/shardexec/internal/state"
)

func newNodeCmd(g *globalFlags) *cobra.Command {
	var (
		shardID int
		port    int
		peers   []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run one shard as an HTTP node",
		Long: `Run one shard as an HTTP node.

Every block executes against the state in storage_dir as it was when the
node started. Outputs are returned to the submitter and never applied, so
height N+1 does not see the writes of height N. Use "run" to apply a block.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			metrics, err := setupMetrics(cfg.MetricsPort, log)
			if err != nil {
				return err
			}
			db, err := state.NewDBView(cfg.StorageDir, log.Named("state"))
			if err != nil {
				return err
			}
			defer db.Close()

			server, err := shard.NewServer(shard.NodeConfig{
				ShardID:          shardID,
				NumShards:        len(peers),
				Peers:            peers,
				NumThreads:       cfg.ExecutionThreads,
				ConcurrencyLevel: cfg.ConcurrencyLevel,
				GasLimit:         cfg.GasLimit(),
				MergeLastRound:   cfg.MergeLastRound,
				ExecutionTimeout: timeout,
				Network:          cfg.Network,
				Base:             db,
				Metrics:          metrics,
				Logger:           log,
			})
			if err != nil {
				return err
			}
			defer server.Close()
			return server.Start(port)
		},
	}
	cmd.Flags().IntVar(&shardID, "shard-id", 0, "Shard served by this node")
	cmd.Flags().IntVar(&port, "port", 8545, "HTTP port")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "Base URL of every shard's node, in shard order")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort a block after this long (0 = no limit)")
	cmd.MarkFlagRequired("peers")
	return cmd
}

func newSubmitCmd(g *globalFlags) *cobra.Command {
	var (
		blockPath string
		height    uint64
		nodes     []string
		dump      bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Send a partitioned block to running shard nodes",
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

			start := time.Now()
			client := network.NewHTTPClient(cfg.Network, 0)
			outputs, err := shard.Dispatch(context.Background(), client, nodes, height, block)
			if err != nil {
				return fmt.Errorf("block %d failed: %w", height, err)
			}
			log.Info("Block executed", zap.Uint64("height", height), zap.Int("shards", len(nodes)))

			printSummary(cmd.OutOrStdout(), outputs, time.Since(start))
			if dump {
				printOutputs(cmd, outputs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&blockPath, "block", "", "Partitioned block file (JSON)")
	cmd.Flags().Uint64Var(&height, "height", 1, "Block height; nodes execute heights in order")
	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "Base URL of every shard's node, in shard order")
	cmd.Flags().BoolVar(&dump, "dump", false, "Print every transaction output")
	cmd.MarkFlagRequired("block")
	cmd.MarkFlagRequired("nodes")
	return cmd
}
