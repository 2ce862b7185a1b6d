package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/sharding-experiment/shardexec/internal/shard/shardtest"
)

func newGenCmd() *cobra.Command {
	var (
		shards, rounds, txns, keys int
		seed                       int64
		out                        string
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a random conflict free partitioned block",
		RunE: func(cmd *cobra.Command, args []string) error {
			if shards < 1 || rounds < 1 || keys < 1 {
				return fmt.Errorf("shards, rounds and keys must be positive")
			}
			rng := rand.New(rand.NewSource(seed))
			block, err := shardtest.Build(shardtest.RandomLayout(rng, shards, rounds, txns, keys))
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(block, "", "  ")
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().IntVar(&shards, "shards", 4, "Number of shards")
	cmd.Flags().IntVar(&rounds, "rounds", 2, "Number of rounds")
	cmd.Flags().IntVar(&txns, "txns", 16, "Maximum transactions per sub-block")
	cmd.Flags().IntVar(&keys, "keys", 64, "Number of distinct storage keys")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}
