package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/sharding-experiment/shardexec/internal/shard/shardtest"
	"github.com/sharding-experiment/shardexec/internal/state"
)

func newSeedCmd(g *globalFlags) *cobra.Command {
	var (
		keys    int
		balance uint64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write initial values for the keys used by generated blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.StorageDir == "" {
				return fmt.Errorf("seed needs storage_dir")
			}

			db, err := state.NewDBView(cfg.StorageDir, log.Named("state"))
			if err != nil {
				return err
			}
			defer db.Close()

			word := uint256.NewInt(balance).Bytes32()
			digest := crypto.NewKeccakState()
			for k := 0; k < keys; k++ {
				key := shardtest.Location(k).StateKey()
				if err := db.Put(key, word[:]); err != nil {
					return fmt.Errorf("failed to seed key %d: %w", k, err)
				}
				digest.Write(key.Bytes())
				digest.Write(word[:])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d keys in %s, digest %x\n", keys, cfg.StorageDir, digest.Sum(nil))
			return nil
		},
	}
	cmd.Flags().IntVar(&keys, "keys", 64, "Number of keys, matching gen --keys")
	cmd.Flags().Uint64Var(&balance, "balance", 1_000_000, "Initial value of every key")
	return cmd
}
