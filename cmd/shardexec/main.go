package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/config"
	"github.com/sharding-experiment/shardexec/internal/shard"
)

type globalFlags struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "shardexec",
		Short:         "Sharded round-based block execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultConfigPath, "Config file (JSON)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newRunCmd(g), newGenCmd(), newSeedCmd(g), newNodeCmd(g), newSubmitCmd(g))
	return root
}

// load reads the config file, env and the flags of cmd
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	v := config.NewViper()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadInto(v, g.configPath)
	if err != nil {
		return nil, nil, err
	}

	zcfg := zap.NewProductionConfig()
	if g.verbose {
		zcfg = zap.NewDevelopmentConfig()
	}
	log, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}

// setupMetrics registers the execution metrics and serves them on port when
// it is set
func setupMetrics(port int, log *zap.Logger) (*shard.Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := shard.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		return metrics, nil
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	addr := fmt.Sprintf(":%d", port)
	go func() {
		log.Info("Serving metrics", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, router); err != nil {
			log.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	return metrics, nil
}

