package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinyshard/kv/cluster"
	"github.com/pingcap-incubator/tinyshard/kv/config"
	"github.com/pingcap-incubator/tinyshard/kv/transaction/operation"
	"github.com/pingcap-incubator/tinyshard/kv/util/codec"
	"github.com/pingcap-incubator/tinyshard/kv/util/logutil"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	dbPath     string
	keepData   bool

	globalContext context.Context
	globalCancel  context.CancelFunc
)

func loadConfig() (*config.Config, error) {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if conf, err = config.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		conf.DBPath = dbPath
	}
	if err := logutil.InitLogger(conf.LogLevel, conf.LogFile); err != nil {
		return nil, err
	}
	return conf, nil
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()
}

// withCluster runs f on a fresh cluster split at splits. Data goes to a temporary directory under the configured
// path, removed afterwards unless --keep-data is set. An empty db path keeps everything in memory.
func withCluster(splits [][]byte, f func(c *cluster.Cluster) error) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	serveMetrics(conf.MetricsAddr)
	if conf.DBPath != "" {
		if err = os.MkdirAll(conf.DBPath, 0755); err != nil {
			return err
		}
		dir, err := ioutil.TempDir(conf.DBPath, "sim")
		if err != nil {
			return err
		}
		if !keepData {
			defer os.RemoveAll(dir)
		}
		conf.DBPath = dir
	}
	c, err := cluster.NewCluster(conf, splits, operation.NewRegistry())
	if err != nil {
		return err
	}
	if err = c.Start(); err != nil {
		c.Stop()
		return err
	}
	defer c.Stop()
	return f(c)
}

func newZigZagCommand() *cobra.Command {
	var asymmetric bool
	cmd := &cobra.Command{
		Use:   "zigzag",
		Short: "Run chains of dependent cross-shard swaps and check the final values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cluster.ZigZagSplits(), func(c *cluster.Cluster) error {
				return cluster.ZigZag(globalContext, c, asymmetric)
			})
		},
	}
	cmd.Flags().BoolVar(&asymmetric, "asymmetric", false, "read the first source of every swap from the start of the ladder")
	return cmd
}

func newAtomicCommand() *cobra.Command {
	var workers, rounds int
	cmd := &cobra.Command{
		Use:   "atomic",
		Short: "Write a key pair spanning two shards concurrently and check no read sees half a write",
		RunE: func(cmd *cobra.Command, args []string) error {
			splits := [][]byte{codec.EncodeUint32Key(4)}
			return withCluster(splits, func(c *cluster.Cluster) error {
				pair := [2][]byte{codec.EncodeUint32Key(3), codec.EncodeUint32Key(4)}
				return cluster.Atomic(globalContext, c, pair, workers, rounds)
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "writers and readers each")
	cmd.Flags().IntVar(&rounds, "rounds", 100, "operations per worker")
	return cmd
}

func handleSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Info("got signal to exit", zap.Stringer("signal", sig))
		globalCancel()
	}()
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()
	handleSignal()

	rootCmd := &cobra.Command{
		Use:           "tinyshard-sim",
		Short:         "Run workloads against an in-process sharded cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "data directory, overrides the config")
	rootCmd.PersistentFlags().BoolVar(&keepData, "keep-data", false, "keep the data directory after the run")
	rootCmd.AddCommand(
		newZigZagCommand(),
		newAtomicCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
