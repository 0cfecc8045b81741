package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hyperg/pkg/archive"
	"hyperg/pkg/config"
	"hyperg/pkg/engine"
	"hyperg/pkg/jobs"
	"hyperg/pkg/metrics"
	"hyperg/pkg/rpc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.4.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hyperg",
		Short: "Peer-to-peer content distribution daemon",
		Long: `hyperg shares local files as immutable, content-addressed archives and
fetches archives shared by other nodes.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	addClientFlags(rootCmd)

	rootCmd.AddCommand(
		daemonCmd(),
		idCmd(),
		uploadCmd(),
		shareCmd(),
		downloadCmd(),
		cancelCmd(),
		addressesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(1)
	}
}

func daemonCmd() *cobra.Command {
	var (
		dataDir            string
		listen             string
		bootstrap          []string
		rpcHost            string
		rpcPort            int
		shareAfterDownload bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the hyperg daemon",
		Long:  `Start the swarm, the control plane and the maintenance jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("listen") {
				cfg.Swarm.Listen = listen
			}
			if flags.Changed("bootstrap") {
				cfg.Swarm.Bootstrap = bootstrap
			}
			if flags.Changed("rpc-host") {
				cfg.RPC.Host = rpcHost
			}
			if flags.Changed("rpc-port") {
				cfg.RPC.Port = rpcPort
			}
			if flags.Changed("share-after-download") {
				cfg.ShareAfterDownload = shareAfterDownload
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := setupLogger(verbose, cfg.LogLevel)
			defer logger.Sync()
			return runDaemon(cfg, logger)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the archive database")
	cmd.Flags().StringVar(&listen, "listen", "", "swarm listening address")
	cmd.Flags().StringSliceVar(&bootstrap, "bootstrap", nil, "rendezvous trackers (host:port)")
	cmd.Flags().StringVar(&rpcHost, "rpc-host", "", "control plane host")
	cmd.Flags().IntVar(&rpcPort, "rpc-port", 0, "control plane port")
	cmd.Flags().BoolVar(&shareAfterDownload, "share-after-download", false, "share archives once downloaded")

	return cmd
}

func runDaemon(cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store, err := archive.Open(archive.Options{Dir: cfg.DataDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open archive store: %w", err)
	}
	defer store.Close()

	eng, err := engine.New(engine.Options{
		Store:              store,
		Listen:             cfg.Swarm.Listen,
		AdvertiseHost:      cfg.Swarm.AdvertiseHost,
		Bootstrap:          cfg.Swarm.Bootstrap,
		AnnounceInterval:   cfg.Swarm.AnnounceInterval,
		LookupInterval:     cfg.Swarm.LookupInterval,
		DialTimeout:        cfg.Swarm.DialTimeout,
		TeardownGrace:      cfg.Swarm.TeardownGrace,
		ShareAfterDownload: cfg.ShareAfterDownload,
		MaxDownloadSize:    uint64(cfg.Download.MaxSize),
		DownloadTimeout:    cfg.Download.Timeout,
		Logger:             logger,
		Metrics:            m,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Close()

	server := rpc.NewServer(eng, logger, m)
	if err := server.Listen(cfg.RPC.Address()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweep := jobs.NewSweep(store, eng, jobs.SweepOptions{
		Interval: cfg.Sweep.Interval,
		Lifetime: cfg.Sweep.Lifetime,
		Logger:   logger,
		Metrics:  m,
	})
	memory := jobs.NewMemoryJob(cfg.Memory.Interval, logger, m)

	// Jobs call into the engine and store, so they stop before either closes.
	jobsWG := startJobs(ctx, sweep.Run, memory.Run)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve()
	}()

	logger.Info("Daemon started",
		zap.String("version", version),
		zap.String("id", eng.ID()),
		zap.String("data_dir", cfg.DataDir),
		zap.String("rpc", cfg.RPC.Address()),
		zap.Strings("addresses", eng.Addresses()))

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		logger.Error("Control plane failed", zap.Error(runErr))
	case runErr = <-eng.Failed():
		logger.Error("Upload swarm failed", zap.Error(runErr))
	}

	cancel()
	jobsWG.Wait()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Control plane shutdown incomplete", zap.Error(err))
	}
	return runErr
}

// startJobs runs each job until ctx ends. Wait on the result to know they
// have all returned.
func startJobs(ctx context.Context, jobs ...func(context.Context)) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(job)
	}
	return &wg
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hyperg v%s\n", version)
		},
	}
}

func setupLogger(verbose bool, level string) *zap.Logger {
	config := zap.NewProductionConfig()
	switch {
	case verbose:
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case level != "":
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			config.Level = zap.NewAtomicLevelAt(parsed)
		}
	default:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
