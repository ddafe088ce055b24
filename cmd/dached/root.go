package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/haneytron/dache/internal/config"
	"github.com/haneytron/dache/internal/engine"
	"github.com/haneytron/dache/internal/hostserver"
	"github.com/haneytron/dache/internal/logging"
	"github.com/haneytron/dache/internal/persist"
)

var version = "0.1.0" // set during build with -ldflags

// rootCmd is the base command when called without subcommands, the
// same RunE-on-root shape the teacher's cmd.go uses.
var rootCmd = &cobra.Command{
	Use:     "dached",
	Short:   "dache host process: distributed in-memory byte-value cache",
	Version: version,
	RunE:    runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(logging.ParseLevel(cfg.LogLevel))
	log.Infof("starting dached v%s on %s:%d", version, cfg.Host, cfg.Port)

	if cfg.EnableGops {
		if err := agent.Listen(agent.Options{Addr: cfg.GopsAddr}); err != nil {
			log.Warnf("gops agent failed to start: %v", err)
		} else {
			log.Infof("gops agent listening on %s", cfg.GopsAddr)
		}
	}

	var persister *persist.Persister
	if cfg.EnablePersist {
		persister, err = persist.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open persistence directory: %w", err)
		}
	} else {
		persister, err = persist.Open(os.TempDir())
		if err != nil {
			return fmt.Errorf("open fallback persistence directory: %w", err)
		}
	}

	eng := engine.New(engine.Config{
		SweepInterval:      cfg.SweepInterval,
		PressureInterval:   cfg.PressureInterval,
		MemoryLimitPercent: cfg.MaxMemoryPercent,
	}, persister, nil, log)

	if cfg.EnablePersist {
		log.Infof("restoring persisted entries from %s", cfg.DataDir)
		if err := eng.RestoreFromDisk(); err != nil {
			log.Errorf("restore from disk: %v", err)
		}
	}

	maxFrameSize, err := cfg.MaxFrameSizeBytes()
	if err != nil {
		return err
	}

	srv := hostserver.New(hostserver.Config{
		ListenAddr:   net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		MetricsAddr:  cfg.MetricsAddr,
		MaxFrameSize: maxFrameSize,
	}, eng, log)
	eng.SetNotify(srv.NotifyFunc())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-sigChan:
		log.Infof("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Errorf("server stopped: %v", err)
		}
	}

	srv.Shutdown()
	eng.Shutdown()
	log.Infof("dached stopped")
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		fmt.Println(cfg.String())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dached v%s\n", version)
		fmt.Printf("Built with Go %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("host", "H", "localhost", "Host to bind to")
	rootCmd.PersistentFlags().IntP("port", "p", 6380, "Port to listen on")
	rootCmd.PersistentFlags().String("metrics-addr", ":9090", "Prometheus /metrics listen address")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory for persistence")
	rootCmd.PersistentFlags().Bool("enable-persist", true, "Enable persistence to disk")
	rootCmd.PersistentFlags().Float64("max-memory-percent", 75, "Evict non-interned entries above this RSS/physical-memory percentage")
	rootCmd.PersistentFlags().Duration("sweep-interval", 10*time.Second, "Expiration sweep interval")
	rootCmd.PersistentFlags().Duration("pressure-interval", 10*time.Second, "Memory pressure check interval")
	rootCmd.PersistentFlags().String("max-frame-size", "16MB", "Maximum accepted frame size")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("enable-gops", false, "Enable the gops diagnostic agent")
	rootCmd.PersistentFlags().String("gops-addr", "127.0.0.1:6060", "gops agent listen address")

	bind := func(flag string) { viper.BindPFlag(strings.ReplaceAll(flag, "-", "_"), rootCmd.PersistentFlags().Lookup(flag)) }
	bind("host")
	bind("port")
	bind("metrics-addr")
	bind("data-dir")
	bind("enable-persist")
	bind("max-memory-percent")
	bind("sweep-interval")
	bind("pressure-interval")
	bind("max-frame-size")
	bind("log-level")
	bind("enable-gops")
	bind("gops-addr")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute is the CLI entry point, same shape as the teacher's.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
