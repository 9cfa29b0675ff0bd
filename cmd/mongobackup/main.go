package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/mongobackup/internal/config"
	"github.com/cuemby/mongobackup/internal/coordinator"
	"github.com/cuemby/mongobackup/internal/dbdriver"
	"github.com/cuemby/mongobackup/internal/fanout"
	"github.com/cuemby/mongobackup/internal/metrics"
	"github.com/cuemby/mongobackup/internal/obslog"
	"github.com/cuemby/mongobackup/internal/transport"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mongobackup",
	Short:   "Coordinate cluster-wide consistent backups of a sharded MongoDB cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mongobackup version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	obslog.Init(obslog.Config{
		Level:      obslog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single cluster-wide backup to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr == "" {
			metricsAddr = cfg.MetricsAddr
		}
		if metricsAddr != "" {
			startMetricsServer(metricsAddr)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := buildCoordinator(cfg, metricsAddr != "")

		input := coordinator.RunInput{ConfigBaseDir: cfg.ConfigBaseDir}
		for name, h := range cfg.Hosts {
			input.Hosts = append(input.Hosts, coordinator.HostSpec{
				Host:       name,
				LVol:       h.LVol,
				MountPoint: h.MountPoint,
				ArchiveDir: h.ArchiveDir,
			})
		}

		summary, err := c.RunWith(ctx, input)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Backup %s finished in %s\n", summary.BackupID, summary.Duration.Round(time.Second))
		fmt.Printf("  Config server: %s\n", summary.ConfigHost)
		for _, h := range summary.Hosts {
			fmt.Printf("  %s -> %s\n", h.Host, h.ArchivePath)
		}
		return nil
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate a backup configuration file without running a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("OK: router=%s hosts=%d config_base_dir=%s\n", cfg.Router, len(cfg.Hosts), cfg.ConfigBaseDir)
		return nil
	},
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.Logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
}

func buildCoordinator(cfg *config.Config, withMetrics bool) *coordinator.Coordinator {
	logger := obslog.Logger

	var metricsRecorder coordinator.Metrics = coordinator.NoopMetrics{}
	if withMetrics {
		metricsRecorder = metrics.Recorder{}
	}

	deps := coordinator.Deps{
		Router: mustRouterClient(cfg.Router),
		NewShardClient: func(ctx context.Context, addr string) (dbdriver.ShardClient, error) {
			return dbdriver.NewMongoShardClient(ctx, addr)
		},
		NewHostAgent: func(host string) transport.HostAgent {
			return transport.NewSSHAgent(host)
		},
		Fanout:  fanout.New(logger),
		Metrics: metricsRecorder,
		Logger:  logger,
	}
	return coordinator.New(deps)
}

func mustRouterClient(addr string) dbdriver.RouterClient {
	client, err := dbdriver.NewMongoRouterClient(context.Background(), addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot connect to router %s: %v\n", addr, err)
		os.Exit(1)
	}
	return client
}
