package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/muniwatch/internal/control"
	"github.com/vietddude/muniwatch/internal/core/config"
	"github.com/vietddude/muniwatch/internal/server"
)

var (
	cfgPath    string
	isDebug    bool
	instanceID string
)

var rootCmd = &cobra.Command{
	Use:          "muniwatch",
	Short:        "Transit arrival watcher",
	Long:         `muniwatch polls 511.org StopMonitoring for configured stops and serves the latest arrivals, falling back to cached data when the API fails.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll every instance and serve the HTTP API",
	Run:   runDaemon,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&instanceID, "instance", "", "instance id (default is the first configured)")
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads the config and sets up logging. It exits on failure.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

// selectInstance returns the --instance config, or the first one.
func selectInstance(cfg *config.AppConfig) config.InstanceConfig {
	if instanceID == "" {
		return cfg.Instances[0]
	}
	ic, ok := cfg.Instance(instanceID)
	if !ok {
		slog.Error("Unknown instance", "instance", instanceID)
		os.Exit(1)
	}
	return ic
}

// openInstance builds a registry holding only the selected instance.
func openInstance(ctx context.Context, cfg *config.AppConfig) (*control.Registry, *control.Instance) {
	ic := selectInstance(cfg)
	single := *cfg
	single.Instances = []config.InstanceConfig{ic}

	reg, err := control.NewRegistry(ctx, &single)
	if err != nil {
		slog.Error("Failed to initialize instance", "instance", ic.ID, "error", err)
		os.Exit(1)
	}
	inst, _ := reg.Get(ic.ID)
	return reg, inst
}

func runDaemon(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := control.NewRegistry(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize instances", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(reg, cfg.Server.Port)
	app := control.NewWatcher(reg, srv)

	slog.Info("Watcher starting", "config", cfgPath, "instances", len(cfg.Instances))
	if err := app.Run(ctx); err != nil {
		slog.Error("Watcher stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Watcher stopped gracefully")
}
