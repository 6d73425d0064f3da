package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection [stop_code]",
	Short: "Check that the API key and agency are accepted",
	Args:  cobra.MaximumNArgs(1),
	Run:   runTestConnection,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the fallback cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [stop_code]",
	Short: "Clear cached arrivals for one stop, or all stops",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheClear,
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Run one refresh and print diagnostics as JSON",
	RunE:  runDiagnostics,
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(testConnectionCmd, cacheCmd, diagnosticsCmd)
}

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func runTestConnection(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg, inst := openInstance(ctx, cfg)
	defer func() {
		_ = reg.Close(context.Background())
	}()

	if !inst.Coordinator.TestConnection(ctx, optionalArg(args)) {
		fmt.Println("Connection failed")
		_ = reg.Close(context.Background())
		os.Exit(1)
	}
	fmt.Println("Connection OK")
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx := context.Background()

	reg, inst := openInstance(ctx, cfg)
	defer func() {
		_ = reg.Close(ctx)
	}()

	if inst.Cache == nil {
		slog.Warn("Cache not enabled", "instance", inst.Config.ID)
		return nil
	}
	stop := optionalArg(args)
	if err := inst.Coordinator.ClearCache(ctx, stop); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	if stop == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Cleared all cached stops")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache for stop %s\n", stop)
	}
	return nil
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg, inst := openInstance(ctx, cfg)
	defer func() {
		_ = reg.Close(context.Background())
	}()

	if err := inst.Coordinator.RefreshAll(ctx); err != nil {
		slog.Warn("Refresh failed", "instance", inst.Config.ID, "error", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(inst.Coordinator.Diagnostics()); err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}
	return nil
}
