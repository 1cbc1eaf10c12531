package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowforge/config"
	"github.com/petal-labs/flowforge/daemon"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FlowForge HTTP server and execution workers",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to flowforge.yaml (default: ./flowforge.yaml, then ~/.flowforge/config.yaml)")
	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database")
	cmd.Flags().String("redis-addr", "", "Redis address for cross-process status delivery")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 0, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 0, "Max request body size in bytes")
	cmd.Flags().Int("workers", 0, "Execution worker count")
	cmd.Flags().Duration("workflow-schedule-poll", 0, "Workflow schedule poll interval")
	cmd.Flags().Bool("no-schedules", false, "Disable the cron schedule poller")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Resolve(explicit)
	if err != nil {
		return exitError(exitConfig, "loading config: %v", err)
	}
	if path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded configuration from %s\n", path)
	}
	applyServeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return exitError(exitConfig, "invalid configuration: %v", err)
	}

	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Logger:      slog.Default(),
		TLSCertFile: tlsCert,
		TLSKeyFile:  tlsKey,
	})
	if err != nil {
		return exitError(exitRuntime, "starting daemon: %v", err)
	}
	defer func() {
		_ = d.Close()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "FlowForge listening on %s\n", cfg.Server.Addr())
	if err := d.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
		return exitError(exitRuntime, "server error: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Shut down.")
	return nil
}

// applyServeFlags overrides cfg with the flags given on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("read-timeout") {
		cfg.Server.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("write-timeout") {
		cfg.Server.WriteTimeout, _ = flags.GetDuration("write-timeout")
	}
	if flags.Changed("max-body") {
		cfg.Server.MaxBody, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("sqlite-path") {
		cfg.Database.Path, _ = flags.GetString("sqlite-path")
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr, _ = flags.GetString("redis-addr")
	}
	if flags.Changed("workers") {
		cfg.Execution.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("workflow-schedule-poll") {
		cfg.Schedules.PollInterval, _ = flags.GetDuration("workflow-schedule-poll")
	}
	if noSchedules, _ := flags.GetBool("no-schedules"); noSchedules {
		cfg.Schedules.Enabled = false
	}
}
