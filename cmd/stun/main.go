package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomaszpeksa/stun/internal/config"
	"github.com/tomaszpeksa/stun/internal/logging"
	"github.com/tomaszpeksa/stun/internal/status"
	"github.com/tomaszpeksa/stun/internal/supervisor"
)

var (
	// Version information (set by build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stun",
	Short: "SSH tunnel supervisor",
	Long: `stun spawns and supervises a set of SSH port forwards described in a
JSON config file, restarting any forward that dies or stops responding
with a jittered exponential backoff.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tunnel supervisor",
	Long: `Start the tunnel supervisor. This will:
  1. Load and validate the config file
  2. Spawn an SSH forwarding child for every configured spec
  3. Continuously probe and restart any tunnel that goes unhealthy
  4. Continue running until interrupted (Ctrl+C or SIGTERM)`,
	RunE: runMain,
}

var (
	flagConfigPath string
	flagVerbosity  int
)

func init() {
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stun %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	runCmd.Flags().StringVarP(&flagConfigPath, "config", "c", "", "path to the JSON config file (required)")
	runCmd.Flags().CountVarP(&flagVerbosity, "verbose", "v", "increase log verbosity (-v for debug, -vv for trace)")

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		panic(fmt.Sprintf("failed to mark config flag as required: %v", err))
	}
}

func runMain(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromFile(flagConfigPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NewLogger(logging.LevelFromVerbosity(flagVerbosity))
	logger.Info("stun starting", "version", version, "remote", logging.Redact(cfg.Remote.Host), "tunnels", len(cfg.Specs))

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go handleSignals(sigCh, sup, cancel, logger)

	done := sup.StartBackground(ctx)
	<-ctx.Done()
	sup.Stop()
	done.Wait()

	logger.Info("stun stopped")
	return nil
}

// handleSignals dispatches SIGINT/SIGTERM to cancel (triggering shutdown in
// runMain) and SIGHUP to a status dump on stdout, looping for the life of
// the process so repeated SIGHUPs keep working after the first.
func handleSignals(sigCh chan os.Signal, sup *supervisor.Supervisor, cancel context.CancelFunc, logger *slog.Logger) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			snap := status.FromHealthMap(sup.Status())
			fmt.Print(status.FormatTable(snap))
		default:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			return
		}
	}
}
