package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wuwei-labs/antegen/pkg/config"
	"github.com/wuwei-labs/antegen/pkg/engine"
	"github.com/wuwei-labs/antegen/pkg/log"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "antegen",
	Short: "Antegen - off-chain automation engine for on-chain threads",
	Long: `Antegen watches the chain for scheduled threads whose trigger
conditions have become true, then constructs, signs, and submits the
corresponding execution transactions, retrying and replaying until the
work commits or is declared dead.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Antegen version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deadletterCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Setup(logLevel, logJSON, nil)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}
	if cmd.Flags().Changed("identity") {
		cfg.IdentityPath, _ = cmd.Flags().GetString("identity")
	}
	if cmd.Flags().Changed("rpc-url") {
		cfg.RPCURL, _ = cmd.Flags().GetString("rpc-url")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the execution engine",
	Long: `Run the observer -> queue -> executor -> submitter pipeline against
the configured RPC endpoints until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		eng, err := engine.New(cfg, nil)
		if err != nil {
			return err
		}
		eng.Health().SetVersion(Version)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := eng.Start(ctx); err != nil {
			eng.Stop()
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		rootLog := log.Root()
		rootLog.Info().Str("signal", sig.String()).Msg("Shutting down")

		eng.Stop()
		return nil
	},
}

func init() {
	runCmd.Flags().String("identity", "", "Path to executor keypair")
	runCmd.Flags().String("rpc-url", "", "RPC endpoint URL")
	runCmd.Flags().String("data-dir", "", "Queue storage directory")
}
