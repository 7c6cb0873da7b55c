package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/makerbot/internal/config"
)

const (
	appName = "makerbot"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath, metricsAddr string

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Single-symbol perp market maker for StandX",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `makerbot keeps one post-only style limit quote on each side of a StandX perp
book at a fixed distance from the reference price. It pulls quotes when the
market turns dangerous and flattens any position a fill leaves behind.

Credentials come from the environment or a .env file:
   JWT_TOKEN        bearer token for the REST API
   D_VALUE_BASE64   Ed25519 signing key (base64url seed)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, configPath, metricsAddr)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults apply when empty)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the market maker (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, configPath, metricsAddr)
		},
	}
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Ops listener address, overrides metrics.listen_addr")
	}

	flattenCmd := &cobra.Command{
		Use:   "flatten",
		Short: "Cancel every open order and close the position, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlatten(cmd, configPath)
		},
	}

	ordersCmd := &cobra.Command{
		Use:   "orders",
		Short: "Print the current position and open orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrders(cmd, configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, flattenCmd, ordersCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("makerbot failed")
		os.Exit(1)
	}
}

// loadConfig reads configuration and switches logging to its settings
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := cfg.Format == "console"
	if cfg.Format == "" || cfg.Format == "auto" {
		console = term.IsTerminal(int(os.Stderr.Fd()))
	}
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
