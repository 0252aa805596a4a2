// statemesh is a peer node of the content state-coordination mesh.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statemesh/statemesh/internal/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "statemesh",
		Short: "Distributed content state-coordination node",
		Long: `statemesh coordinates a fleet of peer nodes that jointly store and
replicate content-addressed objects without a central authority. Each node
tracks capacity, places content on capable peers, versions concurrent
updates, and converges with the mesh through gossip.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "statemesh.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newPeersCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("statemesh %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a statemesh node",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.LoadNodeConfig(cfgFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runNode(ctx, cfg)
		},
	}
}

func newInitCmd() *cobra.Command {
	var (
		listen  string
		dataDir string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter node config",
		RunE: func(*cobra.Command, []string) error {
			if _, err := os.Stat(cfgFile); err == nil {
				return fmt.Errorf("config %s already exists", cfgFile)
			}

			nodeID := "node-" + uuid.NewString()[:8]
			content := fmt.Sprintf(`node_id: %s
listen: %q
auth_token: %q
data_dir: %q
gossip:
  seeds: []
  max_retries: 3
  retry_delay: 5s
  connection_timeout: 30s
  heartbeat_interval: 10s
placement:
  replication_target: 3
  max_candidates: 20
`, nodeID, listen, uuid.NewString(), dataDir)

			if dir := filepath.Dir(cfgFile); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
				return err
			}
			log.Info().Str("config", cfgFile).Str("node", nodeID).Msg("config written")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":7946", "HTTP listen address")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for durable stores (empty for in-memory)")
	return cmd
}
