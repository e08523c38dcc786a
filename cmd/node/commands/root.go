// Package commands implements the node daemon's CLI commands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modelfleet/node/internal/logging"
)

var (
	verbose bool
	logJSON bool

	log logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "Fleet node daemon: OpenAI- and Ollama-compatible model inference",
	Long: `node runs the model fleet's per-host inference daemon: it loads models
from local storage on demand, serves OpenAI- and Ollama-compatible HTTP
APIs, and optionally registers with a fleet router for catalog sync and
heartbeat reporting.

Example:
  node serve
  # Listens on :8080 (or LLM_NODE_PORT), serving /v1/chat/completions et al.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		logger := logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
		if logJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
		if level := os.Getenv("LLM_NODE_LOG_LEVEL"); level != "" {
			if lvl, err := logrus.ParseLevel(level); err == nil {
				logger.SetLevel(lvl)
			}
		}

		log = logging.NewLogrusAdapterFromEntry(logger.WithField("component", "node"))
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, wiring SIGINT/SIGTERM into the command
// context so long-running subcommands can shut down gracefully.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
}
