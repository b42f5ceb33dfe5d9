// Command mindscope submits assessments and follows analysis jobs directly
// against the upstream API, and manages gateway API keys.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/mindscope/internal/config"
	"github.com/kiranshivaraju/mindscope/internal/engine"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	logLevel string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "mindscope",
		Short:        "Submit psychometric assessments and follow their analysis",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		newSubmitCommand(flags),
		newWatchCommand(flags),
		newResultCommand(flags),
		newStatusCommand(flags),
		newKeysCommand(),
	)
	return root
}

// loadEngine builds a ledger-less engine for commands that talk to the
// upstream API.
func loadEngine(cmd *cobra.Command, flags *globalFlags) (*engine.Engine, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return engine.New(cfg, engine.WithLogger(newLogger(cmd, cfg.Log, flags))), nil
}

func newLogger(cmd *cobra.Command, cfg config.LogConfig, flags *globalFlags) *slog.Logger {
	if flags.logLevel != "" {
		cfg.Level = flags.logLevel
	}
	cfg.Format = "text"
	return config.NewLogger(cfg, cmd.ErrOrStderr())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
