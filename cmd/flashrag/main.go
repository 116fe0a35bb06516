// Command flashrag serves and drives the semantic-cache RAG pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/knoguchi/flashrag/internal/config"
)

const usage = `usage: flashrag <command> [flags]

commands:
  serve        run the HTTP API (and the NATS responder when NATS_URL is set)
  query        answer one query
  batch        answer every query in a YAML or JSON-lines file
  index        index passages from a JSON-lines file
  cache-clear  drop every cached answer
  token        mint a client JWT
  metrics      print a running server's metrics
`

type command func(ctx context.Context, args []string, stdout io.Writer) error

var commands = map[string]command{
	"serve":       runServe,
	"query":       runQuery,
	"batch":       runBatch,
	"index":       runIndex,
	"cache-clear": runCacheClear,
	"token":       runToken,
	"metrics":     runMetrics,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("command failed", "command", os.Args[1], "error", err)
		stop()
		os.Exit(1)
	}
}

// setup loads configuration and installs a JSON logger writing to logOut as
// the default. Commands that print results log to stderr.
func setup(configPath string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newFlagSet returns a flag set with the shared -config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "YAML config file overriding the environment")
	return fs, path
}
