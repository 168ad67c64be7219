// Command agentdeck-worker runs exactly one agent conversation. The host
// daemon spawns one per session; commands arrive on stdin, events leave on
// stdout, logs go to stderr. The process always exits when the
// conversation ends.
package main

import (
	"context"
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/worker"
	"github.com/agentdeck/agentdeck/internal/worker/sdk"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	claudeBin := flag.String("claude-bin", "claude", "Agent CLI executable")
	flag.Parse()

	logger := logging.NewWorker(*logLevel)
	defer logger.Sync()

	w := worker.New(worker.Options{
		Input:  os.Stdin,
		Output: os.Stdout,
		Logger: logger,
		NewClient: func() sdk.Client {
			client := sdk.NewCLIClient(logger)
			client.Bin = *claudeBin
			return client
		},
	})

	if err := w.Run(context.Background()); err != nil {
		logger.Error("worker run", zap.Error(err))
		os.Exit(1)
	}
	os.Exit(0)
}
