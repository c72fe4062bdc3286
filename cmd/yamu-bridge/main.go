// yamu-bridge is the stdio JSON-RPC endpoint registered with a coding agent.
// It translates tool calls into HTTP requests against the Yamu server
// embedded in the Unity editor.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/polyblank66/Yamu/bridge"
	"github.com/polyblank66/Yamu/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	portFlag := flag.Int("port", 0, "Editor HTTP port (overrides config)")
	debugFlag := flag.Bool("debug", false, "Enable debug logging on stderr")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}

	logger, err := newLogger(*debugFlag || cfg.DebugLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %+v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := bridge.NewClient(cfg.Port, logger)
	b := bridge.New(client, bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout), logger)
	if err := b.Run(ctx); err != nil {
		logger.Error("bridge stopped with an error", zap.Error(err))
		os.Exit(1)
	}
}

// newLogger builds a stderr-only logger. Stdout is reserved for JSON-RPC
// frames; anything else on it corrupts the protocol stream.
func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}
