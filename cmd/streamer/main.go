package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/polystream/streamcore/internal/config"
	"github.com/polystream/streamcore/internal/logging"
	"github.com/polystream/streamcore/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("polystream streamcore starting",
		zap.String("env", cfg.Env),
		zap.String("market_url", cfg.WebSocket.MarketURL),
		zap.Int("tokens_per_worker", cfg.Streaming.TokensPerWorker),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := streaming.New(*cfg, log)
	svc.Start(ctx)

	<-ctx.Done()
	log.Info("polystream streamcore shutting down")
	svc.Stop()
}
