package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tg_forwarder/internal/app"
	"tg_forwarder/internal/config"
	"tg_forwarder/internal/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	mode := flag.String("mode", app.ModeForward, "run mode: forward, monitor or backup")
	flag.Parse()

	// 初始化logger
	logger.Init()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.L().Fatalf("Failed to load config: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		logger.L().Fatalf("Failed to initialize application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 第一次信号软停止，在途单位跑完再退；第二次信号直接取消
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.L().Warnf("Shutdown requested, letting in-flight units finish (signal again to abort)")
		a.Shutdown()
		<-sigs
		logger.L().Warnf("Aborting")
		cancel()
	}()

	runErr := a.Run(ctx, *mode)

	if err := a.Close(context.Background()); err != nil {
		logger.L().Errorf("Failed to close application: %v", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.L().Fatalf("Run failed: %v", runErr)
	}
}
