package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy"
	"github.com/vertexstream/vidproxy/internal/logger"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := vidproxy.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting vidproxy",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	svc, err := vidproxy.New(cfg, log)
	if err != nil {
		log.Fatal("failed to create proxy service", zap.Error(err))
	}

	if err := svc.Start(); err != nil {
		log.Fatal("failed to start proxy service", zap.Error(err))
	}

	log.Info("proxy started",
		zap.String("cache_dir", cfg.Cache.RootDir),
		zap.String("example", svc.ProxyURL("https://cdn.example/video.mp4")),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received, stopping")
	if err := svc.Close(); err != nil {
		log.Error("shutdown finished with error", zap.Error(err))
	}
	log.Info("stopped")
}
