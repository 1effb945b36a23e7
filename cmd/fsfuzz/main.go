package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/config"
)

var (
	configPath = flag.String("config", "fsfuzz.yaml", "Path to the YAML configuration file")
	reducePath = flag.String("reduce", "", "Reduce the workload.json at this path instead of fuzzing")
	dimension  = flag.String("dimension", "", "Divergence to preserve while reducing (default: the first one observed)")
	outDir     = flag.String("out", "reduced", "Output directory for -reduce artifacts")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *reducePath != "" {
		if err := reduce(ctx, cfg, *reducePath, *dimension, *outDir, entry); err != nil {
			log.Fatalf("Reduction failed: %v", err)
		}
		return
	}
	if err := fuzz(ctx, cfg, entry); err != nil {
		log.Fatalf("Campaign failed: %v", err)
	}
}
