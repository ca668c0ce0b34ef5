package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fourbuy/internal/config"
	"fourbuy/internal/imaging"
	"fourbuy/internal/intake"
	"fourbuy/internal/listener"
	"fourbuy/internal/pipeline"
	"fourbuy/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	client, err := intake.NewClient(cfg.GatewayBaseURL)
	must(err)
	processor := pipeline.NewProcessingService(db, client,
		pipeline.WithPacer(pipeline.NewPacer(cfg.IntakePaceRPS)),
		pipeline.WithNormalizer(imaging.NewNormalizer(cfg.ImageMaxWidth, cfg.ImageJPEGQuality)),
		pipeline.WithLogger(logger),
	)

	svc := listener.NewService(db, cfg, processor, logger)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	must(svc.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
