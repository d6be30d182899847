// Package main runs the chat load generator against a front.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatpipe/chatpipe/internal/config"
	"github.com/chatpipe/chatpipe/internal/loadgen"
)

func main() {
	config.LoadEnv()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadClient()
	log.Printf("starting load generator: users=%d rooms=%d messages=%d front=%s",
		cfg.Users, cfg.Rooms, cfg.Messages, cfg.FrontURL)

	runner := loadgen.NewRunner(loadgen.RunnerConfig{
		Users:             cfg.Users,
		Rooms:             cfg.Rooms,
		Messages:          cfg.Messages,
		ProducerWorkers:   cfg.ProducerWorkers,
		DispatcherWorkers: cfg.DispatcherWorkers,
		QueueCapacity:     cfg.QueueCapacity,
		SenderWorkers:     cfg.SenderWorkers,
		SenderCapacity:    cfg.SenderCapacity,
		ConnectTimeout:    cfg.ConnectTimeout,
		AckTimeout:        cfg.AckTimeout,
		RateLimit:         cfg.RateLimit,
	}, cfg.FrontURL, nil)

	if err := runner.Run(ctx); err != nil {
		log.Fatalf("load run failed: %v", err)
	}
	log.Println("load run complete")
}
