package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/runner"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/service/batch"
)

func main() {
	flags, err := runner.ParseFlags("abandonment", os.Args[1:], 5*time.Minute, nil)
	if err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	taskToken, err := flags.TaskToken()
	if err != nil {
		log.Fatalf("Failed to get task token: %v", err)
	}

	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	runner.ConfigureTracing(cfg)

	sfnClient, err := runner.NewSFNClient(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to create Step Functions client: %v", err)
	}

	var (
		notifier batch.TaskNotifier
		failure  runner.TaskFailureNotifier
	)
	if sfnClient != nil {
		notifier, failure = sfnClient, sfnClient
	}

	service, err := batch.NewAbandonmentBatchService(context.Background(), cfg, notifier)
	if err != nil {
		log.Fatalf("Failed to create abandonment batch service: %v", err)
	}

	code := runner.Execute(cfg, flags.Timeout, failure, service.Run)
	if err := service.Close(); err != nil {
		log.Printf("Failed to close service: %v", err)
	}
	os.Exit(code)
}
