package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/runner"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/service/batch"
)

func main() {
	var dryRun bool
	flags, err := runner.ParseFlags("recovery", os.Args[1:], 10*time.Minute, func(fs *pflag.FlagSet) {
		fs.BoolVar(&dryRun, "dry-run", false, "送信対象の確認のみを行い、メールは送信しない")
	})
	if err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	// 最後の引数として渡されたタスクトークンを取得
	taskToken, err := flags.TaskToken()
	if err != nil {
		log.Fatalf("Failed to get task token: %v", err)
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	runner.ConfigureTracing(cfg)

	// Step Functionsクライアントの初期化
	sfnClient, err := runner.NewSFNClient(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to create Step Functions client: %v", err)
	}

	// サービスの初期化
	var notifier batch.TaskNotifier
	if sfnClient != nil {
		notifier = sfnClient
	}
	service, err := batch.NewRecoveryBatchService(context.Background(), cfg, notifier)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	service.SetArgs(batch.RecoveryArgs{
		DryRun:   dryRun,
		RunLimit: runner.MaxRunDuration(flags.Timeout),
	})

	var failure runner.TaskFailureNotifier
	if sfnClient != nil {
		failure = sfnClient
	}
	code := runner.Execute(cfg, flags.Timeout, failure, service.Run)
	if err := service.Close(); err != nil {
		log.Printf("Failed to close service: %v", err)
	}
	os.Exit(code)
}
