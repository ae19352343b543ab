package main

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/runner"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/service/batch"
)

func main() {
	var input string
	flags, err := runner.ParseFlags("notification", os.Args[1:], 5*time.Minute, func(fs *pflag.FlagSet) {
		fs.StringVar(&input, "input", "-", "送信キューに登録する通知(JSON)。- の場合は標準入力から読み込む")
	})
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

	// 入力のJSONから通知データを生成
	raw := []byte(input)
	if input == "-" {
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			log.Fatalf("Failed to read notifications from stdin: %v", err)
		}
	}
	notifications, err := batch.ParseNotifications(raw)
	if err != nil {
		log.Fatalf("Failed to generate notifications: %v", err)
	}

	sfnClient, err := runner.NewSFNClient(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to create Step Functions client: %v", err)
	}

	// 通知バッチサービスを作成
	service, err := batch.NewNotificationBatchService(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to create notification batch service: %v", err)
	}
	service.SetArgs(notifications)

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
