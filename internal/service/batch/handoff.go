package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/recovery"
)

// handoffTimeout はタイムアウト後にStep Functionsへ結果を返すための猶予時間です
const handoffTimeout = 15 * time.Second

// maxTaskOutputBytes はStep Functionsが受け付けるタスク出力の上限です
const maxTaskOutputBytes = 256 * 1024

// TaskNotifier はStep Functionsへタスクの結果を通知します
// *sfn.Client が実装しています
type TaskNotifier interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、出力を次のステートに渡します
func sendTaskSuccess(ctx context.Context, client TaskNotifier, cfg *config.Config, output any) error {
	// ローカルの場合はStep Functionsの処理をスキップ
	if cfg.Local || client == nil {
		log.Printf("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	body, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal task output: %w", err)
	}
	if len(body) > maxTaskOutputBytes {
		return fmt.Errorf("task output is too large: %d bytes (limit %d)", len(body), maxTaskOutputBytes)
	}

	// タスクトークンを設定から取得
	taskToken := cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	// 期限切れのコンテキストでも結果を返せるようにする
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handoffTimeout)
	defer cancel()

	_, err = client.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	log.Printf("Successfully sent task success (%d bytes)", len(body))
	return nil
}

// newRecoveryConfig は環境設定からリカバリー処理の設定を作成します
func newRecoveryConfig(cfg *config.Config) recovery.Config {
	r := cfg.Recovery
	return recovery.Config{
		BaseURL:            r.BaseURL,
		TokenSecret:        []byte(r.TokenSecret),
		TokenTTL:           r.TokenTTL,
		DefaultLocale:      r.DefaultLocale,
		Concurrency:        r.Concurrency,
		SendRatePerSecond:  r.SendRatePerSecond,
		CampaignMaxAge:     r.CampaignMaxAge,
		DiscountPercentage: r.DiscountPercentage,
		DiscountValidity:   r.DiscountValidity,
	}
}
