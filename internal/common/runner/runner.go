package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/spf13/pflag"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/utils"
)

const (
	projectName = "sbcntr-cart-recovery"
	// shutdownGrace はタイムアウト後に途中結果を引き渡すための猶予時間です
	shutdownGrace = 30 * time.Second
)

// MaxRunDuration はExecuteで実行した処理が猶予時間を含めて終わるまでの最長時間です
func MaxRunDuration(timeout time.Duration) time.Duration {
	return timeout + shutdownGrace
}

// TaskFailureNotifier はStep Functionsへタスクの失敗を通知します
type TaskFailureNotifier interface {
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// Flags はバッチ共通のコマンドライン引数です
type Flags struct {
	Timeout time.Duration
	// Args はフラグ以外の引数です。最後の引数がタスクトークンです
	Args []string
}

// ParseFlags はバッチ共通のフラグを定義してパースします
// register で各バッチ固有のフラグを追加できます
func ParseFlags(name string, args []string, defaultTimeout time.Duration, register func(*pflag.FlagSet)) (*Flags, error) {
	flags := &Flags{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.DurationVar(&flags.Timeout, "timeout", defaultTimeout, "バッチ処理のタイムアウト時間")
	if register != nil {
		register(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	flags.Args = fs.Args()
	return flags, nil
}

// TaskToken は最後の引数として渡されたタスクトークンを返します
// ENV=LOCALの場合はタスクトークンを必要としません
func (f *Flags) TaskToken() (string, error) {
	if os.Getenv("ENV") == "LOCAL" {
		return "DUMMY_TASK_TOKEN", nil
	}
	if len(f.Args) == 0 || f.Args[len(f.Args)-1] == "" {
		return "", fmt.Errorf("task token is required")
	}
	return f.Args[len(f.Args)-1], nil
}

// ConfigureTracing はX-Rayを設定します
func ConfigureTracing(cfg *config.Config) {
	if !cfg.EnableTracing {
		return
	}
	if err := xray.Configure(xray.Config{
		DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
		ServiceVersion: "1.0.0",
	}); err != nil {
		log.Printf("Failed to configure X-Ray: %v", err)
		// X-Ray設定失敗時はデフォルトの設定を使用
		if configErr := xray.Configure(xray.Config{}); configErr != nil {
			log.Fatalf("Failed to configure default X-Ray settings: %v", configErr)
		}
	}
	os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
}

// NewSFNClient はStep Functionsクライアントを作成します。ローカルではnilを返します
func NewSFNClient(ctx context.Context, cfg *config.Config) (*sfn.Client, error) {
	if cfg.Local {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sfn.NewFromConfig(awsCfg), nil
}

// Execute はバッチ処理をタイムアウトとシグナル付きで実行し、終了コードを返します
// 失敗した場合はローカル以外でStep Functionsへ失敗を通知します
func Execute(cfg *config.Config, timeout time.Duration, notifier TaskFailureNotifier, run func(context.Context) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		// セグメントにメタデータを追加
		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			log.Printf("Failed to add timeout metadata: %v", err)
		}
	}

	err := utils.RunWithTimeout(ctx, timeout, shutdownGrace, run)
	if err == nil {
		log.Println("Batch process completed successfully")
		return 0
	}

	log.Printf("Batch process failed: %v", utils.GetStackWithError(err))
	notifyFailure(context.WithoutCancel(ctx), cfg, notifier, err)
	return 1
}

func notifyFailure(ctx context.Context, cfg *config.Config, notifier TaskFailureNotifier, cause error) {
	// ローカル環境以外の場合のみStep Functionsのエラー通知を行う
	if cfg.Local || notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var se *utils.StackError
	message := cause.Error()
	if errors.As(cause, &se) {
		message = se.Err.Error()
	}

	_, err := notifier.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(cfg.SFN.TaskToken),
		Error:     aws.String("Batch process failed"),
		Cause:     aws.String(truncate(message, 32768)),
	})
	if err != nil {
		log.Printf("Failed to send task failure: %v", utils.GetStackWithError(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
