package batch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/database"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/utils"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/recovery"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

const campaignLockName = "recovery"

// RecoveryArgs はリカバリーバッチの引数です
type RecoveryArgs struct {
	DryRun bool
	// RunLimit はバッチ全体の実行時間の上限です。ロックはこれより先に失効させません
	RunLimit time.Duration
}

// campaignLockTTL はロックの有効期間を実行時間の上限と引き渡しの猶予時間の合計以上にします
func campaignLockTTL(configured, runLimit time.Duration) time.Duration {
	if runLimit <= 0 {
		return configured
	}
	if floor := runLimit + handoffTimeout; configured < floor {
		return floor
	}
	return configured
}

// maxOutputErrors は次のステートに渡すエラーメッセージの上限です
const maxOutputErrors = 20

// RecoveryOutput はリカバリーバッチが次のステートに渡す出力です
// メール本文は送信キューに登録済みのため、件数のみを渡します
type RecoveryOutput struct {
	CartsProcessed int      `json:"carts_processed"`
	EmailsQueued   int      `json:"emails_queued"`
	Planned        int      `json:"planned"`
	ErrorCount     int      `json:"error_count"`
	Errors         []string `json:"errors"`
	Interrupted    bool     `json:"interrupted"`
	// Skipped は他のインスタンスが実行中のため処理しなかったことを表します
	Skipped bool `json:"skipped,omitempty"`
}

func newRecoveryOutput(result *recovery.CampaignResult, queued int) RecoveryOutput {
	errs := result.Errors
	if len(errs) > maxOutputErrors {
		errs = errs[:maxOutputErrors]
	}
	if errs == nil {
		errs = []string{}
	}
	return RecoveryOutput{
		CartsProcessed: result.CartsProcessed,
		EmailsQueued:   queued,
		Planned:        len(result.Planned),
		ErrorCount:     len(result.Errors),
		Errors:         errs,
		Interrupted:    result.Interrupted,
	}
}

// outboxSender はリカバリーメールを1通ずつ送信キューに登録するEmailSenderです
// 登録に成功したメールだけが送信試行として記録されます
type outboxSender struct {
	repo repository.NotificationRepository
	now  func() time.Time

	mu     sync.Mutex
	queued int
}

func (o *outboxSender) SendRecoveryEmail(ctx context.Context, email model.RecoveryEmail) error {
	record, err := model.NewRecoveryEmailNotification(email, o.now()).ToNotificationRecord()
	if err != nil {
		return err
	}
	if err := o.repo.CreateNotifications(ctx, []model.NotificationRecord{*record}); err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued++
	return nil
}

// reset は登録件数を0に戻し、それまでの件数を返します
func (o *outboxSender) reset() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.queued
	o.queued = 0
	return n
}

// RecoveryBatchService はカートリカバリーキャンペーンのバッチ処理を担当します
type RecoveryBatchService struct {
	args             RecoveryArgs
	db               *database.DB
	recovery         *recovery.Service
	outbox           *outboxSender
	lock             repository.CampaignLock
	notificationRepo repository.NotificationRepository
	sfnClient        TaskNotifier
	cfg              *config.Config
	closers          []func() error
}

// NewRecoveryBatchService は新しいRecoveryBatchServiceを作成します
func NewRecoveryBatchService(ctx context.Context, cfg *config.Config, sfnClient TaskNotifier) (*RecoveryBatchService, error) {
	db, err := database.NewDB(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	// database.DBをrepository.DBに変換
	repoDb := repository.NewDB(db.DB)

	s := &RecoveryBatchService{
		db:               db,
		notificationRepo: repository.NewNotificationRepository(repoDb),
		sfnClient:        sfnClient,
		cfg:              cfg,
		closers:          []func() error{db.Close},
	}

	// Redisが設定されていない場合は単一インスタンスでの実行とみなす
	if cfg.Redis.Addr != "" {
		lock := repository.NewRedisCampaignLock(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		s.lock = lock
		s.closers = append(s.closers, lock.Close)
	} else {
		log.Printf("REDIS_ADDR is not set, campaign lock is disabled")
		s.lock = repository.NoopCampaignLock{}
	}

	if err := s.init(repository.NewPostgresCartRepository(repoDb), time.Now); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *RecoveryBatchService) init(carts repository.CartRepository, now func() time.Time) error {
	s.outbox = &outboxSender{repo: s.notificationRepo, now: now}
	svc, err := recovery.NewService(carts, s.outbox, newRecoveryConfig(s.cfg), recovery.WithClock(now))
	if err != nil {
		return fmt.Errorf("failed to create recovery service: %w", err)
	}
	s.recovery = svc
	return nil
}

// Close は終了処理を行います
func (s *RecoveryBatchService) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetArgs はリカバリーバッチ処理の引数を設定します
func (s *RecoveryBatchService) SetArgs(args RecoveryArgs) {
	s.args = args
}

// Run はリカバリーキャンペーンを実行し、実行結果を次のステートに渡します
// メールは1通ずつ送信キューに登録してから送信試行として記録します
func (s *RecoveryBatchService) Run(ctx context.Context) error {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "RecoveryBatchService.Run")
	defer seg.Close(nil)

	startTime := time.Now()

	lockTTL := campaignLockTTL(s.cfg.Recovery.LockTTL, s.args.RunLimit)
	release, acquired, err := s.lock.Acquire(ctx, campaignLockName, lockTTL)
	if err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to acquire campaign lock: %w", err))
	}
	if !acquired {
		log.Printf("Recovery campaign is already running on another instance. Skipping")
		if err := sendTaskSuccess(ctx, s.sfnClient, s.cfg, RecoveryOutput{Errors: []string{}, Skipped: true}); err != nil {
			return utils.GetStackWithError(err)
		}
		return nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("Failed to release campaign lock: %v", err)
		}
	}()

	result, err := s.recovery.RunRecoveryCampaign(ctx, recovery.CampaignParams{DryRun: s.args.DryRun})
	if err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to run recovery campaign: %w", err))
	}
	for _, e := range result.Errors {
		log.Printf("Recovery campaign error: %s", e)
	}

	if s.args.DryRun {
		for _, p := range result.Planned {
			log.Printf("Dry run: cart %s would receive %s", p.CartID, p.Template)
		}
	}

	output := newRecoveryOutput(result, s.outbox.reset())
	if err := sendTaskSuccess(ctx, s.sfnClient, s.cfg, output); err != nil {
		return utils.GetStackWithError(err)
	}

	duration := time.Since(startTime)

	// セグメントにメタデータを追加
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}
	if err := seg.AddMetadata("campaign", output); err != nil {
		log.Printf("Failed to add campaign metadata: %v", err)
	}

	log.Printf("Recovery batch process completed. processed=%d queued=%d errors=%d interrupted=%v Duration: %v",
		output.CartsProcessed, output.EmailsQueued, output.ErrorCount, output.Interrupted, duration)
	return nil
}
