package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/database"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/utils"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/recovery"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

// abandonmentBatchSize は1回の実行で放棄判定するカートの上限です
const abandonmentBatchSize = 1000

var errSendingDisabled = errors.New("email sending is not available in the abandonment batch")

// AbandonmentOutput は放棄判定バッチが次のステートに渡す出力です
type AbandonmentOutput struct {
	AbandonedCarts []string `json:"abandoned_carts"`
	Failed         int      `json:"failed"`
}

// AbandonmentBatchService は一定時間更新のないカートを放棄済みにするバッチ処理を担当します
type AbandonmentBatchService struct {
	db        *database.DB
	carts     repository.CartRepository
	recovery  *recovery.Service
	sfnClient TaskNotifier
	cfg       *config.Config
	now       func() time.Time
}

// NewAbandonmentBatchService は新しいAbandonmentBatchServiceを作成します
func NewAbandonmentBatchService(ctx context.Context, cfg *config.Config, sfnClient TaskNotifier) (*AbandonmentBatchService, error) {
	db, err := database.NewDB(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	s := &AbandonmentBatchService{
		db:        db,
		sfnClient: sfnClient,
		cfg:       cfg,
	}
	if err := s.init(repository.NewPostgresCartRepository(repository.NewDB(db.DB)), time.Now); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *AbandonmentBatchService) init(carts repository.CartRepository, now func() time.Time) error {
	noSend := recovery.EmailSenderFunc(func(context.Context, model.RecoveryEmail) error {
		return errSendingDisabled
	})
	svc, err := recovery.NewService(carts, noSend, newRecoveryConfig(s.cfg), recovery.WithClock(now))
	if err != nil {
		return fmt.Errorf("failed to create recovery service: %w", err)
	}
	s.carts = carts
	s.recovery = svc
	s.now = now
	return nil
}

// Close は終了処理を行います
func (s *AbandonmentBatchService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Run は放棄判定を実行します
// 1カートの失敗は記録して、他のカートの処理を継続します
func (s *AbandonmentBatchService) Run(ctx context.Context) error {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "AbandonmentBatchService.Run")
	defer seg.Close(nil)

	startTime := time.Now()
	before := s.now().Add(-s.cfg.Recovery.AbandonAfter)

	carts, err := s.carts.ListInactive(ctx, before, abandonmentBatchSize)
	if err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to list inactive carts: %w", err))
	}
	log.Printf("Found %d carts inactive since %s", len(carts), before.Format(time.RFC3339))

	output := AbandonmentOutput{AbandonedCarts: []string{}}
	for _, cart := range carts {
		if ctx.Err() != nil {
			log.Printf("Abandonment batch stopped: %v", ctx.Err())
			break
		}
		ok, err := s.recovery.MarkCartAbandoned(ctx, recovery.CartRef{CartID: cart.CartID})
		if err != nil {
			log.Printf("Failed to mark cart %s abandoned: %v", cart.CartID, err)
			output.Failed++
			continue
		}
		if ok {
			output.AbandonedCarts = append(output.AbandonedCarts, cart.CartID)
		}
	}

	if err := sendTaskSuccess(ctx, s.sfnClient, s.cfg, output); err != nil {
		return utils.GetStackWithError(err)
	}

	duration := time.Since(startTime)
	if err := seg.AddMetadata("abandoned_count", len(output.AbandonedCarts)); err != nil {
		log.Printf("Failed to add abandoned_count metadata: %v", err)
	}

	log.Printf("Abandonment batch process completed. abandoned=%d failed=%d Duration: %v",
		len(output.AbandonedCarts), output.Failed, duration)
	return nil
}
