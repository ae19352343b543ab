package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/database"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

// NotificationBatchService は通知バッチ処理を担当します
// 送信し直すメールや外部から取り込むメールをJSONで受け取り、送信キューに登録します
type NotificationBatchService struct {
	args             []model.Notification
	db               *database.DB
	notificationRepo repository.NotificationRepository
	cfg              *config.Config
}

// NewNotificationBatchService は新しいNotificationBatchServiceを作成します
func NewNotificationBatchService(ctx context.Context, cfg *config.Config) (*NotificationBatchService, error) {
	db, err := database.NewDB(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	return &NotificationBatchService{
		db:               db,
		notificationRepo: repository.NewNotificationRepository(repository.NewDB(db.DB)),
		cfg:              cfg,
	}, nil
}

// Close は終了処理を行います
func (s *NotificationBatchService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetArgs は通知バッチ処理の引数を設定します
func (s *NotificationBatchService) SetArgs(args []model.Notification) {
	s.args = args
}

// NotificationInput は通知バッチの入力です
type NotificationInput struct {
	Notifications []model.Notification `json:"notifications"`
}

// ParseNotifications は入力のJSONから通知を取り出します
func ParseNotifications(input []byte) ([]model.Notification, error) {
	var in NotificationInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("failed to parse notifications: %w", err)
	}
	if in.Notifications == nil {
		return []model.Notification{}, nil
	}
	return in.Notifications, nil
}

// Run は通知バッチ処理を実行します
func (s *NotificationBatchService) Run(ctx context.Context) error {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationBatchService.Run")
	defer seg.Close(nil)

	notifications := s.uniqueNotifications()
	log.Printf("Starting notification batch process for %d notifications...", len(notifications))

	// セグメントにメタデータを追加
	if err := seg.AddMetadata("notification_count", len(notifications)); err != nil {
		log.Printf("Failed to add notification_count metadata: %v", err)
	}

	// 処理開始時刻を記録
	startTime := time.Now()

	// 通知をレコードに変換
	records := make([]model.NotificationRecord, len(notifications))
	for i, notification := range notifications {
		record, err := notification.ToNotificationRecord()
		if err != nil {
			seg.Close(err)
			return err
		}
		records[i] = *record
	}

	// 通知レコードを作成
	if err := s.notificationRepo.CreateNotifications(ctx, records); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to create notifications: %w", err)
	}

	duration := time.Since(startTime)

	// セグメントにメタデータを追加
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}

	log.Printf("Notification batch process completed successfully. Duration: %v", duration)
	return nil
}

// uniqueNotifications は同じ試行の通知を1件にまとめます
// Step Functionsの再実行で同じ出力が重複して渡されることがあります
func (s *NotificationBatchService) uniqueNotifications() []model.Notification {
	seen := make(map[string]struct{}, len(s.args))
	result := make([]model.Notification, 0, len(s.args))
	for _, n := range s.args {
		if id := n.Data.AttemptID; id != "" {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
		}
		result = append(result, n)
	}
	return result
}
