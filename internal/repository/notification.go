package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
)

// NotificationRepository はメール送信キューの永続化を担当するインターフェースです
type NotificationRepository interface {
	CreateNotifications(ctx context.Context, records []model.NotificationRecord) error
	Create(ctx context.Context, tx *sqlx.Tx, record *model.NotificationRecord) error
	GetByCartID(ctx context.Context, cartID string) ([]model.NotificationRecord, error)
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int, status model.NotificationStatus) error
}

// NotificationRepositoryImpl は送信キューの永続化を担当します
type NotificationRepositoryImpl struct {
	db *DB
}

// NewNotificationRepository は新しいNotificationRepositoryを作成します
func NewNotificationRepository(db *DB) *NotificationRepositoryImpl {
	return &NotificationRepositoryImpl{
		db: db,
	}
}

// CreateNotifications は複数の送信キューレコードを1トランザクションで作成します
// attempt_idが登録済みのレコードは重複登録しません
func (r *NotificationRepositoryImpl) CreateNotifications(ctx context.Context, records []model.NotificationRecord) (err error) {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.CreateNotifications")
	defer func() { seg.Close(err) }()

	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// エラーが発生した場合のみロールバックを実行
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
		}
	}()

	for i := range records {
		if err = r.Create(ctx, tx, &records[i]); err != nil {
			return fmt.Errorf("failed to create notification: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Create は単一の送信キューレコードを作成します
func (r *NotificationRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, record *model.NotificationRecord) error {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.Create")
	defer seg.Close(nil)

	query := `
		INSERT INTO notifications (
			cart_id, attempt_id, email, title, message, template,
			discount_code, type, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (attempt_id) DO UPDATE SET updated_at = notifications.updated_at
		RETURNING id`

	err := tx.QueryRowxContext(ctx,
		query,
		record.CartID,
		record.AttemptID,
		record.Email,
		record.Title,
		record.Message,
		record.Template,
		record.DiscountCode,
		record.Type,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
	).Scan(&record.ID)

	if err != nil {
		seg.Close(err)
		return err
	}

	return nil
}

// GetByCartID は指定されたカートの送信キューレコードを取得します
func (r *NotificationRepositoryImpl) GetByCartID(ctx context.Context, cartID string) ([]model.NotificationRecord, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.GetByCartID")
	defer seg.Close(nil)

	query := `
		SELECT id, cart_id, attempt_id, email, title, message, template,
			discount_code, type, status, created_at, updated_at
		FROM notifications
		WHERE cart_id = $1
		ORDER BY created_at DESC`

	records := []model.NotificationRecord{}
	if err := r.db.SelectContext(ctx, &records, query, cartID); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}

	return records, nil
}

// UpdateStatus は送信キューレコードの状態を更新します
func (r *NotificationRepositoryImpl) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int, status model.NotificationStatus) error {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.UpdateStatus")
	defer seg.Close(nil)

	query := `
		UPDATE notifications
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2`

	result, err := tx.ExecContext(ctx, query, status, id)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to update notification status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err := fmt.Errorf("notification with id %d not found", id)
		seg.Close(err)
		return err
	}

	return nil
}
