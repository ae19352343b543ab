package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
)

func newMockNotificationRepository(t *testing.T) (context.Context, *NotificationRepositoryImpl, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	// X-Rayのセグメントを設定
	ctx, seg := xray.BeginSegment(context.Background(), t.Name())
	t.Cleanup(func() { seg.Close(nil) })

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	conn := sqlx.NewDb(mockDB, "postgres")
	return ctx, NewNotificationRepository(NewDB(conn)), conn, mock
}

func testRecord(cartID, attemptID string, now time.Time) model.NotificationRecord {
	return model.NotificationRecord{
		CartID:    cartID,
		AttemptID: attemptID,
		Email:     "guest@example.com",
		Title:     "Your stay is waiting",
		Message:   "Complete your booking",
		Template:  model.TemplateInitial,
		Type:      model.NotificationTypeRecoveryEmail,
		Status:    model.NotificationStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNotificationRepository_CreateNotifications(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		records []model.NotificationRecord
		setup   func(mock sqlmock.Sqlmock)
		wantErr bool
		wantIDs []int
	}{
		{
			name:    "0件は何もしない",
			records: []model.NotificationRecord{},
			setup:   func(mock sqlmock.Sqlmock) {},
			wantIDs: []int{},
		},
		{
			name:    "2件を1トランザクションで登録",
			records: []model.NotificationRecord{testRecord("c1", "a1", now), testRecord("c2", "a2", now)},
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
					WithArgs("c1", "a1", "guest@example.com", "Your stay is waiting", "Complete your booking",
						model.TemplateInitial, "", model.NotificationTypeRecoveryEmail, model.NotificationStatusPending, now, now).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
				mock.ExpectCommit()
			},
			wantIDs: []int{1, 2},
		},
		{
			name:    "途中で失敗した場合はロールバック",
			records: []model.NotificationRecord{testRecord("c1", "a1", now), testRecord("c2", "a2", now)},
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
					WillReturnError(errors.New("connection reset"))
				mock.ExpectRollback()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, repo, _, mock := newMockNotificationRepository(t)
			tt.setup(mock)

			err := repo.CreateNotifications(ctx, tt.records)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				ids := make([]int, len(tt.records))
				for i, r := range tt.records {
					ids[i] = r.ID
				}
				assert.Equal(t, tt.wantIDs, ids)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestNotificationRepository_GetByCartID(t *testing.T) {
	ctx, repo, _, mock := newMockNotificationRepository(t)
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	columns := []string{"id", "cart_id", "attempt_id", "email", "title", "message", "template",
		"discount_code", "type", "status", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(2, "c1", "a2", "guest@example.com", "Last chance", "body", "lastChance", "COMEBACKABC123", "recovery_email", "sent", now, now).
			AddRow(1, "c1", "a1", "guest@example.com", "Welcome back", "body", "initial", "", "recovery_email", "pending", now, now))

	records, err := repo.GetByCartID(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "COMEBACKABC123", records[0].DiscountCode)
	assert.Equal(t, model.NotificationStatusSent, records[0].Status)
	assert.Equal(t, model.TemplateInitial, records[1].Template)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_UpdateStatus(t *testing.T) {
	ctx, repo, conn, mock := newMockNotificationRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications")).
		WithArgs(model.NotificationStatusSent, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications")).
		WithArgs(model.NotificationStatusFailed, 99).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := conn.BeginTxx(ctx, nil)
	require.NoError(t, err)

	assert.NoError(t, repo.UpdateStatus(ctx, tx, 1, model.NotificationStatusSent))
	assert.Error(t, repo.UpdateStatus(ctx, tx, 99, model.NotificationStatusFailed))
	require.NoError(t, tx.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}
