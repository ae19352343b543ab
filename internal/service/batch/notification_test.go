package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/config"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
)

// MockNotificationRepository はテスト用のモックリポジトリです
type MockNotificationRepository struct {
	mu                        sync.Mutex
	createNotificationsCalled bool
	createNotificationsError  error
	notifications             []model.NotificationRecord
}

func (m *MockNotificationRepository) CreateNotifications(ctx context.Context, records []model.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createNotificationsCalled = true
	if m.createNotificationsError != nil {
		return m.createNotificationsError
	}
	m.notifications = append(m.notifications, records...)
	return nil
}

func (m *MockNotificationRepository) Create(ctx context.Context, tx *sqlx.Tx, record *model.NotificationRecord) error {
	return nil
}

func (m *MockNotificationRepository) GetByCartID(ctx context.Context, cartID string) ([]model.NotificationRecord, error) {
	return nil, nil
}

func (m *MockNotificationRepository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int, status model.NotificationStatus) error {
	return nil
}

// MockTaskNotifier はテスト用のStep Functionsクライアントです
type MockTaskNotifier struct {
	inputs []*sfn.SendTaskSuccessInput
	err    error
}

func (m *MockTaskNotifier) SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sfn.SendTaskSuccessOutput{}, nil
}

// newTestNotificationBatchService はテスト用のNotificationBatchServiceを作成します
func newTestNotificationBatchService(mockNotificationRepo *MockNotificationRepository) *NotificationBatchService {
	return &NotificationBatchService{
		notificationRepo: mockNotificationRepo,
		cfg:              &config.Config{},
	}
}

func testNotification(cartID, attemptID string, now time.Time) model.Notification {
	return model.NewRecoveryEmailNotification(model.RecoveryEmail{
		CartID:    cartID,
		AttemptID: attemptID,
		To:        cartID + "@example.com",
		Template:  model.TemplateInitial,
		Locale:    "en",
		Subject:   "Your stay is waiting",
		Body:      "Complete your booking",
	}, now)
}

func TestNotificationBatchService_Run(t *testing.T) {
	// X-Rayのセグメントを設定
	ctx, seg := xray.BeginSegment(context.Background(), "TestNotificationBatchService_Run")
	defer seg.Close(nil)

	now := time.Now().UTC()
	tests := []struct {
		name          string
		notifications []model.Notification
		mockError     error
		wantErr       bool
		wantRecords   int
	}{
		{
			name:          "0件の通知を正常に処理",
			notifications: []model.Notification{},
			wantRecords:   0,
		},
		{
			name:          "1件の通知を正常に処理",
			notifications: []model.Notification{testNotification("cart1", "a1", now)},
			wantRecords:   1,
		},
		{
			name: "2件の通知を正常に処理",
			notifications: []model.Notification{
				testNotification("cart1", "a1", now),
				testNotification("cart2", "a2", now),
			},
			wantRecords: 2,
		},
		{
			name: "同じ試行の通知は1件にまとめる",
			notifications: []model.Notification{
				testNotification("cart1", "a1", now),
				testNotification("cart1", "a1", now),
			},
			wantRecords: 1,
		},
		{
			name:          "リポジトリのエラーを返す",
			notifications: []model.Notification{testNotification("cart1", "a1", now)},
			mockError:     errors.New("db down"),
			wantErr:       true,
			wantRecords:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockNotificationRepo := &MockNotificationRepository{
				createNotificationsError: tt.mockError,
			}

			service := newTestNotificationBatchService(mockNotificationRepo)
			service.SetArgs(tt.notifications)
			err := service.Run(ctx)
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}

			if !mockNotificationRepo.createNotificationsCalled {
				t.Error("CreateNotifications was not called")
			}

			if len(mockNotificationRepo.notifications) != tt.wantRecords {
				t.Errorf("Expected %d notifications, got %d", tt.wantRecords, len(mockNotificationRepo.notifications))
			}

			for _, r := range mockNotificationRepo.notifications {
				if r.Status != model.NotificationStatusPending {
					t.Errorf("Expected pending status, got %s", r.Status)
				}
			}
		})
	}
}

func TestNotificationBatchService_RunInvalidNotification(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestNotificationBatchService_RunInvalidNotification")
	defer seg.Close(nil)

	invalid := testNotification("cart1", "a1", time.Now())
	invalid.Data.To = ""

	mockNotificationRepo := &MockNotificationRepository{}
	service := newTestNotificationBatchService(mockNotificationRepo)
	service.SetArgs([]model.Notification{invalid})

	if err := service.Run(ctx); err == nil {
		t.Error("Run() should fail for a notification without recipient")
	}
	if mockNotificationRepo.createNotificationsCalled {
		t.Error("CreateNotifications should not be called")
	}
}

func TestParseNotifications(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name:  "通知の一覧",
			input: `{"notifications":[{"type":"recovery_email","created_at":"2026-01-05T09:00:00Z","data":{"cart_id":"c1","attempt_id":"a1","to":"g@example.com","template":"initial","locale":"en","subject":"s","body":"b","recovery_url":"https://x/recover?token=t"}}]}`,
			want:  1,
		},
		{name: "通知なし", input: `{}`, want: 0},
		{name: "JSONでない", input: `DUMMY_TASK_TOKEN`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotifications([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNotifications() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d notifications, got %d", tt.want, len(got))
			}
		})
	}
}
