package model

import (
	"fmt"
	"strings"
	"time"
)

// NotificationType は通知の種類を表します
type NotificationType string

const (
	// NotificationTypeRecoveryEmail はカートリカバリーメールを表します
	NotificationTypeRecoveryEmail NotificationType = "recovery_email"
)

// NotificationStatus はメール送信キュー上の状態です
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// RecoveryEmail はメール送信基盤に引き渡すリカバリーメールです
type RecoveryEmail struct {
	CartID      string     `json:"cart_id"`
	AttemptID   string     `json:"attempt_id"`
	To          string     `json:"to"`
	Name        string     `json:"name,omitempty"`
	Template    TemplateID `json:"template"`
	Locale      string     `json:"locale"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	RecoveryURL string     `json:"recovery_url"`
	Discount    *Discount  `json:"discount,omitempty"`
}

// Notification はStep Functionsのタスク間で受け渡す通知の定義です
// アプリケーションサービス層で利用されます
type Notification struct {
	Type      NotificationType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Data      RecoveryEmail    `json:"data"`
}

// NotificationRecord はメール送信キュー(notificationsテーブル)のレコードです
type NotificationRecord struct {
	ID           int                `db:"id"`
	CartID       string             `db:"cart_id"`
	AttemptID    string             `db:"attempt_id"`
	Email        string             `db:"email"`
	Title        string             `db:"title"`
	Message      string             `db:"message"`
	Template     TemplateID         `db:"template"`
	DiscountCode string             `db:"discount_code"`
	Type         NotificationType   `db:"type"`
	Status       NotificationStatus `db:"status"`
	CreatedAt    time.Time          `db:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at"`
}

// NewRecoveryEmailNotification はリカバリーメールから通知を作成します
func NewRecoveryEmailNotification(email RecoveryEmail, now time.Time) Notification {
	return Notification{
		Type:      NotificationTypeRecoveryEmail,
		CreatedAt: now,
		Data:      email,
	}
}

// ToNotificationRecord は通知を送信キューのレコードに変換します
func (n Notification) ToNotificationRecord() (*NotificationRecord, error) {
	if n.Type != NotificationTypeRecoveryEmail {
		return nil, fmt.Errorf("unsupported notification type: %s", n.Type)
	}

	data := n.Data
	if strings.TrimSpace(data.To) == "" {
		return nil, fmt.Errorf("recipient email is empty for cart %s", data.CartID)
	}
	if data.Subject == "" || data.Body == "" {
		return nil, fmt.Errorf("rendered content is empty for cart %s", data.CartID)
	}

	record := &NotificationRecord{
		CartID:    data.CartID,
		AttemptID: data.AttemptID,
		Email:     data.To,
		Title:     data.Subject,
		Message:   data.Body,
		Template:  data.Template,
		Type:      NotificationTypeRecoveryEmail,
		Status:    NotificationStatusPending,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.CreatedAt,
	}
	if data.Discount != nil {
		record.DiscountCode = data.Discount.Code
	}

	return record, nil
}
