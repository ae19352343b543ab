package model

import (
	"fmt"
	"strings"
	"time"
)

// Stage は予約ファネル上の位置を表します
type Stage string

const (
	StageSearch       Stage = "search"
	StageRoomSelected Stage = "room_selected"
	StagePrebook      Stage = "prebook"
	StageCheckout     Stage = "checkout"
	StagePayment      Stage = "payment"
)

// Stages はファネルの順序どおりに並んだ全ステージです
var Stages = []Stage{StageSearch, StageRoomSelected, StagePrebook, StageCheckout, StagePayment}

// ParseStage は文字列をStageに変換します
func ParseStage(s string) (Stage, error) {
	stage := Stage(strings.TrimSpace(s))
	for _, st := range Stages {
		if st == stage {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// AttemptType はリカバリー通知のチャネルです
type AttemptType string

const (
	AttemptTypeEmail    AttemptType = "email"
	AttemptTypeSMS      AttemptType = "sms"
	AttemptTypePush     AttemptType = "push"
	AttemptTypeWhatsApp AttemptType = "whatsapp"
)

// TemplateID はリカバリーメールのテンプレート種別です
type TemplateID string

const (
	TemplateInitial    TemplateID = "initial"
	TemplateReminder   TemplateID = "reminder"
	TemplateLastChance TemplateID = "lastChance"
)

// DateLayout はチェックイン・チェックアウト日付の書式です
const DateLayout = "2006-01-02"

// Discount はlastChanceテンプレートに添付される割引です
type Discount struct {
	Code       string    `json:"code"`
	Percentage int       `json:"percentage"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RecoveryAttempt は1回分の通知送信記録です
// Opened/Clicked/Convertedは外部のトラッキングが埋めるもので、このバッチでは設定しません
type RecoveryAttempt struct {
	AttemptID string      `json:"attempt_id" db:"attempt_id"`
	CartID    string      `json:"cart_id" db:"cart_id"`
	Type      AttemptType `json:"type" db:"type"`
	Template  TemplateID  `json:"template" db:"template"`
	SentAt    time.Time   `json:"sent_at" db:"sent_at"`
	Opened    *bool       `json:"opened,omitempty" db:"opened"`
	Clicked   *bool       `json:"clicked,omitempty" db:"clicked"`
	Converted *bool       `json:"converted,omitempty" db:"converted"`
	Discount  *Discount   `json:"discount,omitempty" db:"-"`
}

// Cart は1セッション分の予約ファネルの状態です
// スナップショット項目は最新のファネル状態で上書きされ、履歴は持ちません
type Cart struct {
	CartID    string `json:"cart_id" db:"cart_id"`
	SessionID string `json:"session_id" db:"session_id"`

	UserID        string `json:"user_id,omitempty" db:"user_id"`
	CustomerEmail string `json:"customer_email,omitempty" db:"customer_email"`
	CustomerName  string `json:"customer_name,omitempty" db:"customer_name"`

	HotelID    string     `json:"hotel_id,omitempty" db:"hotel_id"`
	HotelName  string     `json:"hotel_name,omitempty" db:"hotel_name"`
	RoomCode   string     `json:"room_code,omitempty" db:"room_code"`
	RoomType   string     `json:"room_type,omitempty" db:"room_type"`
	CheckIn    *time.Time `json:"check_in,omitempty" db:"check_in"`
	CheckOut   *time.Time `json:"check_out,omitempty" db:"check_out"`
	Guests     int        `json:"guests" db:"guests"`
	TotalPrice float64    `json:"total_price" db:"total_price"`
	Currency   string     `json:"currency,omitempty" db:"currency"`

	Stage Stage `json:"stage" db:"stage"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	AbandonedAt *time.Time `json:"abandoned_at,omitempty" db:"abandoned_at"`
	RecoveredAt *time.Time `json:"recovered_at,omitempty" db:"recovered_at"`
	Recovered   bool       `json:"recovered" db:"recovered"`
	BookingID   string     `json:"booking_id,omitempty" db:"booking_id"`

	RecoveryAttempts []RecoveryAttempt `json:"recovery_attempts" db:"-"`

	Source   string `json:"source,omitempty" db:"source"`
	Device   string `json:"device,omitempty" db:"device"`
	Referrer string `json:"referrer,omitempty" db:"referrer"`
	Locale   string `json:"locale,omitempty" db:"locale"`
}

// IsAbandoned はカートが放棄済みとしてマークされているかを返します
func (c *Cart) IsAbandoned() bool {
	return c.AbandonedAt != nil
}

// EmailAttempts はメールで送信済みのリカバリー試行数を返します
func (c *Cart) EmailAttempts() int {
	n := 0
	for _, a := range c.RecoveryAttempts {
		if a.Type == AttemptTypeEmail {
			n++
		}
	}
	return n
}

// CartActivity はファネルの各ステップから届くスナップショットです
// 日付は検証済みの値を受け取ります
type CartActivity struct {
	CartID        string
	SessionID     string
	UserID        string
	CustomerEmail string
	CustomerName  string
	HotelID       string
	HotelName     string
	RoomCode      string
	RoomType      string
	CheckIn       *time.Time
	CheckOut      *time.Time
	Guests        int
	TotalPrice    float64
	Currency      string
	Stage         Stage
	Source        string
	Device        string
	Referrer      string
	Locale        string
}

// NewCart はアクティビティから新規カートを作成します
func NewCart(a CartActivity, now time.Time) *Cart {
	c := &Cart{
		CartID:           a.CartID,
		SessionID:        a.SessionID,
		CreatedAt:        now,
		RecoveryAttempts: []RecoveryAttempt{},
	}
	c.Apply(a, now)
	return c
}

// Apply はアクティビティをカートに反映します
// 予約スナップショットとステージは常に上書きし、顧客情報と流入元は値がある場合のみ上書きします
func (c *Cart) Apply(a CartActivity, now time.Time) {
	c.HotelID = a.HotelID
	c.HotelName = a.HotelName
	c.RoomCode = a.RoomCode
	c.RoomType = a.RoomType
	c.CheckIn = a.CheckIn
	c.CheckOut = a.CheckOut
	c.Guests = a.Guests
	c.TotalPrice = a.TotalPrice
	c.Currency = a.Currency
	c.Stage = a.Stage

	setIfPresent(&c.UserID, a.UserID)
	setIfPresent(&c.CustomerEmail, a.CustomerEmail)
	setIfPresent(&c.CustomerName, a.CustomerName)
	setIfPresent(&c.Source, a.Source)
	setIfPresent(&c.Device, a.Device)
	setIfPresent(&c.Referrer, a.Referrer)
	setIfPresent(&c.Locale, a.Locale)

	c.UpdatedAt = now
}

func setIfPresent(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
