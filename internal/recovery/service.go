// Package recovery は予約ファネルの放棄カートを追跡し、段階的なリカバリーメールを送るキャンペーンを実装します
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
	"golang.org/x/time/rate"
)

var (
	// ErrCartNotFound は単一カートを前提とした操作でカートが存在しないことを表します
	ErrCartNotFound = errors.New("cart not found")
	// ErrInvalidActivity はファネルから届いたアクティビティが不正であることを表します
	ErrInvalidActivity = errors.New("invalid cart activity")
	// ErrInvalidQuery は検索条件が不正であることを表します
	ErrInvalidQuery = errors.New("invalid query")
)

const (
	DefaultMinAbandonedAge     = 30 * time.Minute
	DefaultMaxAbandonedAge     = 72 * time.Hour
	DefaultCampaignMaxAge      = 96 * time.Hour
	DefaultTokenTTL            = 7 * 24 * time.Hour
	DefaultDiscountPercentage  = 10
	DefaultDiscountValidity    = 48 * time.Hour
	DefaultCampaignConcurrency = 4
	DefaultLocale              = "en"
)

// EmailSender はリカバリーメールを実際の配信基盤に引き渡します
type EmailSender interface {
	SendRecoveryEmail(ctx context.Context, email model.RecoveryEmail) error
}

// EmailSenderFunc は関数をEmailSenderとして扱うためのアダプターです
type EmailSenderFunc func(ctx context.Context, email model.RecoveryEmail) error

func (f EmailSenderFunc) SendRecoveryEmail(ctx context.Context, email model.RecoveryEmail) error {
	return f(ctx, email)
}

// Config はリカバリー処理の設定です
type Config struct {
	// BaseURL はリカバリーリンクのベースURLです
	BaseURL string
	// TokenSecret はリカバリートークンの署名鍵です
	TokenSecret []byte
	TokenTTL    time.Duration

	DefaultLocale string

	// Concurrency はキャンペーンで同時に送信するカート数です
	Concurrency int
	// SendRatePerSecond は送信レートの上限です。0以下は無制限です
	SendRatePerSecond float64
	// CampaignMaxAge はキャンペーンが対象とする放棄からの最大経過時間です
	// lastChanceの閾値(72時間)より長くないとlastChanceは送られません
	CampaignMaxAge time.Duration

	DiscountPercentage int
	DiscountValidity   time.Duration
}

func (c *Config) applyDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = DefaultLocale
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultCampaignConcurrency
	}
	if c.CampaignMaxAge <= 0 {
		c.CampaignMaxAge = DefaultCampaignMaxAge
	}
	if c.DiscountPercentage <= 0 {
		c.DiscountPercentage = DefaultDiscountPercentage
	}
	if c.DiscountValidity <= 0 {
		c.DiscountValidity = DefaultDiscountValidity
	}
}

// Option はServiceの任意設定です
type Option func(*Service)

// WithClock は現在時刻の取得方法を差し替えます
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTemplates はテンプレートカタログを差し替えます
func WithTemplates(t *TemplateCatalog) Option {
	return func(s *Service) {
		s.templates = t
	}
}

// Service はカートの追跡とリカバリーキャンペーンを担当します
type Service struct {
	carts     repository.CartRepository
	sender    EmailSender
	templates *TemplateCatalog
	tokens    *tokenIssuer
	limiter   *rate.Limiter
	cfg       Config
	now       func() time.Time
}

// NewService は新しいServiceを作成します
func NewService(carts repository.CartRepository, sender EmailSender, cfg Config, opts ...Option) (*Service, error) {
	if carts == nil {
		return nil, fmt.Errorf("cart repository is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("email sender is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("recovery base url is required")
	}
	if len(cfg.TokenSecret) == 0 {
		return nil, fmt.Errorf("recovery token secret is required")
	}
	cfg.applyDefaults()

	s := &Service{
		carts:  carts,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.templates == nil {
		catalog, err := LoadDefaultTemplates()
		if err != nil {
			return nil, err
		}
		s.templates = catalog
	}
	s.tokens = &tokenIssuer{secret: cfg.TokenSecret, ttl: cfg.TokenTTL, now: s.now}

	if cfg.SendRatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), cfg.Concurrency)
	}

	return s, nil
}

// CartRef はカートIDまたはセッションIDでカートを指定します
type CartRef struct {
	CartID    string
	SessionID string
}

// resolve はカートを解決します。見つからない場合はnilを返します
func (s *Service) resolve(ctx context.Context, ref CartRef) (*model.Cart, error) {
	var (
		cart *model.Cart
		err  error
	)
	switch {
	case ref.CartID != "":
		cart, err = s.carts.Get(ctx, ref.CartID)
	case ref.SessionID != "":
		cart, err = s.carts.FindActiveBySession(ctx, ref.SessionID)
	default:
		return nil, nil
	}

	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cart, nil
}
