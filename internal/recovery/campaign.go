package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

// テンプレートごとの送信条件
// 過去のメール送信回数と放棄からの経過時間で決まります
var templatePolicy = []struct {
	priorAttempts int
	minElapsed    time.Duration
	template      model.TemplateID
}{
	{priorAttempts: 0, minElapsed: 1 * time.Hour, template: model.TemplateInitial},
	{priorAttempts: 1, minElapsed: 24 * time.Hour, template: model.TemplateReminder},
	{priorAttempts: 2, minElapsed: 72 * time.Hour, template: model.TemplateLastChance},
}

const discountCodePrefix = "COMEBACK"

// Duration はAbandonedCartsQueryの年齢指定用のヘルパーです
func Duration(d time.Duration) *time.Duration {
	return &d
}

// AbandonedCartsQuery はGetAbandonedCartsの検索条件です
type AbandonedCartsQuery struct {
	// MinAge, MaxAge は放棄からの経過時間の範囲です(両端を含む)
	// nilの場合はそれぞれ30分、72時間です
	MinAge   *time.Duration
	MaxAge   *time.Duration
	Stage    model.Stage
	HasEmail bool
	Limit    int
}

// GetAbandonedCarts は未回収の放棄カートを放棄日時の新しい順に返します
func (s *Service) GetAbandonedCarts(ctx context.Context, q AbandonedCartsQuery) ([]model.Cart, error) {
	minAge, maxAge := DefaultMinAbandonedAge, DefaultMaxAbandonedAge
	if q.MinAge != nil {
		minAge = *q.MinAge
	}
	if q.MaxAge != nil {
		maxAge = *q.MaxAge
	}
	if minAge < 0 || maxAge < minAge {
		return nil, fmt.Errorf("%w: age window [%v, %v]", ErrInvalidQuery, minAge, maxAge)
	}
	if q.Stage != "" {
		if _, err := model.ParseStage(string(q.Stage)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
	}

	now := s.now()
	from := now.Add(-maxAge)
	to := now.Add(-minAge)

	carts, err := s.carts.List(ctx, repository.CartFilter{
		AbandonedOnly:    true,
		ExcludeRecovered: true,
		AbandonedFrom:    &from,
		AbandonedTo:      &to,
		Stage:            q.Stage,
		HasEmail:         q.HasEmail,
		Limit:            q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned carts: %w", err)
	}
	return carts, nil
}

// SelectTemplate は次に送るべきテンプレートを選択します
// 条件を満たすテンプレートがなければfalseを返します。メールは最大3通です
func SelectTemplate(cart model.Cart, now time.Time) (model.TemplateID, bool) {
	if cart.Recovered || cart.AbandonedAt == nil {
		return "", false
	}

	elapsed := now.Sub(*cart.AbandonedAt)
	sent := cart.EmailAttempts()
	for _, p := range templatePolicy {
		if sent == p.priorAttempts && elapsed >= p.minElapsed {
			return p.template, true
		}
	}
	return "", false
}

// DiscountCode はカートIDの末尾6文字から割引コードを生成します
func DiscountCode(cartID string) string {
	suffix := cartID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return discountCodePrefix + strings.ToUpper(suffix)
}

// SendParams はSendRecoveryEmailのパラメータです
type SendParams struct {
	CartID   string
	Template model.TemplateID
	// Locale が空の場合はカートのロケール、次に既定のロケールを使います
	Locale string
}

// SendResult はSendRecoveryEmailの結果です
type SendResult struct {
	Success   bool
	AttemptID string
	Discount  *model.Discount
	Error     string
}

// SendRecoveryEmail はリカバリーメールを送信キューに引き渡し、試行を記録します
// カートがない、メールアドレスがないなどの場合はSuccess=falseを返し、エラーにはしません
// 配信の保証はEmailSender側の責務です
func (s *Service) SendRecoveryEmail(ctx context.Context, p SendParams) (SendResult, error) {
	cart, err := s.carts.Get(ctx, p.CartID)
	if errors.Is(err, repository.ErrNotFound) {
		return SendResult{Error: "cart not found"}, nil
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to get cart %s: %w", p.CartID, err)
	}
	if cart.CustomerEmail == "" {
		return SendResult{Error: "no email address"}, nil
	}

	now := s.now()
	attempt := model.RecoveryAttempt{
		AttemptID: uuid.NewString(),
		CartID:    cart.CartID,
		Type:      model.AttemptTypeEmail,
		Template:  p.Template,
		SentAt:    now,
	}
	if p.Template == model.TemplateLastChance {
		attempt.Discount = &model.Discount{
			Code:       DiscountCode(cart.CartID),
			Percentage: s.cfg.DiscountPercentage,
			ExpiresAt:  now.Add(s.cfg.DiscountValidity),
		}
	}

	email, err := s.composeEmail(cart, attempt, p.Locale)
	if err != nil {
		return SendResult{Error: err.Error()}, nil
	}

	if err := s.sender.SendRecoveryEmail(ctx, email); err != nil {
		return SendResult{Error: fmt.Sprintf("failed to hand off email: %v", err)}, nil
	}

	err = s.carts.AppendAttempt(ctx, attempt)
	if errors.Is(err, repository.ErrNotFound) {
		return SendResult{Error: "cart not found"}, nil
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to record recovery attempt for cart %s: %w", cart.CartID, err)
	}

	return SendResult{Success: true, AttemptID: attempt.AttemptID, Discount: attempt.Discount}, nil
}

func (s *Service) composeEmail(cart *model.Cart, attempt model.RecoveryAttempt, locale string) (model.RecoveryEmail, error) {
	if locale == "" {
		locale = cart.Locale
	}
	locale = s.templates.MatchLocale(locale, s.cfg.DefaultLocale)

	link, err := s.recoveryLink(cart.CartID)
	if err != nil {
		return model.RecoveryEmail{}, err
	}

	data := RenderData{
		Name:        cart.CustomerName,
		HotelName:   cart.HotelName,
		Guests:      cart.Guests,
		Price:       FormatPrice(locale, cart.TotalPrice, cart.Currency),
		RecoveryURL: link,
	}
	if data.Name == "" {
		data.Name = cart.CustomerEmail
	}
	if cart.CheckIn != nil {
		data.CheckIn = cart.CheckIn.Format(model.DateLayout)
	}
	if cart.CheckOut != nil {
		data.CheckOut = cart.CheckOut.Format(model.DateLayout)
	}
	if d := attempt.Discount; d != nil {
		data.DiscountCode = d.Code
		data.DiscountPercentage = d.Percentage
		data.DiscountExpires = d.ExpiresAt.Format("2006-01-02 15:04 MST")
	}

	rendered, err := s.templates.Render(attempt.Template, locale, data)
	if err != nil {
		return model.RecoveryEmail{}, err
	}

	return model.RecoveryEmail{
		CartID:      cart.CartID,
		AttemptID:   attempt.AttemptID,
		To:          cart.CustomerEmail,
		Name:        cart.CustomerName,
		Template:    attempt.Template,
		Locale:      rendered.Locale,
		Subject:     rendered.Subject,
		Body:        rendered.Body,
		RecoveryURL: link,
		Discount:    attempt.Discount,
	}, nil
}

// CampaignParams はRunRecoveryCampaignのパラメータです
type CampaignParams struct {
	// DryRun の場合はテンプレートの選択のみを行い、送信しません
	DryRun bool
}

// PlannedSend はキャンペーンで送信対象となったカートとテンプレートです
type PlannedSend struct {
	CartID   string           `json:"cart_id"`
	Template model.TemplateID `json:"template"`
}

// CampaignResult はキャンペーン1回分の実行結果です
type CampaignResult struct {
	CartsProcessed int           `json:"carts_processed"`
	EmailsSent     int           `json:"emails_sent"`
	Planned        []PlannedSend `json:"planned"`
	Errors         []string      `json:"errors"`
	// Interrupted はコンテキストの期限切れで途中終了したことを表します
	Interrupted bool `json:"interrupted"`
}

// RunRecoveryCampaign は放棄カートを走査し、カートごとに次のテンプレートを送信します
// 1カートの失敗はErrorsに記録し、他のカートの処理は継続します
func (s *Service) RunRecoveryCampaign(ctx context.Context, p CampaignParams) (*CampaignResult, error) {
	carts, err := s.GetAbandonedCarts(ctx, AbandonedCartsQuery{
		MaxAge:   Duration(s.cfg.CampaignMaxAge),
		HasEmail: true,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	result := &CampaignResult{
		CartsProcessed: len(carts),
		Planned:        []PlannedSend{},
		Errors:         []string{},
	}
	for _, cart := range carts {
		if tpl, ok := SelectTemplate(cart, now); ok {
			result.Planned = append(result.Planned, PlannedSend{CartID: cart.CartID, Template: tpl})
		}
	}

	log.Printf("Recovery campaign found %d abandoned carts, %d emails planned (dry run: %v)",
		len(carts), len(result.Planned), p.DryRun)

	if p.DryRun || len(result.Planned) == 0 {
		return result, nil
	}

	s.dispatch(ctx, result)

	sort.Strings(result.Errors)
	return result, nil
}

// dispatch は送信対象をワーカーに分配します
// 期限切れになった時点で新しい送信は開始せず、未処理件数をErrorsに記録します
func (s *Service) dispatch(ctx context.Context, result *CampaignResult) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	jobs := make(chan PlannedSend)

	record := func(sent bool, msg string) {
		mu.Lock()
		defer mu.Unlock()
		if sent {
			result.EmailsSent++
			return
		}
		result.Errors = append(result.Errors, msg)
	}

	workers := s.cfg.Concurrency
	if workers > len(result.Planned) {
		workers = len(result.Planned)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if s.limiter != nil {
					if err := s.limiter.Wait(ctx); err != nil {
						record(false, fmt.Sprintf("cart %s: %v", job.CartID, err))
						continue
					}
				}
				res, err := s.SendRecoveryEmail(ctx, SendParams{CartID: job.CartID, Template: job.Template})
				switch {
				case err != nil:
					record(false, fmt.Sprintf("cart %s: %v", job.CartID, err))
				case !res.Success:
					record(false, fmt.Sprintf("cart %s: %s", job.CartID, res.Error))
				default:
					record(true, "")
				}
			}
		}()
	}

	skipped := 0
feed:
	for i, job := range result.Planned {
		select {
		case <-ctx.Done():
			skipped = len(result.Planned) - i
			break feed
		case jobs <- job:
		}
	}
	close(jobs)
	wg.Wait()

	if skipped > 0 {
		result.Interrupted = true
		record(false, fmt.Sprintf("campaign stopped: %v (%d carts not processed)", ctx.Err(), skipped))
	}
}
