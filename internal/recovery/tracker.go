package recovery

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

// TrackParams は予約ファネルの各ステップから届くパラメータです
type TrackParams struct {
	SessionID     string
	UserID        string
	CustomerEmail string
	CustomerName  string
	HotelID       string
	HotelName     string
	RoomCode      string
	RoomType      string
	// CheckIn, CheckOut はYYYY-MM-DD形式です
	CheckIn    string
	CheckOut   string
	Guests     int
	TotalPrice float64
	Currency   string
	Stage      string
	Source     string
	Device     string
	Referrer   string
	Locale     string
}

// TrackResult はTrackCartActivityの結果です
type TrackResult struct {
	CartID string
	IsNew  bool
}

// TrackCartActivity はファネルの進捗をセッションのカートに反映します
// ステージの後戻りは許容します
func (s *Service) TrackCartActivity(ctx context.Context, p TrackParams) (TrackResult, error) {
	activity, err := p.toActivity()
	if err != nil {
		return TrackResult{}, err
	}
	activity.CartID = uuid.NewString()

	cartID, created, err := s.carts.UpsertActivity(ctx, activity, s.now())
	if err != nil {
		return TrackResult{}, fmt.Errorf("failed to track cart activity: %w", err)
	}

	return TrackResult{CartID: cartID, IsNew: created}, nil
}

func (p TrackParams) toActivity() (model.CartActivity, error) {
	if strings.TrimSpace(p.SessionID) == "" {
		return model.CartActivity{}, fmt.Errorf("%w: session id is required", ErrInvalidActivity)
	}

	stage, err := model.ParseStage(p.Stage)
	if err != nil {
		return model.CartActivity{}, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}

	checkIn, err := parseDate("check-in", p.CheckIn)
	if err != nil {
		return model.CartActivity{}, err
	}
	checkOut, err := parseDate("check-out", p.CheckOut)
	if err != nil {
		return model.CartActivity{}, err
	}
	if checkIn != nil && checkOut != nil && !checkOut.After(*checkIn) {
		return model.CartActivity{}, fmt.Errorf("%w: check-out %s must be after check-in %s", ErrInvalidActivity, p.CheckOut, p.CheckIn)
	}

	if p.Guests < 0 {
		return model.CartActivity{}, fmt.Errorf("%w: guests must not be negative", ErrInvalidActivity)
	}
	if p.TotalPrice < 0 {
		return model.CartActivity{}, fmt.Errorf("%w: total price must not be negative", ErrInvalidActivity)
	}

	// "Dana <dana@example.com>" 形式はアドレスだけを保存し、表示名は名前の指定がなければ使います
	email := strings.TrimSpace(p.CustomerEmail)
	name := p.CustomerName
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return model.CartActivity{}, fmt.Errorf("%w: invalid customer email: %v", ErrInvalidActivity, err)
		}
		email = addr.Address
		if strings.TrimSpace(name) == "" {
			name = addr.Name
		}
	}

	return model.CartActivity{
		SessionID:     p.SessionID,
		UserID:        p.UserID,
		CustomerEmail: email,
		CustomerName:  name,
		HotelID:       p.HotelID,
		HotelName:     p.HotelName,
		RoomCode:      p.RoomCode,
		RoomType:      p.RoomType,
		CheckIn:       checkIn,
		CheckOut:      checkOut,
		Guests:        p.Guests,
		TotalPrice:    p.TotalPrice,
		Currency:      strings.ToUpper(p.Currency),
		Stage:         stage,
		Source:        p.Source,
		Device:        p.Device,
		Referrer:      p.Referrer,
		Locale:        p.Locale,
	}, nil
}

func parseDate(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(model.DateLayout, v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s date %q", ErrInvalidActivity, field, v)
	}
	return &t, nil
}

// MarkCartAbandoned はカートを放棄済みにします
// カートが見つからない場合はfalseを返し、エラーにはしません
func (s *Service) MarkCartAbandoned(ctx context.Context, ref CartRef) (bool, error) {
	cart, err := s.resolve(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("failed to resolve cart: %w", err)
	}
	if cart == nil {
		return false, nil
	}

	err = s.carts.MarkAbandoned(ctx, cart.CartID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark cart %s abandoned: %w", cart.CartID, err)
	}

	return true, nil
}

// RecoverParams はMarkCartRecoveredのパラメータです
type RecoverParams struct {
	CartRef
	BookingID string
}

// RecoverResult はMarkCartRecoveredの結果です
// WasAbandonedは放棄後に予約へ至った(本来の意味での回収)かどうかを表します
type RecoverResult struct {
	Success      bool
	WasAbandoned bool
}

// MarkCartRecovered は予約完了時にカートを回収済みにします
// 追跡していないセッションの予約完了はエラーにしません
func (s *Service) MarkCartRecovered(ctx context.Context, p RecoverParams) (RecoverResult, error) {
	cart, err := s.resolve(ctx, p.CartRef)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("failed to resolve cart: %w", err)
	}
	if cart == nil {
		return RecoverResult{Success: true, WasAbandoned: false}, nil
	}

	wasAbandoned := cart.IsAbandoned()
	if cart.Recovered {
		return RecoverResult{Success: true, WasAbandoned: wasAbandoned}, nil
	}

	err = s.carts.MarkRecovered(ctx, cart.CartID, p.BookingID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return RecoverResult{Success: true, WasAbandoned: false}, nil
	}
	if err != nil {
		return RecoverResult{}, fmt.Errorf("failed to mark cart %s recovered: %w", cart.CartID, err)
	}

	return RecoverResult{Success: true, WasAbandoned: wasAbandoned}, nil
}
