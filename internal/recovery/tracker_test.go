package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

func TestNewService_Validation(t *testing.T) {
	repo := repository.NewMemoryCartRepository()
	sender := &captureSender{}

	_, err := NewService(nil, sender, Config{BaseURL: "https://x", TokenSecret: testSecret})
	assert.Error(t, err)

	_, err = NewService(repo, nil, Config{BaseURL: "https://x", TokenSecret: testSecret})
	assert.Error(t, err)

	_, err = NewService(repo, sender, Config{TokenSecret: testSecret})
	assert.Error(t, err)

	_, err = NewService(repo, sender, Config{BaseURL: "https://x"})
	assert.Error(t, err)

	svc, err := NewService(repo, sender, Config{BaseURL: "https://x", TokenSecret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, DefaultCampaignMaxAge, svc.cfg.CampaignMaxAge)
	assert.Equal(t, DefaultDiscountPercentage, svc.cfg.DiscountPercentage)
}

func TestTrackCartActivity_Scenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.TrackCartActivity(ctx, TrackParams{
		SessionID:  "s1",
		Stage:      "search",
		HotelID:    "h1",
		HotelName:  "Test",
		CheckIn:    "2026-01-10",
		CheckOut:   "2026-01-12",
		Guests:     2,
		TotalPrice: 500,
		Currency:   "USD",
	})
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := env.svc.TrackCartActivity(ctx, TrackParams{
		SessionID:  "s1",
		Stage:      "checkout",
		HotelID:    "h1",
		HotelName:  "Test",
		CheckIn:    "2026-01-10",
		CheckOut:   "2026-01-12",
		Guests:     2,
		TotalPrice: 500,
		Currency:   "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, first.CartID, second.CartID)
	assert.False(t, second.IsNew)

	cart, err := env.repo.Get(ctx, first.CartID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCheckout, cart.Stage)

	ok, err := env.svc.MarkCartAbandoned(ctx, CartRef{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, ok)

	query := AbandonedCartsQuery{MinAge: Duration(0), MaxAge: Duration(time.Hour)}
	carts, err := env.svc.GetAbandonedCarts(ctx, query)
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.Equal(t, first.CartID, carts[0].CartID)

	recovered, err := env.svc.MarkCartRecovered(ctx, RecoverParams{CartRef: CartRef{SessionID: "s1"}, BookingID: "b1"})
	require.NoError(t, err)
	assert.True(t, recovered.Success)
	assert.True(t, recovered.WasAbandoned)

	carts, err = env.svc.GetAbandonedCarts(ctx, query)
	require.NoError(t, err)
	assert.Empty(t, carts)
}

func TestTrackCartActivity_LastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	createdAt := env.clock.Now()

	calls := []TrackParams{
		{SessionID: "s1", Stage: "search", HotelID: "h1", Guests: 1, TotalPrice: 100, Currency: "usd"},
		{SessionID: "s1", Stage: "payment", HotelID: "h2", RoomCode: "DBL", Guests: 2, TotalPrice: 250, Currency: "EUR"},
		{SessionID: "s1", Stage: "room_selected", HotelID: "h3", RoomCode: "STE", RoomType: "Suite", Guests: 3, TotalPrice: 900, Currency: "ILS"},
	}

	var cartID string
	for i, p := range calls {
		res, err := env.svc.TrackCartActivity(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.IsNew, "call %d", i)
		if i == 0 {
			cartID = res.CartID
		}
		assert.Equal(t, cartID, res.CartID)
		env.clock.Advance(time.Minute)
	}

	cart, err := env.repo.Get(ctx, cartID)
	require.NoError(t, err)
	assert.Equal(t, "h3", cart.HotelID)
	assert.Equal(t, "STE", cart.RoomCode)
	assert.Equal(t, "Suite", cart.RoomType)
	assert.Equal(t, 3, cart.Guests)
	assert.Equal(t, 900.0, cart.TotalPrice)
	assert.Equal(t, "ILS", cart.Currency)
	// ステージの後戻りも受け付ける
	assert.Equal(t, model.StageRoomSelected, cart.Stage)
	assert.True(t, cart.CreatedAt.Equal(createdAt))
	assert.True(t, cart.UpdatedAt.Equal(createdAt.Add(2*time.Minute)))
}

func TestTrackCartActivity_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		params TrackParams
	}{
		{name: "セッションIDなし", params: TrackParams{Stage: "search"}},
		{name: "未知のステージ", params: TrackParams{SessionID: "s1", Stage: "confirmed"}},
		{name: "不正なチェックイン日", params: TrackParams{SessionID: "s1", Stage: "search", CheckIn: "10/01/2026"}},
		{name: "不正なチェックアウト日", params: TrackParams{SessionID: "s1", Stage: "search", CheckOut: "2026-02-30"}},
		{name: "チェックアウトがチェックイン以前", params: TrackParams{SessionID: "s1", Stage: "search", CheckIn: "2026-01-12", CheckOut: "2026-01-12"}},
		{name: "人数が負", params: TrackParams{SessionID: "s1", Stage: "search", Guests: -1}},
		{name: "金額が負", params: TrackParams{SessionID: "s1", Stage: "search", TotalPrice: -10}},
		{name: "不正なメールアドレス", params: TrackParams{SessionID: "s1", Stage: "search", CustomerEmail: "not-an-email"}},
		{name: "複数のメールアドレス", params: TrackParams{SessionID: "s1", Stage: "search", CustomerEmail: "a@example.com, b@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.svc.TrackCartActivity(context.Background(), tt.params)
			assert.True(t, errors.Is(err, ErrInvalidActivity), "got %v", err)
		})
	}
}

func TestTrackCartActivity_CustomerEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		custName string
		wantAddr string
		wantName string
	}{
		{name: "アドレスのみ", email: "dana@example.com", wantAddr: "dana@example.com"},
		{name: "表示名付きはアドレスだけを保存", email: "Dana Cohen <dana@example.com>", wantAddr: "dana@example.com", wantName: "Dana Cohen"},
		{name: "指定された名前を優先", email: "Dana Cohen <dana@example.com>", custName: "Dana", wantAddr: "dana@example.com", wantName: "Dana"},
		{name: "前後の空白を除く", email: "  <dana@example.com> ", wantAddr: "dana@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			res, err := env.svc.TrackCartActivity(ctx, TrackParams{
				SessionID:     "s1",
				Stage:         "checkout",
				CustomerEmail: tt.email,
				CustomerName:  tt.custName,
			})
			require.NoError(t, err)

			cart, err := env.repo.Get(ctx, res.CartID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, cart.CustomerEmail)
			assert.Equal(t, tt.wantName, cart.CustomerName)
		})
	}
}

func TestTrackCartActivity_NewCartAfterRecovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.TrackCartActivity(ctx, TrackParams{SessionID: "s1", Stage: "payment"})
	require.NoError(t, err)
	_, err = env.svc.MarkCartRecovered(ctx, RecoverParams{CartRef: CartRef{CartID: first.CartID}, BookingID: "b1"})
	require.NoError(t, err)

	second, err := env.svc.TrackCartActivity(ctx, TrackParams{SessionID: "s1", Stage: "search"})
	require.NoError(t, err)
	assert.True(t, second.IsNew)
	assert.NotEqual(t, first.CartID, second.CartID)
}

func TestMarkCartAbandoned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ok, err := env.svc.MarkCartAbandoned(ctx, CartRef{SessionID: "unknown"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.svc.MarkCartAbandoned(ctx, CartRef{})
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := env.svc.TrackCartActivity(ctx, TrackParams{SessionID: "s1", Stage: "prebook"})
	require.NoError(t, err)

	ok, err = env.svc.MarkCartAbandoned(ctx, CartRef{CartID: res.CartID})
	require.NoError(t, err)
	assert.True(t, ok)
	firstAbandon := env.clock.Now()

	// 2回目は放棄日時を後ろにずらすだけ
	env.clock.Advance(10 * time.Minute)
	ok, err = env.svc.MarkCartAbandoned(ctx, CartRef{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, ok)

	cart, err := env.repo.Get(ctx, res.CartID)
	require.NoError(t, err)
	require.NotNil(t, cart.AbandonedAt)
	assert.True(t, cart.AbandonedAt.Equal(firstAbandon.Add(10*time.Minute)))
}

func TestMarkCartRecovered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	abandonedID := env.abandonedCart(t, "s-abandoned", "a@example.com")
	active, err := env.svc.TrackCartActivity(ctx, TrackParams{SessionID: "s-active", Stage: "payment"})
	require.NoError(t, err)

	tests := []struct {
		name             string
		ref              CartRef
		wantWasAbandoned bool
	}{
		{name: "放棄済みカートの回収", ref: CartRef{CartID: abandonedID}, wantWasAbandoned: true},
		{name: "放棄前の予約完了", ref: CartRef{SessionID: "s-active"}, wantWasAbandoned: false},
		{name: "存在しないセッション", ref: CartRef{SessionID: "s-none"}, wantWasAbandoned: false},
		{name: "存在しないカート", ref: CartRef{CartID: "missing"}, wantWasAbandoned: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.svc.MarkCartRecovered(ctx, RecoverParams{CartRef: tt.ref, BookingID: "b-" + tt.name})
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, tt.wantWasAbandoned, res.WasAbandoned)
		})
	}

	cart, err := env.repo.Get(ctx, active.CartID)
	require.NoError(t, err)
	assert.True(t, cart.Recovered)
	assert.NotNil(t, cart.RecoveredAt)
	assert.Equal(t, "b-放棄前の予約完了", cart.BookingID)

	// 回収済みのカートを再度回収しても予約IDは変わらない
	res, err := env.svc.MarkCartRecovered(ctx, RecoverParams{CartRef: CartRef{CartID: abandonedID}, BookingID: "b-other"})
	require.NoError(t, err)
	assert.True(t, res.WasAbandoned)
	cart, err = env.repo.Get(ctx, abandonedID)
	require.NoError(t, err)
	assert.Equal(t, "b-放棄済みカートの回収", cart.BookingID)
}
