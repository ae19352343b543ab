package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

var testSecret = []byte("test-recovery-secret-0123456789abcdef")

// fakeClock はテスト用の進められる時計です
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureSender は送信されたメールを記録するEmailSenderです
type captureSender struct {
	mu     sync.Mutex
	emails []model.RecoveryEmail
	// failFor に含まれる宛先への送信は失敗させます
	failFor map[string]bool
}

func (s *captureSender) SendRecoveryEmail(_ context.Context, email model.RecoveryEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[email.To] {
		return errors.New("smtp unavailable")
	}
	s.emails = append(s.emails, email)
	return nil
}

func (s *captureSender) sent() []model.RecoveryEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RecoveryEmail{}, s.emails...)
}

type testEnv struct {
	svc    *Service
	repo   *repository.MemoryCartRepository
	clock  *fakeClock
	sender *captureSender
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := Config{
		BaseURL:     "https://hotel.example.com",
		TokenSecret: testSecret,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	env := &testEnv{
		repo:   repository.NewMemoryCartRepository(),
		clock:  newFakeClock(),
		sender: &captureSender{failFor: map[string]bool{}},
	}
	svc, err := NewService(env.repo, env.sender, cfg, WithClock(env.clock.Now))
	require.NoError(t, err)
	env.svc = svc
	return env
}

// abandonedCart は放棄済みのカートを作成し、カートIDを返します
func (e *testEnv) abandonedCart(t *testing.T, sessionID, email string) string {
	t.Helper()
	ctx := context.Background()

	res, err := e.svc.TrackCartActivity(ctx, TrackParams{
		SessionID:     sessionID,
		CustomerEmail: email,
		CustomerName:  "Dana",
		HotelID:       "h1",
		HotelName:     "Sea Breeze",
		CheckIn:       "2026-02-10",
		CheckOut:      "2026-02-12",
		Guests:        2,
		TotalPrice:    500,
		Currency:      "USD",
		Stage:         "checkout",
	})
	require.NoError(t, err)

	ok, err := e.svc.MarkCartAbandoned(ctx, CartRef{CartID: res.CartID})
	require.NoError(t, err)
	require.True(t, ok)
	return res.CartID
}
