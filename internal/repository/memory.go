package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
)

// MemoryCartRepository はプロセス内で完結するCartRepositoryの実装です
// ローカル実行とテストで利用します。プロセス間では共有されません
type MemoryCartRepository struct {
	mu       sync.RWMutex
	carts    map[string]*model.Cart
	sessions map[string]string // session_id -> 未回収のcart_id
}

// NewMemoryCartRepository は新しいMemoryCartRepositoryを作成します
func NewMemoryCartRepository() *MemoryCartRepository {
	return &MemoryCartRepository{
		carts:    make(map[string]*model.Cart),
		sessions: make(map[string]string),
	}
}

func (r *MemoryCartRepository) UpsertActivity(_ context.Context, a model.CartActivity, now time.Time) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.sessions[a.SessionID]; ok {
		cart := r.carts[id]
		cart.Apply(a, now)
		return id, false, nil
	}

	cart := model.NewCart(a, now)
	r.carts[cart.CartID] = cart
	r.sessions[cart.SessionID] = cart.CartID
	return cart.CartID, true, nil
}

func (r *MemoryCartRepository) Get(_ context.Context, cartID string) (*model.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cart, ok := r.carts[cartID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCart(cart), nil
}

func (r *MemoryCartRepository) FindActiveBySession(_ context.Context, sessionID string) (*model.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCart(r.carts[id]), nil
}

func (r *MemoryCartRepository) MarkAbandoned(_ context.Context, cartID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[cartID]
	if !ok {
		return ErrNotFound
	}
	cart.AbandonedAt = &at
	return nil
}

func (r *MemoryCartRepository) MarkRecovered(_ context.Context, cartID, bookingID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[cartID]
	if !ok {
		return ErrNotFound
	}
	cart.Recovered = true
	cart.RecoveredAt = &at
	cart.BookingID = bookingID
	if r.sessions[cart.SessionID] == cartID {
		delete(r.sessions, cart.SessionID)
	}
	return nil
}

func (r *MemoryCartRepository) AppendAttempt(_ context.Context, attempt model.RecoveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[attempt.CartID]
	if !ok {
		return ErrNotFound
	}
	cart.RecoveryAttempts = append(cart.RecoveryAttempts, attempt)
	return nil
}

func (r *MemoryCartRepository) List(_ context.Context, filter CartFilter) ([]model.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	carts := []model.Cart{}
	for _, c := range r.carts {
		if !matches(c, filter) {
			continue
		}
		carts = append(carts, *cloneCart(c))
	}

	sort.Slice(carts, func(i, j int) bool {
		if filter.AbandonedOnly {
			return carts[i].AbandonedAt.After(*carts[j].AbandonedAt)
		}
		return carts[i].CreatedAt.After(carts[j].CreatedAt)
	})

	if filter.Limit > 0 && len(carts) > filter.Limit {
		carts = carts[:filter.Limit]
	}
	return carts, nil
}

func (r *MemoryCartRepository) ListInactive(_ context.Context, before time.Time, limit int) ([]model.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	carts := []model.Cart{}
	for _, c := range r.carts {
		if c.AbandonedAt != nil || c.Recovered || !c.UpdatedAt.Before(before) {
			continue
		}
		carts = append(carts, *cloneCart(c))
	}

	sort.Slice(carts, func(i, j int) bool {
		return carts[i].UpdatedAt.Before(carts[j].UpdatedAt)
	})

	if limit > 0 && len(carts) > limit {
		carts = carts[:limit]
	}
	return carts, nil
}

func matches(c *model.Cart, f CartFilter) bool {
	if f.AbandonedOnly && c.AbandonedAt == nil {
		return false
	}
	if f.ExcludeRecovered && c.Recovered {
		return false
	}
	if f.AbandonedFrom != nil && (c.AbandonedAt == nil || c.AbandonedAt.Before(*f.AbandonedFrom)) {
		return false
	}
	if f.AbandonedTo != nil && (c.AbandonedAt == nil || c.AbandonedAt.After(*f.AbandonedTo)) {
		return false
	}
	if f.Stage != "" && c.Stage != f.Stage {
		return false
	}
	if f.HasEmail && c.CustomerEmail == "" {
		return false
	}
	return true
}

func cloneCart(c *model.Cart) *model.Cart {
	out := *c
	out.RecoveryAttempts = append([]model.RecoveryAttempt{}, c.RecoveryAttempts...)
	return &out
}
