package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

// StatsQuery は集計対象の放棄日時の範囲です。nilは無制限です
type StatsQuery struct {
	Since *time.Time
	Until *time.Time
}

// GetRecoveryStats は放棄カートの回収実績を集計します
func (s *Service) GetRecoveryStats(ctx context.Context, q StatsQuery) (model.RecoveryStats, error) {
	if q.Since != nil && q.Until != nil && q.Until.Before(*q.Since) {
		return model.RecoveryStats{}, fmt.Errorf("%w: until %v is before since %v", ErrInvalidQuery, *q.Until, *q.Since)
	}

	carts, err := s.carts.List(ctx, repository.CartFilter{
		AbandonedOnly: true,
		AbandonedFrom: q.Since,
		AbandonedTo:   q.Until,
	})
	if err != nil {
		return model.RecoveryStats{}, fmt.Errorf("failed to list carts for stats: %w", err)
	}

	return model.ComputeRecoveryStats(carts), nil
}
