package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
)

// CartFilter はカート一覧の絞り込み条件です
type CartFilter struct {
	// AbandonedOnly は放棄済みのカートのみを対象にします。結果は放棄日時の新しい順になります
	AbandonedOnly bool
	// ExcludeRecovered は回収済みのカートを除外します
	ExcludeRecovered bool
	// AbandonedFrom, AbandonedTo は放棄日時の範囲です(両端を含む)
	AbandonedFrom *time.Time
	AbandonedTo   *time.Time
	Stage         model.Stage
	HasEmail      bool
	Limit         int
}

// CartRepository はカートの永続化を担当するインターフェースです
// セッションごとに未回収のカートは高々1件であることを保証します
type CartRepository interface {
	// UpsertActivity はセッションの未回収カートにアクティビティを反映し、なければ作成します
	UpsertActivity(ctx context.Context, activity model.CartActivity, now time.Time) (cartID string, created bool, err error)
	Get(ctx context.Context, cartID string) (*model.Cart, error)
	FindActiveBySession(ctx context.Context, sessionID string) (*model.Cart, error)
	MarkAbandoned(ctx context.Context, cartID string, at time.Time) error
	MarkRecovered(ctx context.Context, cartID, bookingID string, at time.Time) error
	AppendAttempt(ctx context.Context, attempt model.RecoveryAttempt) error
	List(ctx context.Context, filter CartFilter) ([]model.Cart, error)
	// ListInactive は指定時刻より前から更新がなく、放棄も回収もされていないカートを取得します
	ListInactive(ctx context.Context, before time.Time, limit int) ([]model.Cart, error)
}

const cartColumns = `
	cart_id, session_id, user_id, customer_email, customer_name,
	hotel_id, hotel_name, room_code, room_type, check_in, check_out,
	guests, total_price, currency, stage,
	created_at, updated_at, abandoned_at, recovered_at, recovered, booking_id,
	source, device, referrer, locale`

// PostgresCartRepository はCartRepositoryのPostgres実装です
type PostgresCartRepository struct {
	db *DB
}

// NewPostgresCartRepository は新しいPostgresCartRepositoryを作成します
func NewPostgresCartRepository(db *DB) *PostgresCartRepository {
	return &PostgresCartRepository{db: db}
}

// UpsertActivity はsession_idの部分ユニークインデックスを使って1文でupsertします
// 同一セッションへの同時呼び出しは後勝ちになります
func (r *PostgresCartRepository) UpsertActivity(ctx context.Context, a model.CartActivity, now time.Time) (string, bool, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "CartRepository.UpsertActivity")
	defer seg.Close(nil)

	query := `
		INSERT INTO carts (
			cart_id, session_id, user_id, customer_email, customer_name,
			hotel_id, hotel_name, room_code, room_type, check_in, check_out,
			guests, total_price, currency, stage,
			source, device, referrer, locale, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $20
		)
		ON CONFLICT (session_id) WHERE recovered = FALSE DO UPDATE SET
			hotel_id = EXCLUDED.hotel_id,
			hotel_name = EXCLUDED.hotel_name,
			room_code = EXCLUDED.room_code,
			room_type = EXCLUDED.room_type,
			check_in = EXCLUDED.check_in,
			check_out = EXCLUDED.check_out,
			guests = EXCLUDED.guests,
			total_price = EXCLUDED.total_price,
			currency = EXCLUDED.currency,
			stage = EXCLUDED.stage,
			user_id = COALESCE(NULLIF(EXCLUDED.user_id, ''), carts.user_id),
			customer_email = COALESCE(NULLIF(EXCLUDED.customer_email, ''), carts.customer_email),
			customer_name = COALESCE(NULLIF(EXCLUDED.customer_name, ''), carts.customer_name),
			source = COALESCE(NULLIF(EXCLUDED.source, ''), carts.source),
			device = COALESCE(NULLIF(EXCLUDED.device, ''), carts.device),
			referrer = COALESCE(NULLIF(EXCLUDED.referrer, ''), carts.referrer),
			locale = COALESCE(NULLIF(EXCLUDED.locale, ''), carts.locale),
			updated_at = EXCLUDED.updated_at
		RETURNING cart_id, (xmax = 0) AS inserted`

	var (
		cartID   string
		inserted bool
	)
	err := r.db.QueryRowxContext(ctx, query,
		a.CartID,
		a.SessionID,
		a.UserID,
		a.CustomerEmail,
		a.CustomerName,
		a.HotelID,
		a.HotelName,
		a.RoomCode,
		a.RoomType,
		a.CheckIn,
		a.CheckOut,
		a.Guests,
		a.TotalPrice,
		a.Currency,
		a.Stage,
		a.Source,
		a.Device,
		a.Referrer,
		a.Locale,
		now,
	).Scan(&cartID, &inserted)
	if err != nil {
		seg.Close(err)
		return "", false, fmt.Errorf("failed to upsert cart for session %s: %w", a.SessionID, err)
	}

	return cartID, inserted, nil
}

// Get はカートIDでカートを取得します
func (r *PostgresCartRepository) Get(ctx context.Context, cartID string) (*model.Cart, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "CartRepository.Get")
	defer seg.Close(nil)

	query := `SELECT ` + cartColumns + ` FROM carts WHERE cart_id = $1`
	return r.getOne(ctx, seg, query, cartID)
}

// FindActiveBySession はセッションの未回収カートを取得します
func (r *PostgresCartRepository) FindActiveBySession(ctx context.Context, sessionID string) (*model.Cart, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "CartRepository.FindActiveBySession")
	defer seg.Close(nil)

	query := `SELECT ` + cartColumns + `
		FROM carts
		WHERE session_id = $1
		AND recovered = FALSE
		ORDER BY created_at ASC
		LIMIT 1`
	return r.getOne(ctx, seg, query, sessionID)
}

func (r *PostgresCartRepository) getOne(ctx context.Context, seg *xray.Segment, query string, arg string) (*model.Cart, error) {
	var cart model.Cart
	if err := r.db.GetContext(ctx, &cart, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	carts := []model.Cart{cart}
	if err := r.loadAttempts(ctx, carts); err != nil {
		seg.Close(err)
		return nil, err
	}

	return &carts[0], nil
}

// MarkAbandoned は放棄日時を設定します
func (r *PostgresCartRepository) MarkAbandoned(ctx context.Context, cartID string, at time.Time) error {
	ctx, seg := xray.BeginSubsegment(ctx, "CartRepository.MarkAbandoned")
	defer seg.Close(nil)

	query := `
		UPDATE carts
		SET abandoned_at = $1
		WHERE cart_id = $2`

	return r.execOne(ctx, seg, query, at, cartID)
}

// MarkRecovered はカートを回収済みにします
func (r *PostgresCartRepository) MarkRecovered(ctx context.Context, cartID, bookingID string, at time.Time) error {
	ctx, seg := xray.BeginSubsegment(ctx, "CartRepository.MarkRecovered")
	defer seg.Close(nil)

	query := `
		UPDATE carts
		SET recovered = TRUE,
			recovered_at = $1,
			booking_id = $2
		WHERE cart_id = $3`

	return r.execOne(ctx, seg, query, at, bookingID, cartID)
}

func (r *PostgresCartRepository) execOne(ctx context.Context, seg *xray.Segment, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to update cart: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// AppendAttempt はリカバリー試行を追記します
func (r *PostgresCartRepository) AppendAttempt(ctx context.Context, attempt model.RecoveryAttempt) error {
	ctx, seg := xray.BeginSubsegment(ctx, "CartRepository.AppendAttempt")
	defer seg.Close(nil)

	query := `
		INSERT INTO cart_recovery_attempts (
			attempt_id, cart_id, type, template, sent_at,
			discount_code, discount_percentage, discount_expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	var (
		code       sql.NullString
		percentage sql.NullInt64
		expiresAt  sql.NullTime
	)
	if d := attempt.Discount; d != nil {
		code = sql.NullString{String: d.Code, Valid: true}
		percentage = sql.NullInt64{Int64: int64(d.Percentage), Valid: true}
		expiresAt = sql.NullTime{Time: d.ExpiresAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		attempt.AttemptID,
		attempt.CartID,
		attempt.Type,
		attempt.Template,
		attempt.SentAt,
		code,
		percentage,
		expiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			// foreign_key_violation: カートが存在しない
			return ErrNotFound
		}
		seg.Close(err)
		return fmt.Errorf("failed to insert recovery attempt for cart %s: %w", attempt.CartID, err)
	}

	return nil
}

// List は条件に合うカートを取得します
func (r *PostgresCartRepository) List(ctx context.Context, filter CartFilter) ([]model.Cart, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "CartRepository.List")
	defer seg.Close(nil)

	var (
		conds []string
		args  []interface{}
	)
	addCond := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.AbandonedOnly {
		conds = append(conds, "abandoned_at IS NOT NULL")
	}
	if filter.ExcludeRecovered {
		conds = append(conds, "recovered = FALSE")
	}
	if filter.AbandonedFrom != nil {
		addCond("abandoned_at >= $%d", *filter.AbandonedFrom)
	}
	if filter.AbandonedTo != nil {
		addCond("abandoned_at <= $%d", *filter.AbandonedTo)
	}
	if filter.Stage != "" {
		addCond("stage = $%d", filter.Stage)
	}
	if filter.HasEmail {
		conds = append(conds, "customer_email <> ''")
	}

	query := `SELECT ` + cartColumns + ` FROM carts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if filter.AbandonedOnly {
		query += " ORDER BY abandoned_at DESC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	carts := []model.Cart{}
	if err := r.db.SelectContext(ctx, &carts, query, args...); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to list carts: %w", err)
	}

	if err := r.loadAttempts(ctx, carts); err != nil {
		seg.Close(err)
		return nil, err
	}

	return carts, nil
}

// ListInactive は放棄判定の対象となる更新のないカートを取得します
func (r *PostgresCartRepository) ListInactive(ctx context.Context, before time.Time, limit int) ([]model.Cart, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "CartRepository.ListInactive")
	defer seg.Close(nil)

	query := `SELECT ` + cartColumns + `
		FROM carts
		WHERE abandoned_at IS NULL
		AND recovered = FALSE
		AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`

	carts := []model.Cart{}
	if err := r.db.SelectContext(ctx, &carts, query, before, limit); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to list inactive carts: %w", err)
	}

	return carts, nil
}

type attemptRow struct {
	model.RecoveryAttempt
	DiscountCode       sql.NullString `db:"discount_code"`
	DiscountPercentage sql.NullInt64  `db:"discount_percentage"`
	DiscountExpiresAt  sql.NullTime   `db:"discount_expires_at"`
}

// loadAttempts はカートのリカバリー試行をまとめて取得します
// N+1とならないようにカートIDの配列で1回だけ問い合わせます
func (r *PostgresCartRepository) loadAttempts(ctx context.Context, carts []model.Cart) error {
	if len(carts) == 0 {
		return nil
	}

	ids := make([]string, len(carts))
	index := make(map[string]int, len(carts))
	for i, c := range carts {
		ids[i] = c.CartID
		index[c.CartID] = i
		carts[i].RecoveryAttempts = []model.RecoveryAttempt{}
	}

	query := `
		SELECT
			attempt_id, cart_id, type, template, sent_at,
			opened, clicked, converted,
			discount_code, discount_percentage, discount_expires_at
		FROM cart_recovery_attempts
		WHERE cart_id = ANY($1)
		ORDER BY sent_at ASC`

	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load recovery attempts: %w", err)
	}

	for _, row := range rows {
		attempt := row.RecoveryAttempt
		if row.DiscountCode.Valid {
			attempt.Discount = &model.Discount{
				Code:       row.DiscountCode.String,
				Percentage: int(row.DiscountPercentage.Int64),
				ExpiresAt:  row.DiscountExpiresAt.Time,
			}
		}
		i := index[attempt.CartID]
		carts[i].RecoveryAttempts = append(carts[i].RecoveryAttempts, attempt)
	}

	return nil
}
