package recovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"github.com/uma-arai/sbcntr-cart-recovery/internal/repository"
)

// ErrInvalidToken はリカバリートークンが不正または期限切れであることを表します
var ErrInvalidToken = errors.New("invalid recovery token")

const tokenIssuerName = "sbcntr-cart-recovery"

// recoveryClaims はリカバリートークンのクレームです
type recoveryClaims struct {
	CartID string `json:"cart_id"`
	jwt.RegisteredClaims
}

// tokenIssuer はHS256で署名したリカバリートークンを発行・検証します
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func (t *tokenIssuer) issue(cartID string) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := recoveryClaims{
		CartID: cartID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuerName,
			Subject:   cartID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign recovery token: %w", err)
	}
	return signed, exp, nil
}

func (t *tokenIssuer) parse(token string) (*recoveryClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &recoveryClaims{}, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*recoveryClaims)
	if !ok || !parsed.Valid || claims.CartID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GetRecoveryLink はカートを再開するためのURLを発行します
// 存在しないカートに対する呼び出しは呼び出し側の誤りとしてErrCartNotFoundを返します
func (s *Service) GetRecoveryLink(ctx context.Context, cartID string) (string, error) {
	cart, err := s.carts.Get(ctx, cartID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrCartNotFound, cartID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cart %s: %w", cartID, err)
	}

	return s.recoveryLink(cart.CartID)
}

func (s *Service) recoveryLink(cartID string) (string, error) {
	token, _, err := s.tokens.issue(cartID)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid recovery base url %q: %w", s.cfg.BaseURL, err)
	}
	u.Path = path.Join("/", u.Path, "recover")
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ParseRecoveryToken は署名と有効期限を検証し、トークンが指すカートIDを返します
func (s *Service) ParseRecoveryToken(token string) (cartID string, expiresAt time.Time, err error) {
	claims, err := s.tokens.parse(token)
	if err != nil {
		return "", time.Time{}, err
	}
	return claims.CartID, claims.ExpiresAt.Time, nil
}

// ResolveRecoveryLink はトークンを検証し、予約ファネルを復元するためのカートを返します
func (s *Service) ResolveRecoveryLink(ctx context.Context, token string) (*model.Cart, error) {
	cartID, _, err := s.ParseRecoveryToken(token)
	if err != nil {
		return nil, err
	}

	cart, err := s.carts.Get(ctx, cartID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCartNotFound, cartID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart %s: %w", cartID, err)
	}
	return cart, nil
}
