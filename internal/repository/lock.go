package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CampaignLock は複数インスタンスでキャンペーンが同時実行されないようにするロックです
type CampaignLock interface {
	// Acquire はロックを取得します。取得できなかった場合はacquired=falseを返します
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// releaseScript は自分が取得したロックのみを削除します
// KEYS[1] = ロックキー
// ARGV[1] = 取得時のトークン
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCampaignLock はRedisのSET NXによるCampaignLockの実装です
type RedisCampaignLock struct {
	client *redis.Client
}

// NewRedisCampaignLock はRedisに接続するRedisCampaignLockを作成します
func NewRedisCampaignLock(addr, password string, db int) *RedisCampaignLock {
	return NewRedisCampaignLockFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewRedisCampaignLockFromClient は既存のクライアントからRedisCampaignLockを作成します
func NewRedisCampaignLockFromClient(client *redis.Client) *RedisCampaignLock {
	return &RedisCampaignLock{client: client}
}

func (l *RedisCampaignLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := fmt.Sprintf("lock:campaign:%s", name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock error: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// Close はRedisとの接続を閉じます
func (l *RedisCampaignLock) Close() error {
	return l.client.Close()
}

// NoopCampaignLock は常にロックを取得できるCampaignLockです
// Redisを使わない単一インスタンス構成で利用します
type NoopCampaignLock struct{}

func (NoopCampaignLock) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

var (
	_ CartRepository         = (*PostgresCartRepository)(nil)
	_ CartRepository         = (*MemoryCartRepository)(nil)
	_ NotificationRepository = (*NotificationRepositoryImpl)(nil)
	_ CampaignLock           = (*RedisCampaignLock)(nil)
	_ CampaignLock           = NoopCampaignLock{}
)
