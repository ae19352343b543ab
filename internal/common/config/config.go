package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/uma-arai/sbcntr-cart-recovery/internal/common/database"
)

// RedisConfig はキャンペーンロック用のRedis接続設定です
// Addrが空の場合はロックを使いません
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RecoveryConfig はカートリカバリーの設定です
type RecoveryConfig struct {
	BaseURL            string
	TokenSecret        string
	TokenTTL           time.Duration
	DefaultLocale      string
	Concurrency        int
	SendRatePerSecond  float64
	CampaignMaxAge     time.Duration
	DiscountPercentage int
	DiscountValidity   time.Duration
	// AbandonAfter はこの時間更新のないカートを放棄とみなします
	AbandonAfter time.Duration
	// LockTTL はキャンペーンロックの有効期間です
	// バッチの実行時間の上限より短い場合は上限に合わせて延長されます
	LockTTL time.Duration
}

type Config struct {
	DB  database.Config
	SFN struct {
		TaskToken string
	}
	Redis         RedisConfig
	Recovery      RecoveryConfig
	EnableTracing bool
	// Local はENV=LOCALで起動されたことを表します
	Local bool
}

// LoadConfig は設定を読み込みます
func LoadConfig(taskToken string) (*Config, error) {
	cfg := &Config{
		DB: database.Config{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvAsIntOrDefault("DB_PORT", 5432),
			UserName: getEnvOrDefault("DB_USERNAME", "sbcntrapp"),
			Password: getEnvOrDefault("DB_PASSWORD", "password"),
			DBName:   getEnvOrDefault("DB_NAME", "sbcntrapp"),
			SSLMode:  os.Getenv("DB_SSL_MODE"),
		},
		SFN: struct {
			TaskToken string
		}{
			TaskToken: taskToken,
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsIntOrDefault("REDIS_DB", 0),
		},
		Recovery: RecoveryConfig{
			BaseURL:            getEnvOrDefault("RECOVERY_BASE_URL", "http://localhost:3000"),
			TokenSecret:        os.Getenv("RECOVERY_TOKEN_SECRET"),
			TokenTTL:           getEnvAsDurationOrDefault("RECOVERY_TOKEN_TTL", 7*24*time.Hour),
			DefaultLocale:      getEnvOrDefault("RECOVERY_DEFAULT_LOCALE", "en"),
			Concurrency:        getEnvAsIntOrDefault("RECOVERY_CONCURRENCY", 4),
			SendRatePerSecond:  getEnvAsFloatOrDefault("RECOVERY_SEND_RATE", 0),
			CampaignMaxAge:     getEnvAsDurationOrDefault("RECOVERY_CAMPAIGN_MAX_AGE", 96*time.Hour),
			DiscountPercentage: getEnvAsIntOrDefault("RECOVERY_DISCOUNT_PERCENTAGE", 10),
			DiscountValidity:   getEnvAsDurationOrDefault("RECOVERY_DISCOUNT_VALIDITY", 48*time.Hour),
			AbandonAfter:       getEnvAsDurationOrDefault("RECOVERY_ABANDON_AFTER", 30*time.Minute),
			LockTTL:            getEnvAsDurationOrDefault("RECOVERY_LOCK_TTL", 10*time.Minute),
		},
		Local:         os.Getenv("ENV") == "LOCAL",
		EnableTracing: false,
	}

	// ローカル以外では署名鍵の指定を必須にする
	if cfg.Recovery.TokenSecret == "" {
		if !cfg.Local {
			return nil, fmt.Errorf("RECOVERY_TOKEN_SECRET is required")
		}
		cfg.Recovery.TokenSecret = "local-recovery-secret"
	}
	if cfg.Recovery.AbandonAfter <= 0 {
		return nil, fmt.Errorf("RECOVERY_ABANDON_AFTER must be positive: %v", cfg.Recovery.AbandonAfter)
	}

	// 環境変数[SBCNTR_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := os.Getenv("SBCNTR_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	log.Printf("Environment variable %s is not set, using default value", key)
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("Environment variable %s is not an integer, using default value", key)
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Environment variable %s is not a number, using default value", key)
	}
	return defaultValue
}

// getEnvAsDurationOrDefault は "90m" や "72h" 形式の値を読み込みます
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Environment variable %s is not a duration, using default value", key)
	}
	return defaultValue
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}
