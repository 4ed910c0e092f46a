// Package config は環境変数ベースのアプリケーション設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// 外部コラボレーター
	AnalyzerURL  string
	PublisherURL string

	// Dispatch
	DispatchInterval      time.Duration
	DispatchMaxConcurrent int
	RetryLimit            int
	AnalyzeTimeout        time.Duration
	PublishTimeout        time.Duration
	PublishRateInterval   time.Duration

	// ReleaseQuotaOnPublishFailure は投稿失敗時に消費済みクォータ枠を返却するか。
	// デフォルトはfalse（失敗は投稿ステップに起因するため枠は消費済みとする）。
	ReleaseQuotaOnPublishFailure bool

	// Matching
	DefaultCategory string // 空の場合はカテゴリフォールバックを無効化する

	// Analysis Cache
	AnalysisCacheTTL time.Duration

	// 受け入れ可能な動画ファイル
	MaxFileSizeMB         int
	MinFileSizeMB         int
	SupportedVideoFormats []string

	// Cleanup
	RetentionDays   int
	CleanupInterval time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envが存在する場合は先に読み込む（既存の環境変数が優先）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	// .envは開発用。存在しなくてもエラーにしない。
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AnalyzerURL = os.Getenv("ANALYZER_URL")
	if cfg.AnalyzerURL == "" {
		missing = append(missing, "ANALYZER_URL")
	}

	cfg.PublisherURL = os.Getenv("PUBLISHER_URL")
	if cfg.PublisherURL == "" {
		missing = append(missing, "PUBLISHER_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DispatchInterval = getEnvDuration("DISPATCH_INTERVAL", 30*time.Second)
	cfg.DispatchMaxConcurrent = getEnvInt("DISPATCH_MAX_CONCURRENT", 4)
	cfg.RetryLimit = getEnvInt("RETRY_LIMIT", 3)
	cfg.AnalyzeTimeout = getEnvDuration("ANALYZE_TIMEOUT", 60*time.Second)
	cfg.PublishTimeout = getEnvDuration("PUBLISH_TIMEOUT", 120*time.Second)
	cfg.PublishRateInterval = getEnvDuration("PUBLISH_RATE_INTERVAL", 5*time.Second)
	cfg.ReleaseQuotaOnPublishFailure = getEnvBool("RELEASE_QUOTA_ON_PUBLISH_FAILURE", false)
	cfg.DefaultCategory = getEnvString("DEFAULT_CATEGORY", "general")
	cfg.AnalysisCacheTTL = getEnvDuration("ANALYSIS_CACHE_TTL", 7*24*time.Hour)
	cfg.MaxFileSizeMB = getEnvInt("MAX_FILE_SIZE_MB", 150)
	cfg.MinFileSizeMB = getEnvInt("MIN_FILE_SIZE_MB", 10)
	cfg.SupportedVideoFormats = getEnvStringSlice("SUPPORTED_VIDEO_FORMATS", []string{"mp4", "avi", "mov", "mkv"})
	// 0は終端キュー行を無期限に保持する（監査証跡）。正の値で超過分の削除を有効化する。
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 0)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// IsSupportedVideoFile はファイル名が対応形式の拡張子を持つかを返す。
func (c *Config) IsSupportedVideoFile(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range c.SupportedVideoFormats {
		if strings.HasSuffix(lower, "."+ext) {
			return true
		}
	}
	return false
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
