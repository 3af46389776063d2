// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// タスクレジストリのバックエンド
const (
	TaskStoreRedis    = "redis"
	TaskStorePostgres = "postgres"
)

// ドキュメント本体の保存先
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// User はログイン可能なユーザーです。
type User struct {
	Name         string
	PasswordHash string // bcryptでハッシュ化されたパスワード
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	Users         []User // APP_USERS (name:bcrypt をカンマ区切り)
	SessionSecret string // セッション署名用の秘密鍵

	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // debug, info, warn, error

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// キュー/ワーカー設定
	QueueRedisURL            string // Asynq用Redis接続URL
	WorkerConcurrency        int    // 並列実行するワーカーループ数
	QueueMaxRetry            int    // 再配信の上限回数
	VisibilityTimeoutSeconds int    // 1回の処理に許す時間（超過で再配信）
	EmbedWorkers             bool   // APIプロセス内でワーカーも起動する

	// タスクレジストリ設定
	TaskStore             string // redis | postgres
	DatabaseURL           string // PostgreSQL接続文字列
	TaskRetentionMinutes  int    // 終端状態のタスクを保持する時間
	StaleTaskMinutes      int    // processing のまま更新がないタスクを回収するまでの時間
	ReaperIntervalSeconds int    // 回収処理の実行間隔
	ProgressIntervalMs    int    // 進捗書き込みの最小間隔
	SyncThresholdBytes    int64  // この合計サイズ以下の入力は同期実行する
	StatusCacheSize       int    // 終端状態のタスクをキャッシュする件数

	// ストレージ設定
	StorageBackend string // local | s3
	StorageDir     string // local 用の保存先ディレクトリ
	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3BucketPrefix string // バケット名の接頭辞（環境ごとの分離用）

	// 変換処理設定
	SofficePath           string // LibreOffice 実行ファイルのパス
	WorkDir               string // 変換時の作業ディレクトリ
	ConvertTimeoutSeconds int    // 1タスクあたりの変換処理の上限時間
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	users, err := parseUsers(getEnv("APP_USERS", ""))
	if err != nil {
		return nil, err
	}

	config := &Config{
		// アプリケーション設定
		Users:         users,
		SessionSecret: getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		// キュー/ワーカー設定
		QueueRedisURL:            getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency:        getEnvAsInt("WORKER_CONCURRENCY", 4),
		QueueMaxRetry:            getEnvAsInt("QUEUE_MAX_RETRY", 3),
		VisibilityTimeoutSeconds: getEnvAsInt("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 600),
		EmbedWorkers:             getEnvAsBool("EMBED_WORKERS", true),

		// タスクレジストリ設定
		TaskStore:             strings.ToLower(getEnv("TASK_STORE", TaskStoreRedis)),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		TaskRetentionMinutes:  getEnvAsInt("TASK_RETENTION_MINUTES", 24*60),
		StaleTaskMinutes:      getEnvAsInt("STALE_TASK_MINUTES", 15),
		ReaperIntervalSeconds: getEnvAsInt("REAPER_INTERVAL_SECONDS", 60),
		ProgressIntervalMs:    getEnvAsInt("PROGRESS_INTERVAL_MS", 500),
		SyncThresholdBytes:    getEnvAsInt64("SYNC_THRESHOLD_BYTES", 256*1024), // 256KB
		StatusCacheSize:       getEnvAsInt("STATUS_CACHE_SIZE", 1024),

		// ストレージ設定
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageLocal)),
		StorageDir:     getEnv("STORAGE_DIR", filepath.Join(os.TempDir(), "doc-forge", "blobs")),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
		S3BucketPrefix: getEnv("S3_BUCKET_PREFIX", ""),

		// 変換処理設定
		SofficePath:           getEnv("SOFFICE_PATH", "soffice"),
		WorkDir:               getEnv("WORK_DIR", filepath.Join(os.TempDir(), "doc-forge", "work")),
		ConvertTimeoutSeconds: getEnvAsInt("CONVERT_TIMEOUT_SECONDS", 300),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.TaskStore {
	case TaskStoreRedis:
	case TaskStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when TASK_STORE=postgres")
		}
	default:
		return fmt.Errorf("TASK_STORE must be redis or postgres (got %q)", c.TaskStore)
	}

	switch c.StorageBackend {
	case StorageLocal:
		if c.StorageDir == "" {
			return fmt.Errorf("STORAGE_DIR is required when STORAGE_BACKEND=local")
		}
	case StorageS3:
		if c.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be local or s3 (got %q)", c.StorageBackend)
	}

	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.QueueMaxRetry < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRY must not be negative")
	}
	// 可視性タイムアウト内に終わる処理が回収されないよう、回収閾値はそれより長くする
	if c.StaleTaskThreshold() <= c.VisibilityTimeout() {
		return fmt.Errorf("STALE_TASK_MINUTES must exceed QUEUE_VISIBILITY_TIMEOUT_SECONDS")
	}
	// 変換の上限がキューの期限より先に来ないと、時間切れが PROCESSING_TIMEOUT にならず再配信される
	if c.ConvertTimeoutSeconds <= 0 || c.ConvertTimeoutSeconds >= c.VisibilityTimeoutSeconds {
		return fmt.Errorf("CONVERT_TIMEOUT_SECONDS must be positive and below QUEUE_VISIBILITY_TIMEOUT_SECONDS")
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if len(c.Users) == 0 {
			return fmt.Errorf("APP_USERS is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.SofficePath == "" {
			return fmt.Errorf("SOFFICE_PATH is required in release mode")
		}
	}

	return nil
}

// VisibilityTimeout は1回の処理に許す時間です。
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// StaleTaskThreshold は processing のタスクを回収対象とみなすまでの時間です。
func (c *Config) StaleTaskThreshold() time.Duration {
	return time.Duration(c.StaleTaskMinutes) * time.Minute
}

// TaskRetention は終端状態のタスクを保持する時間です。
func (c *Config) TaskRetention() time.Duration {
	return time.Duration(c.TaskRetentionMinutes) * time.Minute
}

// ReaperInterval は回収処理の実行間隔です。
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

// ProgressInterval は進捗書き込みの最小間隔です。
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMs) * time.Millisecond
}

// ConvertTimeout は変換処理1回あたりの上限時間です。
func (c *Config) ConvertTimeout() time.Duration {
	return time.Duration(c.ConvertTimeoutSeconds) * time.Second
}

// parseUsers は "alice:$2a$...,bob:$2a$..." 形式を分解します。
// bcrypt ハッシュ自体に ':' は含まれないため最初の ':' で区切ります。
func parseUsers(raw string) ([]User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var users []User
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		hash = strings.TrimSpace(hash)
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("APP_USERS entry %q must be name:bcrypt-hash", entry)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("APP_USERS contains duplicate user %q", name)
		}
		seen[name] = struct{}{}
		users = append(users, User{Name: name, PasswordHash: hash})
	}
	return users, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
