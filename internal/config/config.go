package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port              string
	Env               string
	DatabaseDSN       string
	SupabaseURL       string
	SupabaseKey       string
	SupabaseJWTSecret string
	OAuthRedirectURL  string
	RAGBaseURL        string
	StorageBucket     string
	RAGTimeoutSeconds int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func Load() Config {
	port := getenv("APP_PORT", "3001")
	env := getenv("APP_ENV", "dev")
	dsn := getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=ragrelay port=5432 sslmode=disable TimeZone=UTC")
	supaURL := getenv("SUPABASE_URL", "")
	supaKey := getenv("SUPABASE_KEY", "")
	jwtSecret := getenv("SUPABASE_JWT_SECRET", "dev-secret-change-me")
	redirect := getenv("SUPABASE_OAUTH_REDIRECT", getenv("FRONTEND_URL", ""))
	ragBase := getenv("RAG_BASE_URL", "")
	bucket := getenv("STORAGE_BUCKET", "chat_vectors")
	timeoutStr := getenv("RAG_TIMEOUT_SECONDS", "30")
	timeout, err := strconv.Atoi(timeoutStr)
	if err != nil || timeout <= 0 {
		timeout = 30
	}
	return Config{
		Port:              port,
		Env:               env,
		DatabaseDSN:       dsn,
		SupabaseURL:       supaURL,
		SupabaseKey:       supaKey,
		SupabaseJWTSecret: jwtSecret,
		OAuthRedirectURL:  redirect,
		RAGBaseURL:        ragBase,
		StorageBucket:     bucket,
		RAGTimeoutSeconds: timeout,
	}
}

// Validate 启动前做一次配置合法性检查，dev 环境允许使用占位密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	if cfg.SupabaseURL == "" {
		return errors.New("supabase url is required")
	}
	if cfg.RAGBaseURL == "" {
		return errors.New("rag base url is required")
	}
	if cfg.Env != "dev" && cfg.SupabaseJWTSecret == "dev-secret-change-me" {
		return errors.New("default jwt secret is not allowed outside dev")
	}
	return nil
}
