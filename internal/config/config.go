package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Google struct {
		ClientID         string
		ClientSecret     string
		IssuerURL        string
		TokenURL         string
		CalendarEndpoint string
	}

	Webhook struct {
		URL   string
		Async bool
	}

	Sync struct {
		LeaseTTL time.Duration
	}

	Renewal struct {
		Lookahead time.Duration
		Interval  time.Duration
	}

	Dispatch struct {
		RedisAddr string
		Queue     string
	}

	TokenEncryptionKey string
	PrometheusEnabled  bool
	TrustedProxies     []string
}

func Load() (*Config, error) {
	// Populate the environment from .env when present; real env wins.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")
	cfg.Google.IssuerURL = getenvDefault("APP_GOOGLE_ISSUER_URL", "https://accounts.google.com")
	cfg.Google.TokenURL = getenvDefault("APP_GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token")
	cfg.Google.CalendarEndpoint = os.Getenv("APP_GOOGLE_CALENDAR_ENDPOINT")

	cfg.Webhook.URL = os.Getenv("APP_WEBHOOK_URL")
	cfg.Webhook.Async = getenvBool("APP_WEBHOOK_ASYNC", false)

	var err error
	if cfg.Sync.LeaseTTL, err = getenvDuration("APP_SYNC_LEASE_TTL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Renewal.Lookahead, err = getenvDuration("APP_RENEWAL_LOOKAHEAD", 48*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Renewal.Interval, err = getenvDuration("APP_RENEWAL_INTERVAL", 0); err != nil {
		return nil, err
	}

	cfg.Dispatch.RedisAddr = os.Getenv("APP_DISPATCH_REDIS_ADDR")
	cfg.Dispatch.Queue = getenvDefault("APP_DISPATCH_QUEUE", "default")

	cfg.TokenEncryptionKey = os.Getenv("APP_TOKEN_ENCRYPTION_KEY")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, errors.New("APP_GOOGLE_CLIENT_ID and APP_GOOGLE_CLIENT_SECRET are required")
	}
	if cfg.Webhook.URL == "" {
		return nil, errors.New("APP_WEBHOOK_URL is required (the address the provider pushes notifications to)")
	}
	if cfg.TokenEncryptionKey == "" {
		return nil, errors.New("APP_TOKEN_ENCRYPTION_KEY is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 48h): %w", key, err)
	}
	return d, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
