// config.go

// Environment variable loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kanzleiportal/authcore/internal/auth"
	"github.com/kanzleiportal/authcore/internal/mail"
)

// Config holds all env configuration vars for the auth service.
// Built once at startup; the security parts are value objects handed to constructors.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// EncryptionMasterKey feeds fieldcrypt's PBKDF2 derivation. Required.
	EncryptionMasterKey string

	Token      auth.TokenConfig
	Argon2     auth.Argon2Params
	RateLimits auth.RateLimitPolicies

	// StoreTimeout bounds each Postgres/Redis call made while serving a request.
	StoreTimeout time.Duration

	// ProfileCacheTTL is how long a claim profile lives in Redis.
	ProfileCacheTTL time.Duration

	// SweepInterval is the period of the expired-refresh-token sweep.
	SweepInterval time.Duration

	// TOTPIssuer labels the account in authenticator apps.
	TOTPIssuer string

	// SMTP configuration for security notices. Empty Host disables sending.
	SMTP         mail.SMTPConfig
	MailQueueMax int64

	// Google sign-in. Disabled unless client ID and secret are both set.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Generic OIDC provider (e.g. DATEV). Disabled unless issuer and client ID are set.
	OIDCName         string
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables are missing or signing material is unusable.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.EncryptionMasterKey = os.Getenv("ENCRYPTION_MASTER_KEY")
	if len(cfg.EncryptionMasterKey) < 32 {
		return nil, fmt.Errorf("ENCRYPTION_MASTER_KEY is required and must be at least 32 characters")
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	token, err := loadTokenConfig()
	if err != nil {
		return nil, err
	}
	cfg.Token = token

	cfg.Argon2 = auth.Argon2Params{
		Time:      uint32(envInt("ARGON2_TIME", int(auth.DefaultArgon2Params.Time))),
		MemoryKiB: uint32(envInt("ARGON2_MEMORY_KIB", int(auth.DefaultArgon2Params.MemoryKiB))),
		Threads:   uint8(min(envInt("ARGON2_THREADS", int(auth.DefaultArgon2Params.Threads)), 255)),
		SaltLen:   auth.DefaultArgon2Params.SaltLen,
		KeyLen:    auth.DefaultArgon2Params.KeyLen,
	}

	// Rate limits. Invalid values fall back to the defaults so a misconfigured env
	// never silently disables admission control.
	def := auth.DefaultRateLimitPolicies()
	cfg.RateLimits = auth.RateLimitPolicies{
		auth.ClassLogin: {
			MaxAttempts: envInt("RATE_LOGIN_MAX", def[auth.ClassLogin].MaxAttempts),
			Window:      envDuration("RATE_LOGIN_WINDOW", def[auth.ClassLogin].Window),
		},
		auth.ClassDownload: {
			MaxAttempts: envInt("RATE_DOWNLOAD_MAX", def[auth.ClassDownload].MaxAttempts),
			Window:      envDuration("RATE_DOWNLOAD_WINDOW", def[auth.ClassDownload].Window),
		},
		auth.ClassAPI: {
			MaxAttempts: envInt("RATE_API_MAX", def[auth.ClassAPI].MaxAttempts),
			Window:      envDuration("RATE_API_WINDOW", def[auth.ClassAPI].Window),
		},
	}

	cfg.StoreTimeout = envDuration("STORE_TIMEOUT", 3*time.Second)
	cfg.ProfileCacheTTL = envDuration("PROFILE_CACHE_TTL", 15*time.Minute)
	cfg.SweepInterval = envDuration("REFRESH_SWEEP_INTERVAL", 10*time.Minute)

	cfg.TOTPIssuer = os.Getenv("TOTP_ISSUER")
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "Kanzleiportal"
	}

	cfg.SMTP = mail.SMTPConfig{
		Host:        os.Getenv("SMTP_HOST"),
		Port:        os.Getenv("SMTP_PORT"),
		Username:    os.Getenv("SMTP_USERNAME"),
		Password:    os.Getenv("SMTP_PASSWORD"),
		FromAddress: os.Getenv("SMTP_FROM"),
		SupportURL:  os.Getenv("SMTP_SUPPORT_URL"),
	}
	if cfg.SMTP.Port == "" {
		cfg.SMTP.Port = "587"
	}
	if cfg.SMTP.Host != "" && cfg.SMTP.FromAddress == "" {
		return nil, fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	cfg.MailQueueMax = int64(envInt("MAIL_QUEUE_MAX", int(mail.DefaultMaxQueueSize)))

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")

	cfg.OIDCName = os.Getenv("OIDC_NAME")
	if cfg.OIDCName == "" {
		cfg.OIDCName = "datev"
	}
	cfg.OIDCIssuerURL = os.Getenv("OIDC_ISSUER_URL")
	cfg.OIDCClientID = os.Getenv("OIDC_CLIENT_ID")
	cfg.OIDCClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
	cfg.OIDCRedirectURL = os.Getenv("OIDC_REDIRECT_URL")

	// Redirect URLs carry authorization codes; plain HTTP is not acceptable.
	for key, v := range map[string]string{
		"GOOGLE_REDIRECT_URL": cfg.GoogleRedirectURL,
		"OIDC_REDIRECT_URL":   cfg.OIDCRedirectURL,
	} {
		if v != "" && !strings.HasPrefix(v, "https://") {
			return nil, fmt.Errorf("%s must start with https://", key)
		}
	}

	return cfg, nil
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// OIDCEnabled reports whether the generic OIDC provider is configured.
func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuerURL != "" && c.OIDCClientID != ""
}

// loadTokenConfig picks HS256 when JWT_SECRET is set, otherwise RS256 from PEM files.
func loadTokenConfig() (auth.TokenConfig, error) {
	tc := auth.TokenConfig{
		Issuer:     os.Getenv("JWT_ISSUER"),
		Audience:   os.Getenv("JWT_AUDIENCE"),
		AccessTTL:  envDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTTL: envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
	}
	if tc.Issuer == "" {
		tc.Issuer = "kanzleiportal-auth"
	}
	if tc.Audience == "" {
		tc.Audience = "kanzleiportal"
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		if len(secret) < 32 {
			return tc, errors.New("JWT_SECRET must be at least 32 characters")
		}
		tc.Method = auth.MethodHS256
		tc.Secret = []byte(secret)
		return tc, nil
	}

	privPath, pubPath := os.Getenv("JWT_PRIVATE_KEY_FILE"), os.Getenv("JWT_PUBLIC_KEY_FILE")
	if privPath == "" || pubPath == "" {
		return tc, errors.New("JWT_SECRET or JWT_PRIVATE_KEY_FILE and JWT_PUBLIC_KEY_FILE are required")
	}
	priv, err := os.ReadFile(privPath)
	if err != nil {
		return tc, fmt.Errorf("reading JWT_PRIVATE_KEY_FILE: %w", err)
	}
	pub, err := os.ReadFile(pubPath)
	if err != nil {
		return tc, fmt.Errorf("reading JWT_PUBLIC_KEY_FILE: %w", err)
	}
	tc.Method = auth.MethodRS256
	tc.PrivateKeyPEM = priv
	tc.PublicKeyPEM = pub
	return tc, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
