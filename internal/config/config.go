// Package config loads the identity core's configuration from the
// environment, following the reference LoadConfigFromEnv pattern: required
// fields fail fast with a descriptive error, optional fields fall back to
// sane defaults.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string

	Issuer   string
	Audience string

	SigningKeyPath string
	SigningKeyID   string

	AccessTokenTTL  time.Duration
	SessionTTL      time.Duration
	RefreshTTL      time.Duration
	OAuthCodeTTL    time.Duration
	OAuthApprovalTTL time.Duration

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	GitHub GitHubConfig

	SiteURL               string
	ResetPasswordPath     string
	VerifyEmailPath       string
	CloudflareIntegration bool
	RateLimitIgnoreKey    string

	AdminEmails []string
}

type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	DeviceURL    string
	TokenURL     string
	UserURL      string
	EmailsURL    string
}

const (
	defaultListenAddr       = ":8089"
	defaultAccessTTL        = time.Hour
	defaultSessionTTL       = 30 * 24 * time.Hour
	defaultRefreshTTL       = 90 * 24 * time.Hour
	defaultOAuthCodeTTL     = 10 * time.Minute
	defaultOAuthApprovalTTL = 30 * time.Minute
	defaultGitHubDevice     = "https://github.com/login/device/code"
	defaultGitHubToken      = "https://github.com/login/oauth/access_token"
	defaultGitHubUser       = "https://api.github.com/user"
	defaultGitHubEmails     = "https://api.github.com/user/emails"
)

// LoadFromEnv reads every PYLON_* (and the third-party-prefixed) variable
// the core depends on, returning a descriptive error for the first missing
// required field.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:       getEnvDefault("PYLON_LISTEN_ADDR", defaultListenAddr),
		Issuer:           strings.TrimSpace(os.Getenv("PYLON_ISSUER")),
		Audience:         strings.TrimSpace(os.Getenv("PYLON_AUDIENCE")),
		SigningKeyPath:   strings.TrimSpace(os.Getenv("PYLON_SIGNING_KEY_FILE")),
		SigningKeyID:     strings.TrimSpace(os.Getenv("PYLON_SIGNING_KEY_ID")),
		AccessTokenTTL:   defaultAccessTTL,
		SessionTTL:       defaultSessionTTL,
		RefreshTTL:       defaultRefreshTTL,
		OAuthCodeTTL:     defaultOAuthCodeTTL,
		OAuthApprovalTTL: defaultOAuthApprovalTTL,
		GitHub: GitHubConfig{
			ClientID:     strings.TrimSpace(os.Getenv("PYLON_GITHUB_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("PYLON_GITHUB_CLIENT_SECRET")),
			DeviceURL:    getEnvDefault("PYLON_GITHUB_DEVICE_URL", defaultGitHubDevice),
			TokenURL:     getEnvDefault("PYLON_GITHUB_TOKEN_URL", defaultGitHubToken),
			UserURL:      getEnvDefault("PYLON_GITHUB_USER_URL", defaultGitHubUser),
			EmailsURL:    getEnvDefault("PYLON_GITHUB_EMAILS_URL", defaultGitHubEmails),
		},
		SiteURL:           strings.TrimSpace(os.Getenv("PYLON_SITE_URL")),
		ResetPasswordPath: getEnvDefault("PYLON_RESET_PASSWORD_PATH", "/auth/reset-password"),
		VerifyEmailPath:   getEnvDefault("PYLON_VERIFY_EMAIL_PATH", "/auth/verify-email"),
		RateLimitIgnoreKey: strings.TrimSpace(os.Getenv("PYLON_RATE_LIMIT_IGNORE_KEY")),
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("PYLON_DATABASE_URL"))
	cfg.RedisAddr = getEnvDefault("PYLON_REDIS_ADDR", "localhost:6379")

	if dbStr := strings.TrimSpace(os.Getenv("PYLON_REDIS_DB")); dbStr != "" {
		n, err := strconv.Atoi(dbStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PYLON_REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}

	if v := strings.TrimSpace(os.Getenv("PYLON_CLOUDFLARE_INTEGRATION")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PYLON_CLOUDFLARE_INTEGRATION: %w", err)
		}
		cfg.CloudflareIntegration = b
	}

	if err := parseDurationEnv("PYLON_ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL); err != nil {
		return Config{}, err
	}
	if err := parseDurationEnv("PYLON_SESSION_TTL", &cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if err := parseDurationEnv("PYLON_REFRESH_TTL", &cfg.RefreshTTL); err != nil {
		return Config{}, err
	}

	if admins := strings.TrimSpace(os.Getenv("PYLON_ADMIN_EMAILS")); admins != "" {
		for _, e := range strings.Split(admins, ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" {
				cfg.AdminEmails = append(cfg.AdminEmails, e)
			}
		}
	}

	if cfg.Issuer == "" {
		return Config{}, fmt.Errorf("PYLON_ISSUER is required")
	}
	if cfg.Audience == "" {
		return Config{}, fmt.Errorf("PYLON_AUDIENCE is required")
	}
	if cfg.SigningKeyPath == "" {
		return Config{}, fmt.Errorf("PYLON_SIGNING_KEY_FILE is required")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("PYLON_DATABASE_URL is required")
	}
	if cfg.SiteURL == "" {
		return Config{}, fmt.Errorf("PYLON_SITE_URL is required")
	}

	return cfg, nil
}

// DecodeKey base64-decodes a fixed-length key, used for the refresh token
// HMAC key and similar secrets. Mirrors the reference's own 32-byte decode
// check on ROCKETSHIP_CONTROLPLANE_REFRESH_KEY.
func DecodeKey(raw string, wantLen int) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(decoded) != wantLen {
		return nil, fmt.Errorf("key must decode to %d bytes, got %d", wantLen, len(decoded))
	}
	return decoded, nil
}

func parseDurationEnv(key string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	*dst = d
	return nil
}

func getEnvDefault(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return def
}
