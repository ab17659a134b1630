package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the CLI configuration. Priority: flag > env (.env included) >
// default.
type Config struct {
	ServerURL      string        `env:"SERVER_URL"          env-default:"http://localhost:9002"`
	APIBasePath    string        `env:"API_BASE_PATH"       env-default:"/occ/v2"`
	BaseSite       string        `env:"BASE_SITE"           env-default:"electronics"`
	ClientID       string        `env:"CLIENT_ID"`
	ClientSecret   string        `env:"CLIENT_SECRET"`
	Username       string        `env:"STOREFRONT_USER"`
	Password       string        `env:"STOREFRONT_PASSWORD"`
	TokenFile      string        `env:"TOKEN_FILE"          env-default:".storefront-tokens.json"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT"     env-default:"30s"`
	LogLevel       string        `env:"LOG_LEVEL"           env-default:"info"`
}

// Authorization server paths, relative to ServerURL.
const (
	tokenPath  = "/authorizationserver/oauth/token"
	revokePath = "/authorizationserver/oauth/revoke"
)

// TokenURL returns the token endpoint.
func (c *Config) TokenURL() string { return c.ServerURL + tokenPath }

// RevokeURL returns the revocation endpoint.
func (c *Config) RevokeURL() string { return c.ServerURL + revokePath }

// APIBaseURL returns the commerce API base URL.
func (c *Config) APIBaseURL() string {
	return c.ServerURL + "/" + strings.Trim(c.APIBasePath, "/")
}

// SiteURL returns the URL of path under the configured base site.
func (c *Config) SiteURL(path string) string {
	return c.APIBaseURL() + "/" + c.BaseSite + path
}

// HasCredentials reports whether a storefront user is configured.
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// loadConfig reads .env, the environment and then args. Warnings go to
// stderr.
func loadConfig(args []string, stderr io.Writer) (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	fs := flag.NewFlagSet("storefront-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "Commerce server URL (or SERVER_URL env)")
	fs.StringVar(&cfg.APIBasePath, "api-base-path", cfg.APIBasePath, "Commerce API base path (or API_BASE_PATH env)")
	fs.StringVar(&cfg.BaseSite, "base-site", cfg.BaseSite, "Base site id (or BASE_SITE env)")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "OAuth client ID (required, or set CLIENT_ID env)")
	fs.StringVar(&cfg.ClientSecret, "client-secret", cfg.ClientSecret, "OAuth client secret (or CLIENT_SECRET env)")
	fs.StringVar(&cfg.Username, "user", cfg.Username, "Storefront user (or STOREFRONT_USER env)")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "Token storage file (or TOKEN_FILE env)")
	fs.DurationVar(&cfg.RefreshTimeout, "refresh-timeout", cfg.RefreshTimeout, "Token refresh timeout (or REFRESH_TIMEOUT env)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (or LOG_LEVEL env)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ServerURL = strings.TrimSuffix(cfg.ServerURL, "/")
	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(cfg.ServerURL), "http://") {
		fmt.Fprintln(
			stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(stderr)
	}

	if cfg.ClientID == "" {
		return nil, errors.New("CLIENT_ID not set: use -client-id, the CLIENT_ID environment variable or a .env file")
	}

	// Client ids are usually UUIDs; other values may still be valid.
	if _, err := uuid.Parse(cfg.ClientID); err != nil {
		fmt.Fprintf(
			stderr,
			"⚠️  Warning: CLIENT_ID doesn't appear to be a valid UUID: %s\n",
			cfg.ClientID,
		)
		fmt.Fprintln(stderr)
	}

	if cfg.Username != "" && cfg.Password == "" {
		return nil, errors.New("STOREFRONT_PASSWORD is required when STOREFRONT_USER is set")
	}

	return &cfg, nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// newLogger returns a text logger writing to w at the named level.
func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
