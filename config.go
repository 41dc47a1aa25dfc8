package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-authgate/storefront-cli/api"
	"github.com/go-authgate/storefront-cli/cooldown"
	"github.com/go-authgate/storefront-cli/otp"
	"github.com/go-authgate/storefront-cli/store"
)

const (
	envPrefix    = "STOREFRONT"
	envServerURL = "STOREFRONT_SERVER_URL"
)

// Store backends.
const (
	storeFile   = "file"
	storeRedis  = "redis"
	storeMemory = "memory"
)

// Config holds the resolved settings. Priority: flag > env > default.
type Config struct {
	ServerURL      string        `mapstructure:"server_url"`
	APIRoot        string        `mapstructure:"api_root"`
	Profile        string        `mapstructure:"profile"`
	Store          string        `mapstructure:"store"`
	TokenFile      string        `mapstructure:"token_file"`
	RedisURL       string        `mapstructure:"redis_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	NoRetry        bool          `mapstructure:"no_retry"`
	ResendCooldown int           `mapstructure:"resend_cooldown"`
	PhoneDigits    int           `mapstructure:"phone_digits"`
	LogLevel       string        `mapstructure:"log_level"`

	// serverURLPinned is set when --server-url was given, which freezes the
	// base address for the whole run.
	serverURLPinned bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:      "http://localhost:8080",
		APIRoot:        api.DefaultAPIRoot,
		Profile:        "default",
		Store:          storeFile,
		TokenFile:      ".storefront-tokens.json",
		RedisURL:       "redis://localhost:6379/0",
		Timeout:        api.DefaultTimeout,
		ResendCooldown: cooldown.DefaultSeconds,
		PhoneDigits:    otp.DefaultPhoneDigits,
		LogLevel:       "warn",
	}
}

// configFlags maps viper keys to their command line flag names.
var configFlags = map[string]string{
	"server_url":      "server-url",
	"api_root":        "api-root",
	"profile":         "profile",
	"store":           "store",
	"token_file":      "token-file",
	"redis_url":       "redis-url",
	"timeout":         "timeout",
	"no_retry":        "no-retry",
	"resend_cooldown": "resend-cooldown",
	"phone_digits":    "phone-digits",
	"log_level":       "log-level",
}

// addConfigFlags registers the persistent flags on root. Flag defaults are
// left empty so viper can tell a set flag from an unset one.
func addConfigFlags(root *cobra.Command) {
	def := DefaultConfig()
	f := root.PersistentFlags()
	f.String("server-url", "", fmt.Sprintf("Storefront server URL (default: %s or %s env)", def.ServerURL, envServerURL))
	f.String("api-root", "", fmt.Sprintf("API path prefix (default: %s)", def.APIRoot))
	f.String("profile", "", "Credential profile name (default: default)")
	f.String("store", "", "Credential store: file, redis or memory (default: file)")
	f.String("token-file", "", fmt.Sprintf("Token storage file (default: %s)", def.TokenFile))
	f.String("redis-url", "", fmt.Sprintf("Redis URL for --store redis (default: %s)", def.RedisURL))
	f.Duration("timeout", 0, fmt.Sprintf("Per-request timeout (default: %s)", def.Timeout))
	f.Bool("no-retry", false, "Disable automatic retries")
	f.Int("resend-cooldown", 0, fmt.Sprintf("Seconds before a code can be resent (default: %d)", def.ResendCooldown))
	f.Int("phone-digits", 0, fmt.Sprintf("Expected phone number length (default: %d)", def.PhoneDigits))
	f.String("log-level", "", "Log level: debug, info, warn or error (default: warn)")
}

// loadConfig resolves the configuration for cmd.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetDefault("server_url", def.ServerURL)
	v.SetDefault("api_root", def.APIRoot)
	v.SetDefault("profile", def.Profile)
	v.SetDefault("store", def.Store)
	v.SetDefault("token_file", def.TokenFile)
	v.SetDefault("redis_url", def.RedisURL)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("no_retry", def.NoRetry)
	v.SetDefault("resend_cooldown", def.ResendCooldown)
	v.SetDefault("phone_digits", def.PhoneDigits)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, name := range configFlags {
		fl := cmd.Flags().Lookup(name)
		if fl == nil {
			continue
		}
		if err := v.BindPFlag(key, fl); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	cfg.serverURLPinned = cmd.Flags().Changed("server-url")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the resolved settings.
func (c *Config) Validate() error {
	if err := validateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if !strings.HasPrefix(c.APIRoot, "/") && c.APIRoot != "" {
		return fmt.Errorf("api root must start with /, got: %s", c.APIRoot)
	}
	switch c.Store {
	case storeFile, storeRedis, storeMemory:
	default:
		return fmt.Errorf("unknown store %q (want file, redis or memory)", c.Store)
	}
	if c.Store == storeFile && c.TokenFile == "" {
		return errors.New("token file cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got: %s", c.Timeout)
	}
	if c.ResendCooldown < 0 {
		return fmt.Errorf("resend cooldown cannot be negative, got: %d", c.ResendCooldown)
	}
	if c.PhoneDigits <= 0 {
		return fmt.Errorf("phone digits must be positive, got: %d", c.PhoneDigits)
	}
	return nil
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

// warnPlaintext warns if using HTTP instead of HTTPS.
func warnPlaintext(w io.Writer, serverURL string) {
	if !strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		return
	}
	fmt.Fprintln(w, "⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
	fmt.Fprintln(w, "⚠️  This is only safe for local development. Use HTTPS in production.")
	fmt.Fprintln(w)
}

// baseURLResolver returns the pipeline's base address source. Unless the
// address was pinned by flag, the environment is read again on every call.
func (c *Config) baseURLResolver() api.BaseURLResolver {
	if c.serverURLPinned {
		return api.StaticBaseURL(c.ServerURL)
	}
	fallback := c.ServerURL
	return func() (string, error) {
		u := fallback
		if env := strings.TrimSpace(os.Getenv(envServerURL)); env != "" {
			u = env
		}
		if err := validateServerURL(u); err != nil {
			return "", fmt.Errorf("invalid %s: %w", envServerURL, err)
		}
		return u, nil
	}
}

// openStore opens the configured credential backend, scoped to the profile.
// The returned close function is never nil.
func (c *Config) openStore(ctx context.Context) (store.Store, func() error, error) {
	noop := func() error { return nil }

	var (
		s       store.Store
		closeFn = noop
	)
	switch c.Store {
	case storeMemory:
		s = store.NewMemoryStore()
	case storeRedis:
		rs, err := store.OpenRedisStore(ctx, c.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		s, closeFn = rs, rs.Close
	default:
		fs, err := store.NewFileStore(c.TokenFile)
		if err != nil {
			return nil, noop, err
		}
		s = fs
	}

	return store.Namespaced(s, store.ProfileNamespace(c.Profile)), closeFn, nil
}
