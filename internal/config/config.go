// Package config loads taskrelay configuration from a TOML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full runtime configuration.
type Config struct {
	// ERP holds the backend connection settings.
	ERP ERPSettings `toml:"erp"`

	// Bot holds the chat transport settings.
	Bot BotSettings `toml:"bot"`

	// Notify holds notification subscriber settings.
	Notify NotifySettings `toml:"notify"`

	// Ops holds the health/debug HTTP server settings.
	Ops OpsSettings `toml:"ops"`

	// Log holds logging settings.
	Log LogSettings `toml:"log"`

	// DataDir is the directory for the registry database and logs.
	// Defaults to ~/.taskrelay.
	DataDir string `toml:"data_dir"`
}

// ERPSettings configures the backend HTTP API client.
type ERPSettings struct {
	// BaseURL is the backend root, e.g. https://erp.example.com
	BaseURL string `toml:"base_url"`

	// APIKey and APISecret form the pre-issued service token.
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`

	// LinkField is the User doctype field that stores the chat identity.
	LinkField string `toml:"link_field"`

	// RequestTimeoutSecs bounds ordinary API calls (default 15).
	RequestTimeoutSecs int `toml:"request_timeout_secs"`

	// UploadTimeoutSecs bounds file uploads (default 30).
	UploadTimeoutSecs int `toml:"upload_timeout_secs"`
}

// BotSettings configures the chat transport.
type BotSettings struct {
	// Token is the bot API token.
	Token string `toml:"token"`

	// SendRatePerSec throttles outbound messages (default 25).
	SendRatePerSec float64 `toml:"send_rate_per_sec"`
}

// NotifySettings configures the push-notification subscriber.
type NotifySettings struct {
	// SocketURL is the realtime websocket endpoint. Empty derives
	// ws(s)://<erp-host>/socket.io from the ERP base URL.
	SocketURL string `toml:"socket_url"`

	// MaxReconnectAttempts before the subscriber gives up (default 5).
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`

	// ReconnectIntervalSecs is the backoff base interval (default 5).
	ReconnectIntervalSecs int `toml:"reconnect_interval_secs"`

	// DialTimeoutSecs bounds a single connection attempt (default 10).
	DialTimeoutSecs int `toml:"dial_timeout_secs"`
}

// OpsSettings configures the local health server.
type OpsSettings struct {
	// ListenAddr for /healthz and /readyz. Empty disables the server.
	ListenAddr string `toml:"listen_addr"`
}

// LogSettings configures logging.
type LogSettings struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level"`

	// Format is "json" (default) or "text".
	Format string `toml:"format"`
}

// Defaults returns a Config populated with default values.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ERP: ERPSettings{
			LinkField:          "telegram_user_id",
			RequestTimeoutSecs: 15,
			UploadTimeoutSecs:  30,
		},
		Bot: BotSettings{
			SendRatePerSec: 25,
		},
		Notify: NotifySettings{
			MaxReconnectAttempts:  5,
			ReconnectIntervalSecs: 5,
			DialTimeoutSecs:       10,
		},
		Ops: OpsSettings{
			ListenAddr: "127.0.0.1:8430",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
		DataDir: home + "/.taskrelay",
	}
}

// Load reads the TOML file at path (if it exists), applies environment
// overrides, and validates the result. A missing file is not an error:
// env-only deployments are supported.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from environment variables.
// Env wins over file values.
func applyEnv(cfg *Config) {
	setString(&cfg.ERP.BaseURL, "ERP_URL")
	setString(&cfg.ERP.APIKey, "ERP_API_KEY")
	setString(&cfg.ERP.APISecret, "ERP_API_SECRET")
	setString(&cfg.ERP.LinkField, "ERP_LINK_FIELD")
	setString(&cfg.Bot.Token, "BOT_TOKEN")
	setString(&cfg.Notify.SocketURL, "NOTIFY_SOCKET_URL")
	setInt(&cfg.Notify.MaxReconnectAttempts, "NOTIFY_MAX_RECONNECT_ATTEMPTS")
	setInt(&cfg.Notify.ReconnectIntervalSecs, "NOTIFY_RECONNECT_INTERVAL_SECS")
	setString(&cfg.Ops.ListenAddr, "OPS_LISTEN_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.DataDir, "TASKRELAY_DATA_DIR")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.ERP.BaseURL == "" {
		return fmt.Errorf("config: erp.base_url is required (or ERP_URL)")
	}
	if c.Bot.Token == "" {
		return fmt.Errorf("config: bot.token is required (or BOT_TOKEN)")
	}
	if c.Notify.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("config: notify.max_reconnect_attempts must be positive")
	}
	if c.Notify.ReconnectIntervalSecs <= 0 {
		return fmt.Errorf("config: notify.reconnect_interval_secs must be positive")
	}
	return nil
}

// RequestTimeout returns the bound for ordinary ERP calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.ERP.RequestTimeoutSecs) * time.Second
}

// UploadTimeout returns the bound for attachment uploads.
func (c Config) UploadTimeout() time.Duration {
	return time.Duration(c.ERP.UploadTimeoutSecs) * time.Second
}

// ReconnectInterval returns the subscriber backoff base interval.
func (c Config) ReconnectInterval() time.Duration {
	return time.Duration(c.Notify.ReconnectIntervalSecs) * time.Second
}

// DialTimeout returns the bound for a single WS connection attempt.
func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.Notify.DialTimeoutSecs) * time.Second
}

// SocketURL returns the realtime endpoint, derived from the ERP base
// URL unless configured explicitly.
func (c Config) SocketURL() string {
	if c.Notify.SocketURL != "" {
		return c.Notify.SocketURL
	}
	base := c.ERP.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/socket.io"
}
