// Package config handles configuration loading, saving, and schema definition.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dayuer/stickerbot/internal/logger"
	"github.com/dayuer/stickerbot/internal/triggers"
)

// Channel types.
const (
	ChannelWeb    = "web"
	ChannelBridge = "bridge"
)

// Ledger backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the top-level stickerbot configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Channel ChannelConfig `json:"channel" yaml:"channel"`
	Intake  IntakeConfig  `json:"intake" yaml:"intake"`
	Image   ImageConfig   `json:"image" yaml:"image"`
	Ledger  LedgerConfig  `json:"ledger" yaml:"ledger"`
	Admin   AdminConfig   `json:"admin" yaml:"admin"`
	Log     logger.Config `json:"log" yaml:"log"`
}

// ChannelConfig selects and configures the chat session adapter.
type ChannelConfig struct {
	Type      string       `json:"type" yaml:"type" env:"STICKERBOT_CHANNEL"`
	AllowFrom []string     `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty" env:"STICKERBOT_ALLOW_FROM"`
	Web       WebConfig    `json:"web" yaml:"web"`
	Bridge    BridgeConfig `json:"bridge" yaml:"bridge"`
}

// WebConfig drives WhatsApp Web in a Chrome instance.
type WebConfig struct {
	URL          string `json:"url,omitempty" yaml:"url,omitempty" env:"STICKERBOT_WEB_URL"`
	ControlURL   string `json:"controlUrl,omitempty" yaml:"controlUrl,omitempty" env:"STICKERBOT_WEB_CONTROL_URL"` // attach to a running Chrome
	Bin          string `json:"bin,omitempty" yaml:"bin,omitempty" env:"STICKERBOT_WEB_BIN"`
	UserDataDir  string `json:"userDataDir,omitempty" yaml:"userDataDir,omitempty" env:"STICKERBOT_WEB_USER_DATA_DIR"`
	Headless     bool   `json:"headless,omitempty" yaml:"headless,omitempty" env:"STICKERBOT_WEB_HEADLESS"`
	LoginTimeout int    `json:"loginTimeout,omitempty" yaml:"loginTimeout,omitempty" env:"STICKERBOT_WEB_LOGIN_TIMEOUT"` // seconds
}

// BridgeConfig connects to a WhatsApp bridge over WebSocket.
type BridgeConfig struct {
	URL   string `json:"url,omitempty" yaml:"url,omitempty" env:"STICKERBOT_BRIDGE_URL"`
	Token string `json:"token,omitempty" yaml:"token,omitempty" env:"STICKERBOT_BRIDGE_TOKEN"`
}

// IntakeConfig holds polling and state machine settings.
type IntakeConfig struct {
	PollInterval int                `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty" env:"STICKERBOT_POLL_INTERVAL"` // seconds
	ResetToken   string             `json:"resetToken,omitempty" yaml:"resetToken,omitempty" env:"STICKERBOT_RESET_TOKEN"`
	StepTimeout  int                `json:"stepTimeout,omitempty" yaml:"stepTimeout,omitempty" env:"STICKERBOT_STEP_TIMEOUT"` // seconds
	Triggers     []triggers.Trigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// ImageConfig holds compositing and artifact settings.
type ImageConfig struct {
	Template       string  `json:"template,omitempty" yaml:"template,omitempty" env:"STICKERBOT_TEMPLATE"`
	Scale          float64 `json:"scale,omitempty" yaml:"scale,omitempty" env:"STICKERBOT_SCALE"`
	Format         string  `json:"format,omitempty" yaml:"format,omitempty" env:"STICKERBOT_FORMAT"`
	Quality        int     `json:"quality,omitempty" yaml:"quality,omitempty" env:"STICKERBOT_QUALITY"`
	ArtifactDir    string  `json:"artifactDir,omitempty" yaml:"artifactDir,omitempty" env:"STICKERBOT_ARTIFACT_DIR"`
	MaxArtifactAge int     `json:"maxArtifactAge,omitempty" yaml:"maxArtifactAge,omitempty" env:"STICKERBOT_MAX_ARTIFACT_AGE"` // hours
	MaxArtifacts   int     `json:"maxArtifacts,omitempty" yaml:"maxArtifacts,omitempty" env:"STICKERBOT_MAX_ARTIFACTS"`
}

// LedgerConfig selects where correspondent status is persisted.
type LedgerConfig struct {
	Backend       string `json:"backend,omitempty" yaml:"backend,omitempty" env:"STICKERBOT_LEDGER_BACKEND"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty" env:"STICKERBOT_LEDGER_PATH"` // file and sqlite
	RedisURL      string `json:"redisUrl,omitempty" yaml:"redisUrl,omitempty" env:"STICKERBOT_REDIS_URL"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty" env:"STICKERBOT_REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDb,omitempty" yaml:"redisDb,omitempty" env:"STICKERBOT_REDIS_DB"`
	RedisKey      string `json:"redisKey,omitempty" yaml:"redisKey,omitempty" env:"STICKERBOT_REDIS_KEY"`
}

// AdminConfig holds the admin HTTP API settings. Empty Addr disables it.
type AdminConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" env:"STICKERBOT_ADMIN_ADDR"`
}

// DataDir returns the stickerbot data directory (~/.stickerbot).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stickerbot")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	data := DataDir()
	return Config{
		Channel: ChannelConfig{
			Type: ChannelWeb,
			Web: WebConfig{
				URL:          "https://web.whatsapp.com/",
				UserDataDir:  filepath.Join(data, "chrome"),
				LoginTimeout: 60,
			},
			Bridge: BridgeConfig{
				URL: "ws://localhost:3001",
			},
		},
		Intake: IntakeConfig{
			PollInterval: 10,
			ResetToken:   "0",
			StepTimeout:  10,
			Triggers:     triggers.DefaultTable(),
		},
		Image: ImageConfig{
			Template:       filepath.Join(data, "template.jpg"),
			Scale:          1.0,
			Format:         "webp",
			Quality:        90,
			ArtifactDir:    filepath.Join(data, "stickers"),
			MaxArtifactAge: 24,
			MaxArtifacts:   500,
		},
		Ledger: LedgerConfig{
			Backend: BackendFile,
			Path:    filepath.Join(data, "ledger.json"),
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// PollIntervalDuration returns the poll interval.
func (c IntakeConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// StepTimeoutDuration returns the per-step I/O timeout.
func (c IntakeConfig) StepTimeoutDuration() time.Duration {
	return time.Duration(c.StepTimeout) * time.Second
}

// LoginTimeoutDuration returns how long to wait for the chat session to log in.
func (c WebConfig) LoginTimeoutDuration() time.Duration {
	if c.LoginTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.LoginTimeout) * time.Second
}

// MaxArtifactAgeDuration returns the artifact retention window.
func (c ImageConfig) MaxArtifactAgeDuration() time.Duration {
	return time.Duration(c.MaxArtifactAge) * time.Hour
}

// Validate checks that all settings are usable.
func (c Config) Validate() error {
	switch c.Channel.Type {
	case ChannelWeb:
	case ChannelBridge:
		if c.Channel.Bridge.URL == "" {
			return fmt.Errorf("channel.bridge.url cannot be empty")
		}
	default:
		return fmt.Errorf("unknown channel.type %q", c.Channel.Type)
	}

	if c.Intake.PollInterval <= 0 {
		return fmt.Errorf("intake.pollInterval must be > 0")
	}
	if c.Intake.StepTimeout <= 0 {
		return fmt.Errorf("intake.stepTimeout must be > 0")
	}
	reset := strings.TrimSpace(c.Intake.ResetToken)
	if reset == "" {
		return fmt.Errorf("intake.resetToken cannot be empty")
	}
	for i, t := range c.Intake.Triggers {
		if strings.TrimSpace(t.Phrase) == "" || t.Reply == "" {
			return fmt.Errorf("intake.triggers[%d] needs a phrase and a reply", i)
		}
		if strings.EqualFold(strings.TrimSpace(t.Phrase), reset) {
			return fmt.Errorf("intake.triggers[%d] phrase %q collides with the reset token", i, t.Phrase)
		}
	}

	if c.Image.Template == "" {
		return fmt.Errorf("image.template cannot be empty")
	}
	if c.Image.Scale <= 0 || c.Image.Scale > 4 {
		return fmt.Errorf("image.scale must be in (0, 4], got %v", c.Image.Scale)
	}
	switch strings.ToLower(c.Image.Format) {
	case "webp", "png", "jpeg", "jpg":
	default:
		return fmt.Errorf("unsupported image.format %q", c.Image.Format)
	}
	if c.Image.ArtifactDir == "" {
		return fmt.Errorf("image.artifactDir cannot be empty")
	}
	if c.Image.MaxArtifactAge < 0 || c.Image.MaxArtifacts < 0 {
		return fmt.Errorf("image artifact limits cannot be negative")
	}

	switch c.Ledger.Backend {
	case BackendFile, BackendSQLite:
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path cannot be empty for %s backend", c.Ledger.Backend)
		}
	case BackendRedis:
		if c.Ledger.RedisURL == "" {
			return fmt.Errorf("ledger.redisUrl cannot be empty for redis backend")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	return nil
}
