package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultWebhookPath    = "/webhooks/sms"
	DefaultDMPolicy       = "pairing"
	DefaultTextChunkLimit = 1500
	DefaultChunkMode      = "markdown"
	DefaultMediaMaxBytes  = 20 * 1024 * 1024
	DefaultMediaDir       = "data/media"
	DefaultPairingDBPath  = "data/pairing.db"
	DefaultBodyLimitBytes = 64 * 1024
)

// Config is the root configuration for the SMS gateway process.
type Config struct {
	Log      LogConfig                `toml:"log"`
	Server   ServerConfig             `toml:"server"`
	Channel  ChannelConfig            `toml:"channel"`
	Accounts map[string]AccountConfig `toml:"accounts"`
	Pairing  PairingConfig            `toml:"pairing"`
	Media    MediaConfig              `toml:"media"`
	Agent    AgentConfig              `toml:"agent"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// BodyLimitBytes caps inbound webhook payloads before parsing.
	BodyLimitBytes int64 `toml:"body_limit_bytes"`
	// PublicBaseURL overrides forwarded-header URL reconstruction when the
	// externally visible address cannot be derived from the request.
	PublicBaseURL string `toml:"public_base_url" validate:"omitempty,url"`
}

// ChannelConfig carries channel-wide defaults. Per-account overrides live in
// AccountConfig; the account resolver merges the two per request.
type ChannelConfig struct {
	Enabled        *bool    `toml:"enabled"`
	AccountSID     string   `toml:"account_sid"`
	AuthToken      string   `toml:"auth_token"`
	FromNumber     string   `toml:"from_number"`
	DMPolicy       string   `toml:"dm_policy" validate:"omitempty,oneof=open pairing allowlist disabled"`
	AllowFrom      []string `toml:"allow_from"`
	TextChunkLimit int      `toml:"text_chunk_limit" validate:"omitempty,gt=0"`
	ChunkMode      string   `toml:"chunk_mode" validate:"omitempty,oneof=text markdown"`
	MediaMaxBytes  int64    `toml:"media_max_bytes" validate:"omitempty,gt=0"`
	WebhookPath    string   `toml:"webhook_path"`
	ProxyURL       string   `toml:"proxy_url" validate:"omitempty,url"`
	DefaultAccount string   `toml:"default_account"`
}

// AccountConfig overrides channel-wide fields for one account.
type AccountConfig struct {
	Name           string   `toml:"name"`
	Enabled        *bool    `toml:"enabled"`
	AccountSID     string   `toml:"account_sid"`
	AuthToken      string   `toml:"auth_token"`
	FromNumber     string   `toml:"from_number"`
	DMPolicy       string   `toml:"dm_policy" validate:"omitempty,oneof=open pairing allowlist disabled"`
	AllowFrom      []string `toml:"allow_from"`
	TextChunkLimit int      `toml:"text_chunk_limit" validate:"omitempty,gt=0"`
	ChunkMode      string   `toml:"chunk_mode" validate:"omitempty,oneof=text markdown"`
	MediaMaxBytes  int64    `toml:"media_max_bytes" validate:"omitempty,gt=0"`
	WebhookPath    string   `toml:"webhook_path"`
	ProxyURL       string   `toml:"proxy_url" validate:"omitempty,url"`
}

type PairingConfig struct {
	DBPath      string `toml:"db_path"`
	CodeTTLMins int    `toml:"code_ttl_minutes" validate:"omitempty,gt=0"`
}

type MediaConfig struct {
	Dir string `toml:"dir"`
}

// AgentConfig names the agent that inbound messages are routed to and the
// endpoint the dispatcher delivers envelopes to.
type AgentConfig struct {
	AgentID  string `toml:"agent_id"`
	Endpoint string `toml:"endpoint" validate:"omitempty,url"`
}

// Load reads the TOML config at path, filling defaults for absent fields.
// A missing file yields the defaults rather than an error.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:           DefaultHTTPAddr,
			BodyLimitBytes: DefaultBodyLimitBytes,
		},
		Channel: ChannelConfig{
			DMPolicy:       DefaultDMPolicy,
			TextChunkLimit: DefaultTextChunkLimit,
			ChunkMode:      DefaultChunkMode,
			MediaMaxBytes:  DefaultMediaMaxBytes,
			WebhookPath:    DefaultWebhookPath,
		},
		Pairing: PairingConfig{
			DBPath:      DefaultPairingDBPath,
			CodeTTLMins: 10,
		},
		Media: MediaConfig{
			Dir: DefaultMediaDir,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Server.BodyLimitBytes <= 0 {
		cfg.Server.BodyLimitBytes = DefaultBodyLimitBytes
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints across the whole config tree.
func Validate(cfg Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for id, account := range cfg.Accounts {
		if id == "" {
			return fmt.Errorf("invalid config: account id must not be empty")
		}
		if err := v.Struct(account); err != nil {
			return fmt.Errorf("invalid config for account %s: %w", id, err)
		}
	}
	return nil
}
