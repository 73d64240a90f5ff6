// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/fgeck/duplikatd/internal/models"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys.
const EnvPrefix = "DUPLIKATD"

// Default values for optional settings.
const (
	DefaultListen       = "127.0.0.1:7667"
	DefaultResticBinary = "restic"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser. Every key can be overridden
// by an environment variable, e.g. DUPLIKATD_STORE_BASE_PATH.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", DefaultListen)
	v.SetDefault("restic.binary", DefaultResticBinary)
	v.SetDefault("store.base_path", "")
	v.SetDefault("protocol.strict", false)
	v.SetDefault("protocol.max_line_size", 0)
	v.SetDefault("stats.concurrency", 0)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")

	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.DaemonConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.DaemonConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// LoadDefaults builds the configuration from defaults and environment
// overrides only.
func (p *Parser) LoadDefaults() (*models.DaemonConfig, error) {
	return p.parse()
}

func (p *Parser) parse() (*models.DaemonConfig, error) {
	cfg := &models.DaemonConfig{
		Listen: p.v.GetString("listen"),
		Restic: models.ResticConfig{
			Binary: p.expandEnv(p.v.GetString("restic.binary")),
		},
		Store: models.StoreSettings{
			BasePath: p.expandEnv(p.v.GetString("store.base_path")),
		},
		Protocol: models.ProtocolSettings{
			Strict:      p.v.GetBool("protocol.strict"),
			MaxLineSize: p.v.GetInt("protocol.max_line_size"),
		},
		Stats: models.StatsSettings{
			Concurrency: p.v.GetInt("stats.concurrency"),
		},
	}

	// Telegram is optional; either key turns it on.
	botToken := p.expandEnv(p.v.GetString("telegram.bot_token"))
	chatID := p.expandEnv(p.v.GetString("telegram.chat_id"))
	if botToken != "" || chatID != "" {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: botToken,
			ChatID:   chatID,
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.DaemonConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}

	if cfg.Restic.Binary == "" {
		return fmt.Errorf("restic.binary is required")
	}

	if cfg.Protocol.MaxLineSize < 0 {
		return fmt.Errorf("protocol.max_line_size must not be negative")
	}

	if cfg.Stats.Concurrency < 0 {
		return fmt.Errorf("stats.concurrency must not be negative")
	}

	if cfg.Telegram != nil {
		if cfg.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return nil
}
