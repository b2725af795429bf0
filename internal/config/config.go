// Package config handles loading and validating gateway configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override config values.
const EnvPrefix = "LLMGATEWAY_"

// Provider styles. The style picks the adapter; the map key under
// "providers" is the name clients use.
const (
	StyleBaidu     = "baidu"
	StyleOpenAI    = "openai"
	StyleGemini    = "gemini"
	StyleAnthropic = "anthropic"
)

// Credential store kinds.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Defaults applied when the corresponding key is unset.
const (
	DefaultPort          = 8080
	DefaultReadTimeout   = 30 * time.Second
	DefaultWriteTimeout  = 120 * time.Second
	DefaultLogLevel      = "info"
	DefaultBaiduTokenURL = "https://aip.baidubce.com/oauth/2.0/token"
	DefaultBaiduBaseURL  = "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop"
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultAnthropicURL  = "https://api.anthropic.com/v1"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	Server      ServerConfig              `koanf:"server"`
	Log         LogConfig                 `koanf:"log"`
	Credentials CredentialsConfig         `koanf:"credentials"`
	Providers   map[string]ProviderConfig `koanf:"providers"`
	ImageJob    ImageJobConfig            `koanf:"imagejob"`
	WeChat      WeChatConfig              `koanf:"wechat"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// CredentialsConfig selects where access tokens are persisted.
type CredentialsConfig struct {
	Store string      `koanf:"store"`
	Dir   string      `koanf:"dir"` // file store; empty means the OS temp dir
	Redis RedisConfig `koanf:"redis"`
}

// RedisConfig is used when Credentials.Store is "redis".
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// ProviderConfig holds the settings for a single LLM provider.
type ProviderConfig struct {
	Style        string   `koanf:"style"`
	APIKey       string   `koanf:"api_key"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	TokenURL     string   `koanf:"token_url"`
	BaseURL      string   `koanf:"base_url"`
	Models       []string `koanf:"models"`
}

// ImageJobConfig points at the image job service. An empty BaseURL disables
// the image endpoints.
type ImageJobConfig struct {
	BaseURL string `koanf:"base_url"`
	Secret  string `koanf:"secret"`
}

// WeChatConfig is the mini-program login config. An empty AppID disables
// the login endpoint.
type WeChatConfig struct {
	AuthURL   string `koanf:"auth_url"`
	AppID     string `koanf:"app_id"`
	AppSecret string `koanf:"app_secret"`
}

// compoundKeys restores the underscores inside leaf keys after the env
// callback turned every "_" into a path separator.
var compoundKeys = strings.NewReplacer(
	"read.timeout", "read_timeout",
	"write.timeout", "write_timeout",
	"api.key", "api_key",
	"client.id", "client_id",
	"client.secret", "client_secret",
	"token.url", "token_url",
	"base.url", "base_url",
	"key.prefix", "key_prefix",
	"auth.url", "auth_url",
	"app.id", "app_id",
	"app.secret", "app_secret",
)

// envKey maps LLMGATEWAY_SERVER_READ_TIMEOUT to server.read_timeout.
func envKey(s string) string {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	return compoundKeys.Replace(key)
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, fills defaults and returns the Config. It does not
// validate; call Validate for that.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.expandSecrets()
	cfg.applyDefaults()
	return &cfg, nil
}

// expandEnv resolves a value of the form ${VAR} from the environment.
// Anything else is returned unchanged, so secrets containing "$" survive.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) expandSecrets() {
	for name, p := range c.Providers {
		p.APIKey = expandEnv(p.APIKey)
		p.ClientID = expandEnv(p.ClientID)
		p.ClientSecret = expandEnv(p.ClientSecret)
		c.Providers[name] = p
	}
	c.Credentials.Redis.Password = expandEnv(c.Credentials.Redis.Password)
	c.ImageJob.Secret = expandEnv(c.ImageJob.Secret)
	c.WeChat.AppSecret = expandEnv(c.WeChat.AppSecret)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Credentials.Store == "" {
		c.Credentials.Store = StoreFile
	}

	for name, p := range c.Providers {
		switch p.Style {
		case StyleBaidu:
			if p.TokenURL == "" {
				p.TokenURL = DefaultBaiduTokenURL
			}
			if p.BaseURL == "" {
				p.BaseURL = DefaultBaiduBaseURL
			}
		case StyleGemini:
			if p.BaseURL == "" {
				p.BaseURL = DefaultGeminiBaseURL
			}
		case StyleAnthropic:
			if p.BaseURL == "" {
				p.BaseURL = DefaultAnthropicURL
			}
		}
		c.Providers[name] = p
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Credentials.Store {
	case StoreFile, StoreMemory:
	case StoreRedis:
		if c.Credentials.Redis.Addr == "" {
			result = multierror.Append(result, errors.New("credentials.redis.addr is required for the redis store"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("credentials.store %q is not one of file, redis, memory", c.Credentials.Store))
	}

	if len(c.Providers) == 0 {
		result = multierror.Append(result, errors.New("no providers configured"))
	}
	for name, p := range c.Providers {
		switch p.Style {
		case StyleBaidu:
			if p.ClientID == "" || p.ClientSecret == "" {
				result = multierror.Append(result, fmt.Errorf("providers.%s: client_id and client_secret are required", name))
			}
		case StyleOpenAI, StyleGemini, StyleAnthropic:
			if p.APIKey == "" {
				result = multierror.Append(result, fmt.Errorf("providers.%s: api_key is required", name))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("providers.%s: unknown style %q", name, p.Style))
		}
		if len(p.Models) == 0 {
			result = multierror.Append(result, fmt.Errorf("providers.%s: at least one model is required", name))
		}
	}

	if c.WeChat.AppID != "" && c.WeChat.AppSecret == "" {
		result = multierror.Append(result, errors.New("wechat.app_secret is required when wechat.app_id is set"))
	}

	return result.ErrorOrNil()
}
