// Package config loads gateway configuration from an optional YAML file and CHATGW_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/chat-gateway/internal/dispatch"
	"github.com/tjfontaine/chat-gateway/internal/domain"
)

// EnvPrefix prefixes every environment override; "__" separates nested keys.
const EnvPrefix = "CHATGW_"

// DefaultPath is read when CHATGW_CONFIG is unset. A missing file is not an error.
const DefaultPath = "config.yaml"

// RequestTimeoutGrace is added to the dispatch retry budget when server.request_timeout
// is not configured, leaving room for normalization and the response write.
const RequestTimeoutGrace = 30 * time.Second

type Config struct {
	Server       ServerConfig              `koanf:"server"`
	RapidAPI     RapidAPIConfig            `koanf:"rapidapi"`
	Providers    map[string]ProviderConfig `koanf:"providers"`
	RateLimit    RateLimitConfig           `koanf:"ratelimit"`
	Conversation ConversationConfig        `koanf:"conversation"`
	Cache        CacheConfig               `koanf:"cache"`
	Dispatch     DispatchConfig            `koanf:"dispatch"`
	Audit        AuditConfig               `koanf:"audit"`
	Telemetry    TelemetryConfig           `koanf:"telemetry"`
}

type ServerConfig struct {
	Port              int           `koanf:"port"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	StaticDir         string        `koanf:"static_dir"`
	TrustForwardedFor bool          `koanf:"trust_forwarded_for"`
}

type RapidAPIConfig struct {
	Key string `koanf:"key"`
}

// ProviderConfig overrides the shared credential or endpoint for one provider.
type ProviderConfig struct {
	APIKey string `koanf:"api_key"`
	URL    string `koanf:"url"`
}

type RateLimitConfig struct {
	Requests   int           `koanf:"requests"`
	Window     time.Duration `koanf:"window"`
	MaxClients int           `koanf:"max_clients"`
}

type ConversationConfig struct {
	MaxHistoryTurns  int           `koanf:"max_history_turns"`
	TTL              time.Duration `koanf:"ttl"`
	MaxConversations int           `koanf:"max_conversations"`
}

type CacheConfig struct {
	Size   int           `koanf:"size"`
	TTL    time.Duration `koanf:"ttl"`
	KeyTTL time.Duration `koanf:"key_ttl"`
}

type DispatchConfig struct {
	Timeout              time.Duration `koanf:"timeout"`
	MaxRetries           int           `koanf:"max_retries"`
	Backoff              time.Duration `koanf:"backoff"`
	MaxConcurrent        int           `koanf:"max_concurrent"`
	MaxIdleConnsPerHost  int           `koanf:"max_idle_conns_per_host"`
	BlockPrivateNetworks bool          `koanf:"block_private_networks"`
}

type AuditConfig struct {
	Telegram  TelegramConfig `koanf:"telegram"`
	SQLite    SQLiteConfig   `koanf:"sqlite"`
	Geo       GeoConfig      `koanf:"geo"`
	QueueSize int            `koanf:"queue_size"`
}

type TelegramConfig struct {
	Token   string `koanf:"token"`
	ChatID  string `koanf:"chat_id"`
	BaseURL string `koanf:"base_url"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type GeoConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":                      8080,
	"server.trust_forwarded_for":       true,
	"rapidapi.key":                     "${RAPIDAPI_KEY}",
	"ratelimit.requests":               5,
	"ratelimit.window":                 "1m",
	"ratelimit.max_clients":            10000,
	"conversation.max_history_turns":   10,
	"conversation.ttl":                 "1h",
	"conversation.max_conversations":   10000,
	"cache.size":                       256,
	"cache.ttl":                        "60s",
	"cache.key_ttl":                    "5m",
	"dispatch.timeout":                 "3m",
	"dispatch.max_retries":             2,
	"dispatch.backoff":                 "500ms",
	"dispatch.max_concurrent":          64,
	"dispatch.max_idle_conns_per_host": 16,
	"audit.telegram.token":             "${TELEGRAM_TOKEN}",
	"audit.telegram.chat_id":           "${TELEGRAM_CHAT_ID}",
	"audit.geo.enabled":                true,
	"audit.queue_size":                 128,
	"telemetry.service_name":           "chat-gateway",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the file named by CHATGW_CONFIG (or config.yaml), then environment overrides.
func Load() (*Config, error) {
	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path, then environment overrides.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = cfg.Dispatch.RetryBudget() + RequestTimeoutGrace
	}

	cfg.RapidAPI.Key = substituteEnvVars(cfg.RapidAPI.Key)
	cfg.Audit.Telegram.Token = substituteEnvVars(cfg.Audit.Telegram.Token)
	cfg.Audit.Telegram.ChatID = substituteEnvVars(cfg.Audit.Telegram.ChatID)
	for id, p := range cfg.Providers {
		p.APIKey = substituteEnvVars(p.APIKey)
		cfg.Providers[id] = p
	}

	return &cfg, nil
}

// Credentials resolves the key sent to each provider: its own api_key, else the
// shared RapidAPI key.
func (c *Config) Credentials() map[domain.ProviderID]string {
	creds := make(map[domain.ProviderID]string, len(domain.Providers))
	for _, id := range domain.Providers {
		key := c.Providers[string(id)].APIKey
		if key == "" {
			key = c.RapidAPI.Key
		}
		if key != "" {
			creds[id] = key
		}
	}
	return creds
}

// ProviderURLs returns configured endpoint overrides.
func (c *Config) ProviderURLs() map[domain.ProviderID]string {
	urls := make(map[domain.ProviderID]string)
	for id, p := range c.Providers {
		if p.URL != "" {
			urls[domain.ProviderID(id)] = p.URL
		}
	}
	return urls
}

// RetryBudget is the longest one provider call may take, retries included.
func (d DispatchConfig) RetryBudget() time.Duration {
	return dispatch.RetryBudget(d.Timeout, d.MaxRetries, d.Backoff)
}

// Validate reports configuration the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error

	creds := c.Credentials()
	var missing []string
	for _, id := range domain.Providers {
		if creds[id] == "" {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("no credential for providers %s: set rapidapi.key (%sRAPIDAPI__KEY or RAPIDAPI_KEY)",
			strings.Join(missing, ", "), EnvPrefix))
	}

	for id := range c.Providers {
		if !domain.ProviderID(id).Valid() {
			errs = append(errs, fmt.Errorf("providers.%s: unknown provider", id))
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.requests and ratelimit.window must be positive"))
	}
	if c.Conversation.MaxHistoryTurns <= 0 {
		errs = append(errs, errors.New("conversation.max_history_turns must be positive"))
	}
	if c.Cache.Size <= 0 || c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.size and cache.ttl must be positive"))
	}
	if c.Dispatch.MaxRetries < 0 || c.Dispatch.MaxRetries > 2 {
		errs = append(errs, fmt.Errorf("dispatch.max_retries %d must be between 0 and 2", c.Dispatch.MaxRetries))
	}
	if budget := c.Dispatch.RetryBudget(); c.Server.RequestTimeout < budget {
		errs = append(errs, fmt.Errorf("server.request_timeout %s is shorter than the dispatch retry budget %s; raise it or lower dispatch.timeout, max_retries or backoff",
			c.Server.RequestTimeout, budget))
	}
	if (c.Audit.Telegram.Token == "") != (c.Audit.Telegram.ChatID == "") {
		errs = append(errs, errors.New("audit.telegram.token and audit.telegram.chat_id must be set together"))
	}

	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
