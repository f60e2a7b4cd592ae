package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Tenant    TenantConfig    `mapstructure:"tenant"`
	Store     StoreConfig     `mapstructure:"store"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Reply     ReplyConfig     `mapstructure:"reply"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Transport TransportConfig `mapstructure:"transport"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TenantConfig holds the tenant used when an event carries none.
type TenantConfig struct {
	Default string `mapstructure:"default"`
}

// StoreConfig holds the conversation store configuration
type StoreConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// DedupConfig selects where seen message ids are tracked.
type DedupConfig struct {
	Backend  string        `mapstructure:"backend"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type IntakeConfig struct {
	// LogDuplicates keeps the audit row for events the duplicate filter suppresses.
	LogDuplicates bool `mapstructure:"log_duplicates"`
}

// ReplyConfig controls the auto-reply path.
type ReplyConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	HistoryLimit int               `mapstructure:"history_limit"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	OnFailure    string            `mapstructure:"on_failure"`
	Apology      string            `mapstructure:"apology"`
	Keywords     []KeywordRule     `mapstructure:"keywords"`
	Canned       map[string]string `mapstructure:"canned"`
}

// KeywordRule maps substrings of an inbound text to an intent.
type KeywordRule struct {
	Intent string   `mapstructure:"intent"`
	Any    []string `mapstructure:"any"`
	All    []string `mapstructure:"all"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxTokens    int    `mapstructure:"max_tokens"`
}

// TransportConfig selects how messages arrive and leave: "delivery" (webhook from a
// sibling sending service) or "bridge" (WebSocket session bridge).
type TransportConfig struct {
	Mode string `mapstructure:"mode"`
}

type DeliveryConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	CallbackURL   string        `mapstructure:"callback_url"`
	RegisterRetry time.Duration `mapstructure:"register_retry"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SendRate      float64       `mapstructure:"send_rate"`
	SendBurst     int           `mapstructure:"send_burst"`
}

type BridgeConfig struct {
	URL string `mapstructure:"url"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

const (
	TransportDelivery = "delivery"
	TransportBridge   = "bridge"

	OnFailureApology = "apology"
	OnFailureSilent  = "silent"
)

// legacyEnv lists older environment variable names still honored.
var legacyEnv = map[string][]string{
	"server.port":           {"PORT"},
	"reply.enabled":         {"RESPONDER_ACTIVO"},
	"tenant.default":        {"CLIENTE_ID"},
	"delivery.base_url":     {"MASSIVE_SENDER_URL"},
	"delivery.callback_url": {"RESPONDER_CALLBACK_URL"},
	"store.dsn":             {"DB_DSN"},
	"llm.api_key":           {"OPENAI_API_KEY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "3013")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tenant.default", "51")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "history.db")
	v.SetDefault("store.max_open_conns", 3)
	v.SetDefault("store.retry_attempts", 5)
	v.SetDefault("store.retry_base_delay", 300*time.Millisecond)
	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.redis_url", "")
	v.SetDefault("dedup.ttl", 60*time.Second)
	v.SetDefault("intake.log_duplicates", false)
	v.SetDefault("reply.enabled", true)
	v.SetDefault("reply.history_limit", 6)
	v.SetDefault("reply.timeout", 20*time.Second)
	v.SetDefault("reply.on_failure", OnFailureApology)
	v.SetDefault("reply.apology", "Ups, tuve un inconveniente generando la respuesta.")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.max_tokens", 400)
	v.SetDefault("transport.mode", TransportDelivery)
	v.SetDefault("delivery.base_url", "http://localhost:3011/api/whatsapp")
	v.SetDefault("delivery.callback_url", "http://localhost:3013/api/message-received")
	v.SetDefault("delivery.register_retry", 10*time.Second)
	v.SetDefault("delivery.timeout", 15*time.Second)
	v.SetDefault("delivery.send_rate", 5.0)
	v.SetDefault("delivery.send_burst", 5)
	v.SetDefault("bridge.url", "ws://localhost:3001/ws")
	v.SetDefault("webhook.secret", "")
}

// Load loads the configuration from config.yaml (or CONFIG_PATH), a .env file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range legacyEnv {
		names := append([]string{strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(config.Reply.Keywords) == 0 {
		config.Reply.Keywords = DefaultKeywords()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.RedisURL == "" {
			return errors.New("dedup.redis_url is required when dedup.backend is redis")
		}
	default:
		return fmt.Errorf("dedup.backend: unsupported backend %q", c.Dedup.Backend)
	}
	switch c.Reply.OnFailure {
	case OnFailureApology, OnFailureSilent:
	default:
		return fmt.Errorf("reply.on_failure: must be %q or %q", OnFailureApology, OnFailureSilent)
	}
	switch c.Transport.Mode {
	case TransportDelivery, TransportBridge:
	default:
		return fmt.Errorf("transport.mode: unsupported mode %q", c.Transport.Mode)
	}
	if c.Store.RetryAttempts < 1 {
		return errors.New("store.retry_attempts must be at least 1")
	}
	return nil
}

// DefaultKeywords returns the intent rules used when none are configured.
func DefaultKeywords() []KeywordRule {
	return []KeywordRule{
		{Intent: "bienvenida.artista", Any: []string{"soy artista", "artista visual"}},
		{Intent: "bienvenida.comercio", Any: []string{"tengo un comercio", "vendo productos", "soy emprendedor"}},
		{Intent: "tecnologias_creativas", Any: []string{"qué tecnología usan", "p5.js", "processing"}},
		{Intent: "propuesta_llamada", Any: []string{"me interesa una página", "quiero una web", "hacer una web", "necesito una página"}},
		{Intent: "propuesta_horarios", Any: []string{"puedo esta semana", "cuándo podríamos"}},
		{Intent: "propuesta_horarios", All: []string{"día", "hora"}},
		{Intent: "confirmacion_agenda", Any: []string{"confirmado", "agendado", "perfecto", "quedamos así"}},
	}
}
