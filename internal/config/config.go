package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting of the service. Values come from the
// environment; a missing provider credential only removes that provider.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	DatabaseURL      string
	DatabaseSchema   string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisTLS         bool
	RateLimitBackend string
	MetricsNamespace string

	SurveyBaseURL        string
	DispatchSendInterval time.Duration
	ProviderTimeout      time.Duration

	N8NWebhookURL string
	Brevo         BrevoConfig
	SMTP          SMTPConfig
	SMS           SMSConfig
	Evolution     EvolutionConfig
	WhatsApp      WhatsAppConfig
	VoIP          VoIPConfig
	AI            AIConfig
	Prices        PriceConfig
}

// BrevoConfig lists Brevo transactional email accounts, one provider per key.
type BrevoConfig struct {
	APIKeys     []string
	SenderEmail string
	SenderName  string
	RateLimit   int
}

// SMTPConfig configures the SMTP email fallback.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	RateLimit int
}

// SMSConfig configures the HTTP SMS gateway.
type SMSConfig struct {
	GatewayURL string
	Token      string
	RateLimit  int
}

// EvolutionConfig configures Evolution API WhatsApp instances.
type EvolutionConfig struct {
	BaseURL   string
	APIKey    string
	Instances []string
	RateLimit int
}

// WhatsAppConfig configures the direct whatsmeow session.
type WhatsAppConfig struct {
	Enabled   bool
	StorePath string
	LogLevel  string
	RateLimit int
}

// VoIPConfig configures the voice call API.
type VoIPConfig struct {
	APIURL    string
	Token     string
	RateLimit int
}

// AIConfig configures generation providers from free to paid tiers.
type AIConfig struct {
	GroqAPIKeys     []string
	GroqBaseURL     string
	GroqModel       string
	GroqRateLimit   int
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenRouterKey   string
	OpenRouterURL   string
	OpenRouterModel string
	KeyCooldown     time.Duration
	Timeout         time.Duration
}

// PriceConfig holds unit prices in minor currency units (centavos).
type PriceConfig struct {
	Email    int64
	SMS      int64
	WhatsApp int64
	VoIP     int64
	AI       int64
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		AppEnv:           v.GetString("APP_ENV"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
		HTTPListenAddr:   v.GetString("HTTP_LISTEN_ADDR"),
		PublicBasePath:   v.GetString("PUBLIC_BASE_PATH"),
		DatabaseURL:      strings.TrimSpace(v.GetString("DATABASE_URL")),
		DatabaseSchema:   v.GetString("DATABASE_SCHEMA"),
		RedisAddr:        v.GetString("REDIS_ADDR"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisDB:          v.GetInt("REDIS_DB"),
		RedisTLS:         v.GetBool("REDIS_TLS"),
		RateLimitBackend: strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
		MetricsNamespace: v.GetString("METRICS_NAMESPACE"),

		SurveyBaseURL:        strings.TrimRight(v.GetString("SURVEY_BASE_URL"), "/"),
		DispatchSendInterval: v.GetDuration("DISPATCH_SEND_INTERVAL"),
		ProviderTimeout:      v.GetDuration("PROVIDER_TIMEOUT"),

		N8NWebhookURL: strings.TrimSpace(v.GetString("N8N_WEBHOOK_URL")),
		Brevo: BrevoConfig{
			APIKeys:     splitList(v.GetString("BREVO_API_KEYS")),
			SenderEmail: v.GetString("BREVO_SENDER_EMAIL"),
			SenderName:  v.GetString("BREVO_SENDER_NAME"),
			RateLimit:   v.GetInt("BREVO_RATE_LIMIT"),
		},
		SMTP: SMTPConfig{
			Host:      v.GetString("SMTP_HOST"),
			Port:      v.GetInt("SMTP_PORT"),
			Username:  v.GetString("SMTP_USERNAME"),
			Password:  v.GetString("SMTP_PASSWORD"),
			From:      v.GetString("SMTP_FROM"),
			RateLimit: v.GetInt("SMTP_RATE_LIMIT"),
		},
		SMS: SMSConfig{
			GatewayURL: strings.TrimSpace(v.GetString("SMS_GATEWAY_URL")),
			Token:      v.GetString("SMS_GATEWAY_TOKEN"),
			RateLimit:  v.GetInt("SMS_RATE_LIMIT"),
		},
		Evolution: EvolutionConfig{
			BaseURL:   strings.TrimSpace(v.GetString("EVOLUTION_BASE_URL")),
			APIKey:    v.GetString("EVOLUTION_API_KEY"),
			Instances: splitList(v.GetString("EVOLUTION_INSTANCES")),
			RateLimit: v.GetInt("EVOLUTION_RATE_LIMIT"),
		},
		WhatsApp: WhatsAppConfig{
			Enabled:   v.GetBool("WHATSAPP_ENABLED"),
			StorePath: v.GetString("WHATSAPP_STORE_PATH"),
			LogLevel:  v.GetString("WHATSAPP_LOG_LEVEL"),
			RateLimit: v.GetInt("WHATSAPP_RATE_LIMIT"),
		},
		VoIP: VoIPConfig{
			APIURL:    strings.TrimSpace(v.GetString("VOIP_API_URL")),
			Token:     v.GetString("VOIP_API_TOKEN"),
			RateLimit: v.GetInt("VOIP_RATE_LIMIT"),
		},
		AI: AIConfig{
			GroqAPIKeys:     splitList(v.GetString("GROQ_API_KEYS")),
			GroqBaseURL:     v.GetString("GROQ_BASE_URL"),
			GroqModel:       v.GetString("GROQ_MODEL"),
			GroqRateLimit:   v.GetInt("GROQ_RATE_LIMIT"),
			OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
			OpenAIBaseURL:   v.GetString("OPENAI_BASE_URL"),
			OpenAIModel:     v.GetString("OPENAI_MODEL"),
			OpenRouterKey:   v.GetString("OPENROUTER_API_KEY"),
			OpenRouterURL:   v.GetString("OPENROUTER_BASE_URL"),
			OpenRouterModel: v.GetString("OPENROUTER_MODEL"),
			KeyCooldown:     v.GetDuration("AI_KEY_COOLDOWN"),
			Timeout:         v.GetDuration("AI_TIMEOUT"),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	switch cfg.RateLimitBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", cfg.RateLimitBackend)
	}

	prices, err := loadPrices(v)
	if err != nil {
		return nil, err
	}
	cfg.Prices = prices

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("HTTP_LISTEN_ADDR", ":8080")
	v.SetDefault("RATE_LIMIT_BACKEND", "memory")
	v.SetDefault("METRICS_NAMESPACE", "survey_dispatch")
	v.SetDefault("DISPATCH_SEND_INTERVAL", "300ms")
	v.SetDefault("PROVIDER_TIMEOUT", "15s")
	v.SetDefault("BREVO_RATE_LIMIT", 60)
	v.SetDefault("BREVO_SENDER_NAME", "Pesquisas")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_RATE_LIMIT", 30)
	v.SetDefault("SMS_RATE_LIMIT", 60)
	v.SetDefault("EVOLUTION_RATE_LIMIT", 20)
	v.SetDefault("WHATSAPP_STORE_PATH", "data/whatsapp.db")
	v.SetDefault("WHATSAPP_LOG_LEVEL", "WARN")
	v.SetDefault("WHATSAPP_RATE_LIMIT", 10)
	v.SetDefault("VOIP_RATE_LIMIT", 10)
	v.SetDefault("GROQ_BASE_URL", "https://api.groq.com/openai/v1")
	v.SetDefault("GROQ_MODEL", "llama-3.3-70b-versatile")
	v.SetDefault("GROQ_RATE_LIMIT", 30)
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("OPENROUTER_MODEL", "meta-llama/llama-3.3-70b-instruct")
	v.SetDefault("AI_KEY_COOLDOWN", "60s")
	v.SetDefault("AI_TIMEOUT", "30s")
	v.SetDefault("CREDIT_PRICE_EMAIL", "0.05")
	v.SetDefault("CREDIT_PRICE_SMS", "0.15")
	v.SetDefault("CREDIT_PRICE_WHATSAPP", "0.10")
	v.SetDefault("CREDIT_PRICE_VOIP", "0.50")
	v.SetDefault("CREDIT_PRICE_AI", "0")
}

func loadPrices(v *viper.Viper) (PriceConfig, error) {
	var prices PriceConfig
	fields := []struct {
		key  string
		dest *int64
	}{
		{"CREDIT_PRICE_EMAIL", &prices.Email},
		{"CREDIT_PRICE_SMS", &prices.SMS},
		{"CREDIT_PRICE_WHATSAPP", &prices.WhatsApp},
		{"CREDIT_PRICE_VOIP", &prices.VoIP},
		{"CREDIT_PRICE_AI", &prices.AI},
	}
	for _, f := range fields {
		cents, err := ParseCents(v.GetString(f.key))
		if err != nil {
			return PriceConfig{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dest = cents
	}
	return prices, nil
}

// ParseCents converts a decimal amount such as "0.15" or "1,50" into minor units.
func ParseCents(raw string) (int64, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", "."))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("amount %q must not be negative", raw)
	}
	return int64(math.Round(val * 100)), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
