package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"survey-dispatch/internal/ai"
	"survey-dispatch/internal/cache"
	"survey-dispatch/internal/config"
	"survey-dispatch/internal/credit"
	"survey-dispatch/internal/dispatch"
	"survey-dispatch/internal/httpserver"
	"survey-dispatch/internal/logging"
	"survey-dispatch/internal/metrics"
	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/quota"
	"survey-dispatch/internal/ratelimit"
	"survey-dispatch/internal/repo"
	"survey-dispatch/internal/senders"
	"survey-dispatch/internal/wa"
	"survey-dispatch/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting survey-dispatch", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.Open(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemory(ratelimit.SystemClock{})
	if cfg.RateLimitBackend == "redis" {
		if redisClient == nil {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_ADDR")
		}
		limiter = ratelimit.NewRedis(redisClient.Client(), redisClient.Key("ratelimit"), ratelimit.SystemClock{})
	}
	logger.Info("rate limiter ready", "backend", cfg.RateLimitBackend)

	registry := provider.NewRegistry(limiter, logger)
	waClient, err := registerProviders(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	if waClient != nil {
		defer waClient.Close()
		waCtx, waCancel := context.WithCancel(ctx)
		defer waCancel()
		go func() {
			if err := waClient.Start(waCtx); err != nil {
				logger.Error("whatsapp session stopped", "error", err)
			}
		}()
	}
	for _, ch := range registry.Channels() {
		logger.Info("channel ready", "channel", ch, "providers", len(registry.Providers(ch)))
	}

	ledger := credit.NewLedger(repository, logger, metricRegistry)
	quotas := quota.NewEngine(repository, logger, metricRegistry)
	pricing := credit.NewPricing(map[provider.Channel]int64{
		provider.ChannelEmail:    cfg.Prices.Email,
		provider.ChannelSMS:      cfg.Prices.SMS,
		provider.ChannelWhatsApp: cfg.Prices.WhatsApp,
		provider.ChannelVoIP:     cfg.Prices.VoIP,
		provider.ChannelAI:       cfg.Prices.AI,
	})

	var linkCache dispatch.LinkCache
	if redisClient != nil {
		linkCache = redisClient
	}
	linker := dispatch.NewLinker(cfg.SurveyBaseURL, repository, linkCache, logger)
	engine := dispatch.NewEngine(registry, ledger, quotas, repository, linker, dispatch.Config{
		SendInterval: cfg.DispatchSendInterval,
		Pricing:      pricing,
	}, logger, metricRegistry)

	generator := ai.NewService(aiConfig(cfg), limiter, repository, ledger, logger, metricRegistry)
	if generator.Configured() {
		if err := generator.SyncKeys(ctx); err != nil {
			return fmt.Errorf("sync ai keys: %w", err)
		}
		logger.Info("ai providers ready", "count", len(generator.Providers()))
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Dispatcher: engine,
		Quotas:     quotas,
		Wallet:     ledger,
		Generator:  generator,
		Logs:       repository,
		Database:   repository,
		Registry:   registry,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

// registerProviders adds every provider whose credentials are present. The
// n8n webhook, when set, goes first on each channel.
func registerProviders(ctx context.Context, cfg *config.Config, registry *provider.Registry, logger *slog.Logger) (*wa.Client, error) {
	hc := senders.NewHTTPClient(cfg.ProviderTimeout)

	if cfg.N8NWebhookURL != "" {
		hook := senders.NewWebhook(cfg.N8NWebhookURL, hc)
		for _, ch := range provider.DispatchChannels {
			registry.Register(provider.Provider{
				ID:       "n8n-" + ch.String(),
				Name:     "n8n webhook",
				Channel:  ch,
				Priority: 0,
				Endpoint: cfg.N8NWebhookURL,
				Active:   true,
				Sender:   hook,
			})
		}
	}

	for i, key := range cfg.Brevo.APIKeys {
		registry.Register(provider.Provider{
			ID:        fmt.Sprintf("brevo-%d", i+1),
			Name:      "Brevo",
			Channel:   provider.ChannelEmail,
			Priority:  10 + i,
			RateLimit: cfg.Brevo.RateLimit,
			Active:    true,
			Sender: senders.NewBrevo(senders.BrevoConfig{
				APIKey:      key,
				SenderEmail: cfg.Brevo.SenderEmail,
				SenderName:  cfg.Brevo.SenderName,
			}, hc),
		})
	}
	if cfg.SMTP.Host != "" {
		registry.Register(provider.Provider{
			ID:        "smtp",
			Name:      "SMTP",
			Channel:   provider.ChannelEmail,
			Priority:  50,
			RateLimit: cfg.SMTP.RateLimit,
			Endpoint:  fmt.Sprintf("%s:%d", cfg.SMTP.Host, cfg.SMTP.Port),
			Active:    true,
			Sender: senders.NewSMTP(senders.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
			}),
		})
	}

	if cfg.SMS.GatewayURL != "" {
		registry.Register(provider.Provider{
			ID:        "sms-gateway",
			Name:      "SMS gateway",
			Channel:   provider.ChannelSMS,
			Priority:  10,
			RateLimit: cfg.SMS.RateLimit,
			Endpoint:  cfg.SMS.GatewayURL,
			Active:    true,
			Sender:    senders.NewSMSGateway(cfg.SMS.GatewayURL, cfg.SMS.Token, hc),
		})
	}

	if cfg.Evolution.BaseURL != "" {
		for i, instance := range cfg.Evolution.Instances {
			registry.Register(provider.Provider{
				ID:        "evolution-" + instance,
				Name:      "Evolution " + instance,
				Channel:   provider.ChannelWhatsApp,
				Priority:  10 + i,
				RateLimit: cfg.Evolution.RateLimit,
				Endpoint:  cfg.Evolution.BaseURL,
				Active:    true,
				Sender:    senders.NewEvolution(cfg.Evolution.BaseURL, cfg.Evolution.APIKey, instance, hc),
			})
		}
	}

	var waClient *wa.Client
	if cfg.WhatsApp.Enabled {
		client, err := wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsApp.StorePath,
			LogLevel:  cfg.WhatsApp.LogLevel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init whatsapp session: %w", err)
		}
		waClient = client
		registry.Register(provider.Provider{
			ID:        "whatsmeow",
			Name:      "WhatsApp session",
			Channel:   provider.ChannelWhatsApp,
			Priority:  50,
			RateLimit: cfg.WhatsApp.RateLimit,
			Active:    true,
			Sender:    client,
		})
	}

	if cfg.VoIP.APIURL != "" {
		registry.Register(provider.Provider{
			ID:        "voip",
			Name:      "VoIP",
			Channel:   provider.ChannelVoIP,
			Priority:  10,
			RateLimit: cfg.VoIP.RateLimit,
			Endpoint:  cfg.VoIP.APIURL,
			Active:    true,
			Sender:    senders.NewVoIP(cfg.VoIP.APIURL, cfg.VoIP.Token, hc),
		})
	}

	return waClient, nil
}

func aiConfig(cfg *config.Config) ai.Config {
	single := func(key string) []string {
		if key == "" {
			return nil
		}
		return []string{key}
	}
	return ai.Config{
		Cooldown: cfg.AI.KeyCooldown,
		Timeout:  cfg.AI.Timeout,
		Price:    cfg.Prices.AI,
		Tiers: []ai.Tier{
			{Name: "groq", BaseURL: cfg.AI.GroqBaseURL, Model: cfg.AI.GroqModel, Keys: cfg.AI.GroqAPIKeys, RateLimit: cfg.AI.GroqRateLimit},
			{Name: "openai", BaseURL: cfg.AI.OpenAIBaseURL, Model: cfg.AI.OpenAIModel, Keys: single(cfg.AI.OpenAIAPIKey)},
			{Name: "openrouter", BaseURL: cfg.AI.OpenRouterURL, Model: cfg.AI.OpenRouterModel, Keys: single(cfg.AI.OpenRouterKey)},
		},
	}
}
