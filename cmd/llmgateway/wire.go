package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/credential"
	"github.com/howard-nolan/llmgateway/internal/gateway"
	"github.com/howard-nolan/llmgateway/internal/imagejob"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/wechat"
)

// buildStore returns the credential store named in the config and a close
// function for whatever connection it holds.
func buildStore(cfg config.CredentialsConfig) (credential.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store {
	case config.StoreFile:
		return credential.NewFileStore(cfg.Dir), noop, nil
	case config.StoreMemory:
		return credential.NewMemoryStore(), noop, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return credential.NewRedisStore(client, cfg.Redis.KeyPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential store %q", cfg.Store)
	}
}

// providerFactory builds the adapter for one configured provider. Baidu
// style providers also register their token issuer with the cache.
type providerFactory func(name string, pc config.ProviderConfig) provider.Provider

// buildProviders registers every configured provider and restricts each to
// its configured models.
func buildProviders(cfg *config.Config, cache *credential.Cache, client *http.Client, logger *zap.Logger) (*provider.Registry, map[string][]string, error) {
	constructors := map[string]providerFactory{
		config.StyleBaidu: func(name string, pc config.ProviderConfig) provider.Provider {
			cache.Register(name, &credential.ClientCredentialsIssuer{
				TokenURL:     pc.TokenURL,
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Client:       client,
			})
			return provider.NewBaiduProvider(name, pc.BaseURL, cache, client, logger)
		},
		config.StyleOpenAI: func(name string, pc config.ProviderConfig) provider.Provider {
			return provider.NewOpenAIProvider(name, pc.APIKey, pc.BaseURL, client, logger)
		},
		config.StyleGemini: func(name string, pc config.ProviderConfig) provider.Provider {
			return provider.NewGeminiProvider(name, pc.APIKey, pc.BaseURL, client, logger)
		},
		config.StyleAnthropic: func(name string, pc config.ProviderConfig) provider.Provider {
			return provider.NewAnthropicProvider(name, pc.APIKey, pc.BaseURL, client, logger)
		},
	}

	// Sorted so startup logs and registration errors are deterministic.
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	registry := provider.NewRegistry()
	models := make(map[string][]string, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		factory, ok := constructors[pc.Style]
		if !ok {
			return nil, nil, fmt.Errorf("provider %q: unknown style %q", name, pc.Style)
		}
		if err := registry.Register(factory(name, pc)); err != nil {
			return nil, nil, err
		}
		models[name] = pc.Models
		logger.Info("registered provider",
			zap.String("provider", name),
			zap.String("style", pc.Style),
			zap.Strings("models", pc.Models),
		)
	}
	return registry, models, nil
}

// buildGateway assembles the gateway from config. The returned close
// function releases the credential store.
func buildGateway(cfg *config.Config, m *metrics.Metrics, client *http.Client, logger *zap.Logger) (*gateway.Gateway, func() error, error) {
	store, closeStore, err := buildStore(cfg.Credentials)
	if err != nil {
		return nil, nil, err
	}
	cache := credential.NewCache(store, credential.WithLogger(logger), credential.WithMetrics(m))

	registry, models, err := buildProviders(cfg, cache, client, logger)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	var jobs gateway.ImageJobs
	if cfg.ImageJob.BaseURL != "" {
		jobs = imagejob.NewClient(cfg.ImageJob.BaseURL, cfg.ImageJob.Secret, client, logger)
	}

	gw := gateway.New(registry, jobs, m, logger)
	for name, list := range models {
		gw.AllowModels(name, list)
	}
	return gw, closeStore, nil
}

// buildWeChat returns nil when no app id is configured.
func buildWeChat(cfg config.WeChatConfig, client *http.Client, logger *zap.Logger) *wechat.Client {
	if cfg.AppID == "" {
		return nil
	}
	return wechat.NewClient(cfg.AuthURL, cfg.AppID, cfg.AppSecret, client, logger)
}
