package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/metrics"
	"chatgate/internal/redis"

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"
)

type modelLister interface {
	ListModels(ctx context.Context) (goopenai.ModelsList, error)
}

// listerFactory builds the OpenAI-compatible listing client; tests swap it.
var listerFactory = func(p config.ProviderConfig) modelLister {
	clientCfg := goopenai.DefaultConfig(p.APIKey)
	if p.BaseURL != "" {
		clientCfg.BaseURL = p.BaseURL
	}
	return goopenai.NewClientWithConfig(clientCfg)
}

// Discovery lists the models each provider offers. OpenAI-compatible
// providers (Ollama included) are asked through /v1/models; other providers
// report their configured model. Concurrent lookups of one provider share a
// single upstream call, and results are cached in redis when a client is set.
type Discovery struct {
	providers       map[string]config.ProviderConfig
	defaultProvider string

	cache    *redis.Client
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	group    singleflight.Group
}

type DiscoveryOption func(*Discovery)

func WithCache(c *redis.Client, ttl time.Duration) DiscoveryOption {
	return func(d *Discovery) {
		d.cache = c
		d.cacheTTL = ttl
	}
}

func WithDiscoveryMetrics(m *metrics.Metrics) DiscoveryOption {
	return func(d *Discovery) { d.metrics = m }
}

func NewDiscovery(cfg *config.Config, opts ...DiscoveryOption) *Discovery {
	d := &Discovery{
		providers:       cfg.Providers,
		defaultProvider: cfg.BasicConfig.DefaultProvider,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Models lists every selectable model. Models of the default provider are
// bare names; the others carry a "provider/" prefix, matching what Resolve
// accepts. It fails only when the default provider cannot be listed.
func (d *Discovery) Models(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(d.providers))
	for name := range d.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		ids, err := d.ProviderModels(ctx, name)
		if err != nil {
			if name == d.defaultProvider {
				return nil, err
			}
			slog.Warn("list models failed", "provider", name, "err", err)
			continue
		}
		for _, id := range ids {
			if name != d.defaultProvider {
				id = name + "/" + id
			}
			out = append(out, id)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// ProviderModels returns the model ids offered by one provider.
func (d *Discovery) ProviderModels(ctx context.Context, provider string) ([]string, error) {
	p, ok := d.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if p.Type != "" && p.Type != "openai" {
		if p.Model == "" {
			return []string{}, nil
		}
		return []string{p.Model}, nil
	}

	cacheKey := modelsCacheKey(provider)
	if d.cache != nil {
		var cached []string
		err := d.cache.GetJSON(ctx, cacheKey, &cached)
		if err == nil {
			d.metrics.ModelList("cache")
			return cached, nil
		}
		if !errors.Is(err, redis.ErrCacheMiss) {
			slog.Warn("model cache read failed", "provider", provider, "err", err)
		}
	}

	v, err, _ := d.group.Do(provider, func() (any, error) {
		list, err := listerFactory(p).ListModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("list models of %s: %w", provider, err)
		}
		ids := make([]string, 0, len(list.Models))
		for _, m := range list.Models {
			ids = append(ids, m.ID)
		}
		slices.Sort(ids)
		return ids, nil
	})
	if err != nil {
		d.metrics.ModelList("error")
		return nil, err
	}
	ids := v.([]string)
	d.metrics.ModelList("upstream")

	if d.cache != nil && d.cacheTTL > 0 {
		if err := d.cache.SetJSON(ctx, cacheKey, ids, d.cacheTTL); err != nil {
			slog.Warn("model cache write failed", "provider", provider, "err", err)
		}
	}
	return slices.Clone(ids), nil
}

// Refresh drops the cached listing of provider and lists it again. It reports
// false without listing when no cache is configured, since the last answer
// then came straight from upstream.
func (d *Discovery) Refresh(ctx context.Context, provider string) ([]string, bool, error) {
	if d.cache == nil {
		return nil, false, nil
	}
	if err := d.cache.Del(ctx, modelsCacheKey(provider)); err != nil {
		slog.Warn("model cache invalidate failed", "provider", provider, "err", err)
	}
	ids, err := d.ProviderModels(ctx, provider)
	return ids, true, err
}

func modelsCacheKey(provider string) string {
	return "models:" + provider
}
