package ai

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/config"
	"chatgate/internal/metrics"
	"chatgate/internal/redis"
)

func newModelsServer(t *testing.T, ids ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		time.Sleep(10 * time.Millisecond)
		list := goopenai.ModelsList{}
		for _, id := range ids {
			list.Models = append(list.Models, goopenai.Model{ID: id, Object: "model", OwnedBy: "library"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(list)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDiscoveryListsOllamaModels(t *testing.T) {
	srv, _ := newModelsServer(t, "qwen2.5vl:72b-q4_K_M", "llama3:latest")

	cfg := config.Default()
	cfg.Providers[config.DefaultProvider] = config.ProviderConfig{Type: "openai", BaseURL: srv.URL + "/v1", APIKey: "ollama", Model: config.DefaultModel}
	cfg.Providers["claude"] = config.ProviderConfig{Type: "claude", Model: "claude-sonnet-4"}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := NewDiscovery(cfg, WithDiscoveryMetrics(m))

	got, err := d.Models(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"claude/claude-sonnet-4", "llama3:latest", "qwen2.5vl:72b-q4_K_M"}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelListTotal.WithLabelValues("upstream")))
}

func TestDiscoverySharesConcurrentLookups(t *testing.T) {
	srv, hits := newModelsServer(t, "llama3")

	cfg := config.Default()
	cfg.Providers[config.DefaultProvider] = config.ProviderConfig{Type: "openai", BaseURL: srv.URL + "/v1"}
	d := NewDiscovery(cfg)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ids, err := d.ProviderModels(context.Background(), config.DefaultProvider)
			assert.NoError(t, err)
			assert.Equal(t, []string{"llama3"}, ids)
		}()
	}
	close(start)
	wg.Wait()
	assert.Less(t, hits.Load(), int32(8))
}

func TestDiscoveryFailsWhenDefaultProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Providers[config.DefaultProvider] = config.ProviderConfig{Type: "openai", BaseURL: srv.URL + "/v1"}
	d := NewDiscovery(cfg)

	_, err := d.Models(context.Background())
	assert.Error(t, err)
}

func TestDiscoveryUnknownProvider(t *testing.T) {
	d := NewDiscovery(config.Default())
	_, err := d.ProviderModels(context.Background(), "nope")
	assert.Error(t, err)
}

func TestDiscoveryRefreshWithoutCacheDoesNothing(t *testing.T) {
	srv, hits := newModelsServer(t, "llama3")
	cfg := config.Default()
	cfg.Providers[config.DefaultProvider] = config.ProviderConfig{Type: "openai", BaseURL: srv.URL + "/v1"}
	d := NewDiscovery(cfg)

	ids, refreshed, err := d.Refresh(context.Background(), config.DefaultProvider)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Nil(t, ids)
	assert.Equal(t, int32(0), hits.Load())
}

func TestDiscoveryRefreshPicksUpNewModels(t *testing.T) {
	cache := newTestCache(t)
	var (
		mu  sync.Mutex
		ids = []string{"llama3"}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		list := goopenai.ModelsList{}
		for _, id := range ids {
			list.Models = append(list.Models, goopenai.Model{ID: id})
		}
		mu.Unlock()
		json.NewEncoder(w).Encode(list)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Providers[config.DefaultProvider] = config.ProviderConfig{Type: "openai", BaseURL: srv.URL + "/v1", Model: config.DefaultModel}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := NewDiscovery(cfg, WithCache(cache, time.Minute), WithDiscoveryMetrics(m))
	ctx := context.Background()

	_, _, err := d.Refresh(ctx, config.DefaultProvider)
	require.NoError(t, err)
	got, err := d.ProviderModels(ctx, config.DefaultProvider)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3"}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelListTotal.WithLabelValues("cache")))

	mu.Lock()
	ids = []string{"llama3", "mistral"}
	mu.Unlock()

	got, err = d.ProviderModels(ctx, config.DefaultProvider)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3"}, got, "served from cache")

	useFakeModel(t, &fakeChatModel{})
	r := newTestRegistry(t, cfg, d)
	_, err = r.Resolve(ctx, "mistral")
	require.NoError(t, err)
}

func newTestCache(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	client, err := redis.NewRedisClient(context.Background(), config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}
