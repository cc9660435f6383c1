package ai

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"chatgate/internal/config"
	"chatgate/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultClaudeMaxTokens = 3000

// chatModelFactory builds the eino chat model for a provider; tests swap it.
var chatModelFactory = newChatModel

// Registry resolves model selectors into streaming clients. Clients are cached
// per provider and model once the model was verified or is a configured one;
// other selectors get a fresh client per call.
type Registry struct {
	providers       map[string]config.ProviderConfig
	defaultProvider string
	defaultModel    string
	verify          bool

	discovery *Discovery
	tools     []tool.BaseTool
	conv      *converter
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*chatClient
}

// NewRegistry prepares the providers from cfg. discovery may be nil, in which
// case models are never verified.
func NewRegistry(ctx context.Context, cfg *config.Config, discovery *Discovery) (*Registry, error) {
	conv, err := newConverter(ctx)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		providers:       cfg.Providers,
		defaultProvider: cfg.BasicConfig.DefaultProvider,
		defaultModel:    cfg.BasicConfig.DefaultModel,
		verify:          cfg.BasicConfig.VerifyModels,
		discovery:       discovery,
		conv:            conv,
		logger:          slog.Default().With("component", "ai"),
		clients:         make(map[string]*chatClient),
	}
	if cfg.Tools.WebSearch {
		r.tools = InitToolsChain(ctx)
	}
	return r, nil
}

// Resolve implements Factory.
func (r *Registry) Resolve(ctx context.Context, selector string) (Client, error) {
	providerName, modelName := r.parseSelector(selector)
	provCfg, ok := r.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s not configured", ErrModelResolution, providerName)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("%w: no model configured for provider %s", ErrModelResolution, providerName)
	}

	verified := false
	if r.verify && r.discovery != nil {
		available, err := r.discovery.ProviderModels(ctx, providerName)
		if err != nil {
			return nil, fmt.Errorf("%w: list models of %s: %w", ErrModelResolution, providerName, err)
		}
		if !slices.Contains(available, modelName) {
			// a model pulled since the listing was cached
			if fresh, refreshed, err := r.discovery.Refresh(ctx, providerName); refreshed && err == nil {
				available = fresh
			}
		}
		if !slices.Contains(available, modelName) {
			return nil, fmt.Errorf("%w: model %s not available on %s", ErrModelResolution, modelName, providerName)
		}
		verified = true
	}
	cacheable := verified || modelName == provCfg.Model ||
		(providerName == r.defaultProvider && modelName == r.defaultModel)

	key := providerName + "/" + modelName
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}

	chatModel, err := chatModelFactory(ctx, provCfg, modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelResolution, key, err)
	}
	c := &chatClient{model: chatModel, conv: r.conv}
	if len(r.tools) > 0 {
		c.agent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: r.tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: init react agent: %w", ErrModelResolution, err)
		}
	}
	if cacheable {
		r.clients[key] = c
	}
	r.logger.Info("model client ready", "provider", providerName, "model", modelName, "tools", len(r.tools), "cached", cacheable)
	return c, nil
}

// parseSelector splits "provider/model" when the prefix names a configured
// provider. Anything else is a model of the default provider; an empty
// selector means the default model.
func (r *Registry) parseSelector(selector string) (provider, modelName string) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return r.defaultProvider, r.defaultModel
	}
	if prefix, rest, ok := strings.Cut(selector, "/"); ok {
		if _, known := r.providers[prefix]; known {
			return prefix, rest
		}
	}
	return r.defaultProvider, selector
}

func newChatModel(ctx context.Context, provCfg config.ProviderConfig, modelName string) (model.ToolCallingChatModel, error) {
	switch provCfg.Type {
	case "", "openai":
		cfg := &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		}
		if provCfg.MaxTokens > 0 {
			maxTokens := provCfg.MaxTokens
			cfg.MaxTokens = &maxTokens
		}
		return openai.NewChatModel(ctx, cfg)
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: true,
				ThinkingBudget:  nil,
			},
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURL := provCfg.BaseURL
			baseURLPtr = &baseURL
		}
		maxTokens := provCfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider type: %s", provCfg.Type)
	}
}

type chatClient struct {
	model model.ToolCallingChatModel
	agent *react.Agent
	conv  *converter
}

func (c *chatClient) Stream(ctx context.Context, prompt []models.MessagePart, history models.History) (TextStream, error) {
	msgs := c.conv.messages(ctx, history, prompt)

	var (
		streamReader *schema.StreamReader[*schema.Message]
		err          error
	)
	if c.agent != nil {
		streamReader, err = c.agent.Stream(ctx, msgs)
	} else {
		streamReader, err = c.model.Stream(ctx, msgs)
	}
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	return &einoStream{reader: streamReader}, nil
}

// einoStream adapts an eino message stream to TextStream, dropping chunks
// without text such as tool calls or reasoning.
type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
	once   sync.Once
}

func (s *einoStream) Recv() (string, error) {
	for {
		chunk, err := s.reader.Recv()
		if err != nil {
			return "", err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

func (s *einoStream) Close() {
	s.once.Do(s.reader.Close)
}
