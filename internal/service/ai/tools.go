package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"
)

// InitToolsChain returns the tools offered to the model when web search is
// enabled. It is empty when no search provider could be set up.
func InitToolsChain(ctx context.Context) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(ctx); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

func InitWebSearch(ctx context.Context) tool.InvokableTool {
	googleTool := InitGooglesearch(ctx)
	duckTool := InitDDGsearch(ctx)
	if googleTool == nil && duckTool == nil {
		slog.Warn("web search tool disabled: no search providers available")
		return nil
	}

	ws := newWebSearchTool(googleTool, duckTool)
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information; " +
			"automatically fallbacks to another provider if needed;" +
			"can fetch a URL directly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *rate.Limiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

func newWebSearchTool(google, duck tool.InvokableTool) *webSearchTool {
	return &webSearchTool{
		google:     google,
		duck:       duck,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    rate.NewLimiter(rate.Every(WebSearchRateWindow/WebSearchRateLimit), WebSearchRateLimit),
	}
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if !w.limiter.Allow() {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		slog.Warn("web url loader failed", "url", query, "err", err)
	}

	payloadBytes, err := json.Marshal(webSearchParams{Query: query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		slog.Warn("google search failed", "err", err)
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		slog.Warn("duckduckgo search failed", "err", err)
	}
	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch sets up DuckDuckGo search, which needs no credentials.
func InitDDGsearch(ctx context.Context) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		slog.Warn("duckduckgo search tool disabled", "err", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch sets up Google search from GOOGLE_API_KEY and
// GOOGLE_SEARCH_ENGINE_ID.
func InitGooglesearch(ctx context.Context) tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		slog.Info("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		slog.Warn("google search tool disabled", "err", err)
		return nil
	}
	return googleTool
}
