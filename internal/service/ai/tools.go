package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// InitToolsChain returns the tools the responder's agent may call.
func InitToolsChain(logger *zap.Logger) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(logger); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

// InitWebSearch builds a search tool that tries Google first and falls back
// to DuckDuckGo. It returns nil when neither provider is available.
func InitWebSearch(logger *zap.Logger) tool.InvokableTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	googleTool := InitGooglesearch(logger)
	duckTool := InitDDGsearch(logger)
	if googleTool == nil && duckTool == nil {
		logger.Warn("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow),
		logger:     logger,
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for trade information such as HS codes, tariffs and import rules; " +
			"falls back to another provider if needed; " +
			"a URL fetches that page directly.",
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
	limiter    *toolRateLimiter
	logger     *zap.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	key := "global"
	if userID, sessionID, ok := ToolSessionFromContext(ctx); ok {
		key = fmt.Sprintf("user:%d:session:%d", userID, sessionID)
	}
	if w.limiter != nil && !w.limiter.Allow(key) {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		w.logger.Debug("web url loader failed", zap.String("url", query), zap.Error(err))
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		w.logger.Warn("google search failed", zap.Error(err))
	}

	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		w.logger.Warn("duckduckgo search failed", zap.Error(err))
	}

	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch Init DDG Search
func InitDDGsearch(logger *zap.Logger) tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), duckConfig)
	if err != nil {
		logger.Warn("duckduckgo search tool disabled", zap.Error(err))
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch(logger *zap.Logger) tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		logger.Info("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		logger.Warn("google search tool disabled", zap.Error(err))
		return nil
	}
	return googleTool
}
