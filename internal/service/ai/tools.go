package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"polychat/internal/provider/weather"
	"polychat/internal/sse"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

func (s *Service) initTools() []tool.BaseTool {
	var tools []tool.BaseTool
	add := func(t tool.InvokableTool) {
		if t != nil {
			tools = append(tools, &observedTool{inner: t})
		}
	}
	if s.weather != nil {
		add(s.initWeatherTool())
	}
	if s.stocks != nil {
		add(s.initStockTool())
	}
	if s.search != nil {
		add(s.initWebSearch())
	}
	if s.documents != nil {
		add(s.initCreateDocument())
		add(s.initUpdateDocument())
		add(s.initRequestSuggestions())
	}
	return tools
}

// observedTool reports each invocation to the chat stream and records it
// for the persisted assistant message.
type observedTool struct {
	inner tool.InvokableTool
}

func (o *observedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return o.inner.Info(ctx)
}

func (o *observedTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	info, err := o.inner.Info(ctx)
	if err != nil {
		return "", err
	}
	scope, scopeErr := toolScopeFromContext(ctx)
	callID := compose.GetToolCallID(ctx)
	if callID == "" {
		callID = uuid.NewString()
	}
	args := json.RawMessage(argumentsInJSON)
	if !json.Valid(args) {
		args, _ = json.Marshal(argumentsInJSON)
	}
	if scopeErr == nil {
		scope.recorder.start(callID, info.Name, args)
		if err := scope.emit(sse.EventToolCall, map[string]any{"toolCallId": callID, "toolName": info.Name, "args": args}); err != nil {
			return "", err
		}
	}

	out, runErr := o.inner.InvokableRun(ctx, argumentsInJSON, opts...)
	if runErr != nil {
		// tool failures are reported to the model instead of aborting the turn
		log.Printf("ai: tool %s failed: %v", info.Name, runErr)
		b, _ := json.Marshal(map[string]string{"error": runErr.Error()})
		out = string(b)
	}
	result := json.RawMessage(out)
	if !json.Valid(result) {
		result, _ = json.Marshal(out)
	}
	if scopeErr == nil {
		scope.recorder.finish(callID, result)
		if err := scope.emit(sse.EventToolResult, map[string]any{"toolCallId": callID, "toolName": info.Name, "result": result}); err != nil {
			return "", err
		}
	}
	return out, nil
}

type weatherParams struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Service) initWeatherTool() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "getWeather",
		Desc: "Get the current weather and a short forecast at a location.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"latitude": {
				Desc:     "Latitude of the location",
				Type:     schema.Number,
				Required: true,
			},
			"longitude": {
				Desc:     "Longitude of the location",
				Type:     schema.Number,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *weatherParams) (string, error) {
		if params == nil {
			return "", errors.New("missing weather parameters")
		}
		if params.Latitude < -90 || params.Latitude > 90 || params.Longitude < -180 || params.Longitude > 180 {
			return "", errors.New("coordinates out of range")
		}
		scope, err := toolScopeFromContext(ctx)
		if err != nil {
			return "", err
		}
		report, err := s.weather.Forecast(ctx, weather.Coordinates(params.Latitude, params.Longitude), scope.unit)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(report)
		return string(b), err
	})
}

type stockParams struct {
	Symbol string `json:"symbol"`
}

func (s *Service) initStockTool() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "getStockQuote",
		Desc: "Get the latest stock quote and recent daily closing prices for a ticker symbol.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"symbol": {
				Desc:     "Ticker symbol, for example AAPL",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *stockParams) (string, error) {
		if params == nil || strings.TrimSpace(params.Symbol) == "" {
			return "", errors.New("symbol is required")
		}
		quote, err := s.stocks.Quote(ctx, params.Symbol, 0)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(quote)
		return string(b), err
	})
}

type webSearchTool struct {
	searcher   WebSearcher
	httpClient *http.Client
	limiter    *toolRateLimiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (s *Service) initWebSearch() tool.InvokableTool {
	ws := &webSearchTool{
		searcher:   s.search,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow),
	}
	info := &schema.ToolInfo{
		Name: "webSearch",
		Desc: "Search the web for up-to-date information; " +
			"pass a URL instead of a query to read that page.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to read",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	key := "anonymous"
	if scope, err := toolScopeFromContext(ctx); err == nil {
		key = strconv.FormatInt(scope.userID, 10)
	}
	if !w.limiter.Allow(key) {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		content, err := fetchURL(ctx, w.httpClient, query)
		if err == nil {
			b, err := json.Marshal(map[string]string{"url": query, "content": content})
			return string(b), err
		}
		log.Printf("ai: web url loader failed: %v", err)
	}

	results, err := w.searcher.Search(ctx, query, 0)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	b, err := json.Marshal(map[string]any{"query": query, "results": results})
	return string(b), err
}
