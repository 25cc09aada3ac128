package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"polychat/internal/models"
	"polychat/internal/provider"

	"github.com/cloudwego/eino/components/model"
)

const (
	WebSearchRateLimit   = 10
	WebSearchRateWindow  = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second
	maxFetchedPageChars  = 20000
)

type toolScopeContextKey struct{}

// toolScope carries the request being generated into tool invocations.
type toolScope struct {
	userID   int64
	chatID   string
	unit     models.TemperatureUnit
	emit     Emitter
	recorder *invocationRecorder
	model    model.BaseChatModel
}

func withToolScope(ctx context.Context, scope *toolScope) context.Context {
	return context.WithValue(ctx, toolScopeContextKey{}, scope)
}

func toolScopeFromContext(ctx context.Context) (*toolScope, error) {
	scope, _ := ctx.Value(toolScopeContextKey{}).(*toolScope)
	if scope == nil {
		return nil, errors.New("tool called outside of a chat generation")
	}
	return scope, nil
}

type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	if idx > 0 {
		queue = queue[idx:]
	}
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	queue = append(queue, now)
	l.hits[key] = queue
	return true
}

// invocationRecorder collects tool invocations in call order.
type invocationRecorder struct {
	mu    sync.Mutex
	calls []*models.ToolInvocation
}

func (r *invocationRecorder) start(id, name string, args json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, &models.ToolInvocation{
		ToolCallID: id,
		ToolName:   name,
		Args:       args,
		State:      models.ToolStateCall,
	})
}

func (r *invocationRecorder) finish(id string, result json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.ToolCallID == id {
			c.Result = result
			c.State = models.ToolStateResult
			return
		}
	}
}

func (r *invocationRecorder) parts() []models.Part {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := make([]models.Part, 0, len(r.calls))
	for _, c := range r.calls {
		inv := *c
		parts = append(parts, models.Part{Type: models.PartToolInvocation, ToolInvocation: &inv})
	}
	return parts
}

// fetchURL returns the body of an http(s) page, truncated.
func fetchURL(ctx context.Context, client *http.Client, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}
	body, err := provider.Fetch(ctx, client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "Polychat-WebSearch/1.0")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	return truncateRunes(string(body), maxFetchedPageChars), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
