// Package openrouter lists the models available through OpenRouter.
package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"polychat/internal/apperr"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL  = "https://openrouter.ai/api/v1"
	defaultCacheTTL = 10 * time.Minute
)

type Model struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	ContextLength   int      `json:"contextLength"`
	PromptPrice     string   `json:"promptPrice"`
	CompletionPrice string   `json:"completionPrice"`
	InputModalities []string `json:"inputModalities,omitempty"`
}

// Catalog caches the model listing and collapses concurrent refreshes.
type Catalog struct {
	client openai.Client
	ttl    time.Duration
	now    func() time.Time

	group     singleflight.Group
	mu        sync.RWMutex
	models    []Model
	fetchedAt time.Time
}

func NewCatalog(apiKey, baseURL string, httpClient *http.Client) *Catalog {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	opts := []option.RequestOption{option.WithBaseURL(baseURL), option.WithMaxRetries(2)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Catalog{
		client: openai.NewClient(opts...),
		ttl:    defaultCacheTTL,
		now:    time.Now,
	}
}

type modelDetails struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
	Architecture struct {
		InputModalities []string `json:"input_modalities"`
	} `json:"architecture"`
}

// Models returns the cached listing, refreshing it once the TTL elapsed.
func (c *Catalog) Models(ctx context.Context) ([]Model, error) {
	c.mu.RLock()
	if c.models != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		models := c.models
		c.mu.RUnlock()
		return models, nil
	}
	stale := c.models
	c.mu.RUnlock()

	v, err, _ := c.group.Do("models", func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if stale != nil {
			return stale, nil
		}
		return nil, apperr.Wrap(apperr.Offline, apperr.SurfaceModels, err)
	}
	return v.([]Model), nil
}

func (c *Catalog) fetch(ctx context.Context) ([]Model, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]Model, 0, len(page.Data))
	for _, m := range page.Data {
		var details modelDetails
		if raw := m.RawJSON(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &details)
		}
		name := details.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, Model{
			ID:              m.ID,
			Name:            name,
			Description:     details.Description,
			ContextLength:   details.ContextLength,
			PromptPrice:     details.Pricing.Prompt,
			CompletionPrice: details.Pricing.Completion,
			InputModalities: details.Architecture.InputModalities,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	c.mu.Lock()
	c.models = models
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return models, nil
}
