package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"polychat/internal/apperr"
	"polychat/internal/provider/github"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// Provider names accepted as the first segment of a model id.
const (
	ProviderOpenRouter = "openrouter"
	ProviderClaude     = "claude"
	ProviderGemini     = "gemini"
	ProviderCopilot    = "copilot"
)

const (
	copilotBaseURL   = "https://api.githubcopilot.com"
	claudeMaxTokens  = 4096
	modelHTTPTimeout = 5 * time.Minute
)

type modelSpec struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// Header is sent with every request; used by Copilot.
	Header http.Header
}

// ParseModelID splits "provider/model". Ids whose first segment is not a
// known provider are OpenRouter slugs such as "openai/gpt-4o-mini".
func ParseModelID(id string) (providerName, modelName string) {
	id = strings.TrimSpace(id)
	if p, m, ok := strings.Cut(id, "/"); ok {
		switch p {
		case ProviderOpenRouter, ProviderClaude, ProviderGemini, ProviderCopilot:
			return p, m
		}
	}
	return ProviderOpenRouter, id
}

func (s *Service) resolveSpec(ctx context.Context, userID int64, modelID string) (modelSpec, error) {
	if strings.TrimSpace(modelID) == "" {
		modelID = s.defaultModelID()
	}
	providerName, modelName := ParseModelID(modelID)
	provCfg := s.cfg.Providers[providerName]
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return modelSpec{}, apperr.New(apperr.BadRequest, apperr.SurfaceChat, "model is required")
	}
	spec := modelSpec{Provider: providerName, Model: modelName, APIKey: provCfg.APIKey, BaseURL: provCfg.BaseURL}

	if providerName == ProviderCopilot {
		if s.copilot == nil || s.github == nil {
			return modelSpec{}, apperr.New(apperr.Offline, apperr.SurfaceCopilot, "github copilot is not configured")
		}
		ghToken, err := s.copilot.CopilotAccessToken(ctx, userID)
		if err != nil {
			return modelSpec{}, apperr.Wrap(apperr.Unauthorized, apperr.SurfaceCopilot, fmt.Errorf("github copilot is not connected: %w", err))
		}
		tok, err := s.github.CopilotToken(ctx, ghToken)
		if err != nil {
			return modelSpec{}, err
		}
		spec.APIKey = tok.Token
		spec.BaseURL = tok.Endpoint
		if spec.BaseURL == "" {
			spec.BaseURL = copilotBaseURL
		}
		spec.Header = http.Header{}
		spec.Header.Set("Editor-Version", github.EditorVersion)
		spec.Header.Set("Editor-Plugin-Version", github.EditorPluginVersion)
		spec.Header.Set("Copilot-Integration-Id", github.IntegrationID)
		return spec, nil
	}
	if spec.APIKey == "" {
		return modelSpec{}, apperr.New(apperr.Offline, apperr.SurfaceChat, fmt.Sprintf("provider %s is not configured", providerName))
	}
	return spec, nil
}

func (s *Service) defaultModelID() string {
	m := s.cfg.Models
	if m.DefaultModel == "" {
		return m.DefaultProvider + "/"
	}
	return m.DefaultProvider + "/" + m.DefaultModel
}

// ChatModel resolves a model id for userID into a tool calling model.
func (s *Service) ChatModel(ctx context.Context, userID int64, modelID string) (model.ToolCallingChatModel, error) {
	spec, err := s.resolveSpec(ctx, userID, modelID)
	if err != nil {
		return nil, err
	}
	return s.buildModel(ctx, spec)
}

// TitleModel returns the model used to name chats.
func (s *Service) TitleModel(ctx context.Context, userID int64) (model.BaseChatModel, error) {
	return s.ChatModel(ctx, userID, s.cfg.Models.TitleModel)
}

func newChatModel(ctx context.Context, spec modelSpec) (model.ToolCallingChatModel, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch spec.Provider {
	case ProviderOpenRouter, ProviderCopilot:
		cfg := &openai.ChatModelConfig{
			BaseURL: spec.BaseURL,
			Model:   spec.Model,
			APIKey:  spec.APIKey,
			Timeout: modelHTTPTimeout,
		}
		if len(spec.Header) > 0 {
			cfg.HTTPClient = &http.Client{
				Timeout:   modelHTTPTimeout,
				Transport: &headerTransport{header: spec.Header, base: http.DefaultTransport},
			}
		}
		chatModel, err = openai.NewChatModel(ctx, cfg)
	case ProviderGemini:
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  spec.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  spec.Model,
		})
	case ProviderClaude:
		var baseURLPtr *string
		if spec.BaseURL != "" {
			baseURLPtr = &spec.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    spec.APIKey,
			Model:     spec.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", spec.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", spec.Provider, err)
	}
	return chatModel, nil
}

type headerTransport struct {
	header http.Header
	base   http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.header {
		req.Header[k] = v
	}
	return t.base.RoundTrip(req)
}
