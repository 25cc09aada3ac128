// Package ai runs chat generations: model resolution, tool calling and
// artifact streaming.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"polychat/internal/blob"
	"polychat/internal/config"
	"polychat/internal/models"
	"polychat/internal/provider/github"
	"polychat/internal/provider/search"
	"polychat/internal/provider/stocks"
	"polychat/internal/provider/weather"
	"polychat/internal/sse"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

const maxAgentSteps = 12

const systemPrompt = "You are a friendly assistant! Keep your responses concise and helpful. " +
	"Use the available tools when they help answer the question. " +
	"Use createDocument for substantial content the user will reuse (essays, code, spreadsheets) " +
	"and updateDocument only when asked to change an existing document."

// Emitter receives stream events for the chat being generated.
type Emitter func(event string, payload any) error

type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	GetLatestDocument(ctx context.Context, id string) (*models.Document, error)
	SaveSuggestions(ctx context.Context, suggestions []*models.Suggestion) error
}

type CopilotTokens interface {
	CopilotAccessToken(ctx context.Context, userID int64) (string, error)
}

type WeatherLookup interface {
	Forecast(ctx context.Context, query string, unit models.TemperatureUnit) (*weather.Report, error)
}

type StockLookup interface {
	Quote(ctx context.Context, symbol string, days int) (*stocks.Quote, error)
}

type WebSearcher interface {
	Search(ctx context.Context, query string, numResults int) ([]search.Result, error)
}

type Dependencies struct {
	Config    *config.Config
	Documents DocumentStore
	Copilot   CopilotTokens
	GitHub    *github.Client
	Weather   WeatherLookup
	Stocks    StockLookup
	Search    WebSearcher
	Blobs     blob.Store
}

type Service struct {
	cfg       *config.Config
	documents DocumentStore
	copilot   CopilotTokens
	github    *github.Client
	weather   WeatherLookup
	stocks    StockLookup
	search    WebSearcher
	blobs     blob.Store

	loader *file.FileLoader
	parser parser.Parser
	tools  []tool.BaseTool

	buildModel func(ctx context.Context, spec modelSpec) (model.ToolCallingChatModel, error)
}

func NewService(deps Dependencies) (*Service, error) {
	if deps.Config == nil {
		return nil, errors.New("ai: config is required")
	}
	ctx := context.Background()
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init attachment parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return nil, fmt.Errorf("init attachment loader: %w", err)
	}
	s := &Service{
		cfg:        deps.Config,
		documents:  deps.Documents,
		copilot:    deps.Copilot,
		github:     deps.GitHub,
		weather:    deps.Weather,
		stocks:     deps.Stocks,
		search:     deps.Search,
		blobs:      deps.Blobs,
		loader:     loader,
		parser:     extParser,
		buildModel: newChatModel,
	}
	s.tools = s.initTools()
	return s, nil
}

type ChatRequest struct {
	UserID  int64
	ChatID  string
	ModelID string
	Unit    models.TemperatureUnit
	// History holds every message of the chat, the new user message last.
	History []*models.Message
}

// StreamChat runs the agent over the chat history, emitting text and tool
// events, and returns the assistant message to persist.
func (s *Service) StreamChat(ctx context.Context, req ChatRequest, emit Emitter) (*models.Message, error) {
	if len(req.History) == 0 {
		return nil, errors.New("history cannot be empty")
	}
	if emit == nil {
		emit = func(string, any) error { return nil }
	}
	chatModel, err := s.ChatModel(ctx, req.UserID, req.ModelID)
	if err != nil {
		return nil, err
	}
	artifactModel := model.BaseChatModel(chatModel)
	if s.cfg.Models.ArtifactModel != "" {
		if m, err := s.ChatModel(ctx, req.UserID, s.cfg.Models.ArtifactModel); err == nil {
			artifactModel = m
		} else {
			log.Printf("ai: artifact model unavailable, using chat model: %v", err)
		}
	}

	rec := &invocationRecorder{}
	ctx = withToolScope(ctx, &toolScope{
		userID:   req.UserID,
		chatID:   req.ChatID,
		unit:     req.Unit,
		emit:     emit,
		recorder: rec,
		model:    artifactModel,
	})

	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: s.tools,
		},
		MaxStep:               maxAgentSteps,
		StreamToolCallChecker: anyChunkHasToolCalls,
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}

	input := append([]*schema.Message{schema.SystemMessage(systemPrompt)}, s.convertMessages(ctx, req.UserID, req.History)...)
	streamReader, err := agent.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("generate ai stream failed: %w", err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("receive ai stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if err := emit(sse.EventText, chunk.Content); err != nil {
			return nil, err
		}
	}

	parts := rec.parts()
	if text := strings.TrimSpace(full.String()); text != "" {
		parts = append(parts, models.Part{Type: models.PartText, Text: full.String()})
	}
	if len(parts) == 0 {
		return nil, errors.New("model returned an empty response")
	}
	return &models.Message{
		ID:          uuid.NewString(),
		ChatID:      req.ChatID,
		Role:        models.RoleAssistant,
		Parts:       parts,
		Attachments: []models.Attachment{},
		ModelID:     req.ModelID,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// anyChunkHasToolCalls drains the stream so models that emit text before
// their tool calls are still routed to the tools node.
func anyChunkHasToolCalls(_ context.Context, sr *schema.StreamReader[*schema.Message]) (bool, error) {
	defer sr.Close()
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if msg != nil && len(msg.ToolCalls) > 0 {
			return true, nil
		}
	}
}

func (s *Service) convertMessages(ctx context.Context, userID int64, history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		content := msg.Text()
		if invocations := summarizeInvocations(msg); invocations != "" {
			content = strings.TrimSpace(content + "\n\n" + invocations)
		}
		if len(msg.Attachments) > 0 {
			content = strings.TrimSpace(content + "\n\n" + s.attachmentText(ctx, userID, msg.Attachments))
		}
		if content == "" {
			continue
		}

		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: content,
		})
	}
	return messages
}

// summarizeInvocations renders earlier tool results as text so providers
// without tool message history still see them.
func summarizeInvocations(msg *models.Message) string {
	var b strings.Builder
	for _, p := range msg.Parts {
		if p.Type != models.PartToolInvocation || p.ToolInvocation == nil || p.ToolInvocation.State != models.ToolStateResult {
			continue
		}
		fmt.Fprintf(&b, "[%s result] %s\n", p.ToolInvocation.ToolName, truncateRunes(string(p.ToolInvocation.Result), 2000))
	}
	return strings.TrimSpace(b.String())
}
