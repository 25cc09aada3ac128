package ai

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"polychat/internal/models"
	"polychat/internal/sse"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

const maxSuggestions = 5

var artifactPrompts = map[models.DocumentKind]string{
	models.KindText: "Write about the given topic. Markdown is supported. Use headings wherever appropriate.",
	models.KindCode: "You are a code generator that creates self-contained, executable code snippets. " +
		"Include helpful comments, keep snippets concise and avoid external dependencies. " +
		"Output only the code without markdown fences.",
	models.KindSheet: "You are a spreadsheet creation assistant. Create a spreadsheet in csv format based on the given prompt. " +
		"The spreadsheet should contain meaningful column headers and data. Output only the csv.",
}

const suggestionsPrompt = "You are a writing assistant. Given a piece of writing, offer suggestions to improve it and describe each change. " +
	"Edits must contain full sentences instead of single words. Max 5 suggestions. " +
	`Respond only with a JSON array of objects with the keys "originalSentence", "suggestedSentence" and "description".`

func deltaType(kind models.DocumentKind) string {
	switch kind {
	case models.KindCode:
		return "code-delta"
	case models.KindSheet:
		return "sheet-delta"
	default:
		return "text-delta"
	}
}

// emitData sends one artifact delta on the data channel.
func emitData(scope *toolScope, typ string, content any) error {
	return scope.emit(sse.EventData, map[string]any{"type": typ, "content": content})
}

// streamArtifact generates content with the artifact model, forwarding
// every delta to the chat stream.
func streamArtifact(ctx context.Context, scope *toolScope, kind models.DocumentKind, system, prompt string) (string, error) {
	reader, err := scope.model.Stream(ctx, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(prompt),
	})
	if err != nil {
		return "", fmt.Errorf("generate %s document: %w", kind, err)
	}
	defer reader.Close()
	var b strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive %s document: %w", kind, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		b.WriteString(chunk.Content)
		if err := emitData(scope, deltaType(kind), chunk.Content); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

type createDocumentParams struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

func (s *Service) initCreateDocument() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "createDocument",
		Desc: "Create a document for writing or content creation activities. The content is generated from the title and kind.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"title": {
				Desc:     "Title of the document",
				Type:     schema.String,
				Required: true,
			},
			"kind": {
				Desc:     "Kind of document",
				Type:     schema.String,
				Enum:     []string{string(models.KindText), string(models.KindCode), string(models.KindSheet)},
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *createDocumentParams) (string, error) {
		if params == nil || strings.TrimSpace(params.Title) == "" {
			return "", errors.New("title is required")
		}
		kind := models.DocumentKind(params.Kind)
		system, ok := artifactPrompts[kind]
		if !ok {
			return "", fmt.Errorf("unsupported document kind %q", params.Kind)
		}
		scope, err := toolScopeFromContext(ctx)
		if err != nil {
			return "", err
		}
		id := uuid.NewString()
		for _, ev := range []struct {
			typ     string
			content string
		}{{"kind", string(kind)}, {"id", id}, {"title", params.Title}, {"clear", ""}} {
			if err := emitData(scope, ev.typ, ev.content); err != nil {
				return "", err
			}
		}
		content, err := streamArtifact(ctx, scope, kind, system, params.Title)
		if err != nil {
			return "", err
		}
		if err := s.documents.SaveDocument(ctx, &models.Document{
			ID:        id,
			CreatedAt: time.Now().UTC(),
			UserID:    scope.userID,
			Title:     params.Title,
			Kind:      kind,
			Content:   content,
		}); err != nil {
			return "", err
		}
		if err := emitData(scope, "finish", ""); err != nil {
			return "", err
		}
		b, err := json.Marshal(map[string]string{
			"id":      id,
			"title":   params.Title,
			"kind":    string(kind),
			"content": "A document was created and is now visible to the user.",
		})
		return string(b), err
	})
}

type updateDocumentParams struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

func (s *Service) latestOwnedDocument(ctx context.Context, scope *toolScope, id string) (*models.Document, error) {
	doc, err := s.documents.GetLatestDocument(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if doc.UserID != scope.userID {
		return nil, fmt.Errorf("document %s not found", id)
	}
	return doc, nil
}

func (s *Service) initUpdateDocument() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "updateDocument",
		Desc: "Update an existing document with the given description of changes.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"id": {
				Desc:     "ID of the document to update",
				Type:     schema.String,
				Required: true,
			},
			"description": {
				Desc:     "Description of the changes to make",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *updateDocumentParams) (string, error) {
		if params == nil || params.ID == "" || strings.TrimSpace(params.Description) == "" {
			return "", errors.New("id and description are required")
		}
		scope, err := toolScopeFromContext(ctx)
		if err != nil {
			return "", err
		}
		doc, err := s.latestOwnedDocument(ctx, scope, params.ID)
		if err != nil {
			return "", err
		}
		if _, ok := artifactPrompts[doc.Kind]; !ok {
			return "", fmt.Errorf("documents of kind %s cannot be updated", doc.Kind)
		}
		if err := emitData(scope, "clear", ""); err != nil {
			return "", err
		}
		system := "Improve the following contents of the " + string(doc.Kind) + " document based on the given prompt. " +
			"Output only the full updated document.\n\n" + doc.Content
		content, err := streamArtifact(ctx, scope, doc.Kind, system, params.Description)
		if err != nil {
			return "", err
		}
		if err := s.documents.SaveDocument(ctx, &models.Document{
			ID:        doc.ID,
			CreatedAt: time.Now().UTC(),
			UserID:    scope.userID,
			Title:     doc.Title,
			Kind:      doc.Kind,
			Content:   content,
		}); err != nil {
			return "", err
		}
		if err := emitData(scope, "finish", ""); err != nil {
			return "", err
		}
		b, err := json.Marshal(map[string]string{
			"id":      doc.ID,
			"title":   doc.Title,
			"kind":    string(doc.Kind),
			"content": "The document has been updated successfully.",
		})
		return string(b), err
	})
}

type requestSuggestionsParams struct {
	DocumentID string `json:"documentId"`
}

type generatedSuggestion struct {
	OriginalSentence  string `json:"originalSentence"`
	SuggestedSentence string `json:"suggestedSentence"`
	Description       string `json:"description"`
}

func (s *Service) initRequestSuggestions() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "requestSuggestions",
		Desc: "Request writing suggestions for an existing document.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"documentId": {
				Desc:     "ID of the document to request suggestions for",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *requestSuggestionsParams) (string, error) {
		if params == nil || params.DocumentID == "" {
			return "", errors.New("documentId is required")
		}
		scope, err := toolScopeFromContext(ctx)
		if err != nil {
			return "", err
		}
		doc, err := s.latestOwnedDocument(ctx, scope, params.DocumentID)
		if err != nil {
			return "", err
		}
		resp, err := scope.model.Generate(ctx, []*schema.Message{
			schema.SystemMessage(suggestionsPrompt),
			schema.UserMessage(doc.Content),
		})
		if err != nil {
			return "", fmt.Errorf("generate suggestions: %w", err)
		}
		generated, err := parseSuggestions(resp.Content)
		if err != nil {
			return "", err
		}

		now := time.Now().UTC()
		saved := make([]*models.Suggestion, 0, len(generated))
		for _, g := range generated {
			sg := &models.Suggestion{
				ID:                uuid.NewString(),
				DocumentID:        doc.ID,
				DocumentCreatedAt: doc.CreatedAt,
				OriginalText:      g.OriginalSentence,
				SuggestedText:     g.SuggestedSentence,
				Description:       g.Description,
				UserID:            scope.userID,
				CreatedAt:         now,
			}
			if err := emitData(scope, "suggestion", sg); err != nil {
				return "", err
			}
			saved = append(saved, sg)
		}
		if err := s.documents.SaveSuggestions(ctx, saved); err != nil {
			return "", err
		}
		b, err := json.Marshal(map[string]string{
			"id":      doc.ID,
			"title":   doc.Title,
			"kind":    string(doc.Kind),
			"message": "Suggestions have been added to the document",
		})
		return string(b), err
	})
}

// parseSuggestions extracts the JSON array from a model reply, tolerating
// surrounding prose or code fences.
func parseSuggestions(raw string) ([]generatedSuggestion, error) {
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil, errors.New("model returned no suggestions")
	}
	var out []generatedSuggestion
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	filtered := out[:0]
	for _, g := range out {
		if strings.TrimSpace(g.OriginalSentence) == "" || strings.TrimSpace(g.SuggestedSentence) == "" {
			continue
		}
		filtered = append(filtered, g)
	}
	if len(filtered) > maxSuggestions {
		filtered = filtered[:maxSuggestions]
	}
	return filtered, nil
}
