package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"polychat/internal/models"
)

const maxTitleLength = 80

const titlePrompt = "You will generate a short title based on the first message a user begins a conversation with. " +
	"Ensure it is not more than 80 characters long. " +
	"The title should be a summary of the user's message. " +
	"Do not use quotes or colons. Output only the title."

// TitleGenerator names chats from their first user message.
type TitleGenerator struct {
	chatModel model.BaseChatModel
}

func NewTitleGenerator(chatModel model.BaseChatModel) *TitleGenerator {
	return &TitleGenerator{chatModel: chatModel}
}

func (g *TitleGenerator) GenerateTitle(ctx context.Context, message *models.Message) (string, error) {
	text := ""
	if message != nil {
		text = strings.TrimSpace(message.Text())
	}
	if text == "" {
		return models.DefaultChatTitle, nil
	}
	schemaMessages := []*schema.Message{
		{
			Role:    schema.System,
			Content: titlePrompt,
		},
		{
			Role:    schema.User,
			Content: text,
		},
	}
	resp, err := g.chatModel.Generate(ctx, schemaMessages)
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	return cleanTitle(resp.Content), nil
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.ReplaceAll(title, ":", "")
	title = strings.TrimSpace(strings.Trim(title, "\"'`"))
	if title == "" {
		return models.DefaultChatTitle
	}
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength])
	}
	return title
}
