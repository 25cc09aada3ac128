package ai

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"polychat/internal/models"

	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

const maxAttachmentChars = 8000

// attachmentText inlines the readable text of attachments owned by userID.
// Images and unreadable files are referenced by name only.
func (s *Service) attachmentText(ctx context.Context, userID int64, attachments []models.Attachment) string {
	var b strings.Builder
	for _, a := range attachments {
		if strings.HasPrefix(a.ContentType, "image/") || a.Key == "" || s.blobs == nil {
			fmt.Fprintf(&b, "[Attachment: %s (%s) %s]\n", a.Name, a.ContentType, a.URL)
			continue
		}
		if !ownsKey(userID, a.Key) {
			fmt.Fprintf(&b, "[Attachment: %s]\n", a.Name)
			continue
		}
		text, err := s.readAttachment(ctx, a)
		if err != nil {
			log.Printf("ai: read attachment %s: %v", a.Key, err)
			fmt.Fprintf(&b, "[Attachment: %s could not be read]\n", a.Name)
			continue
		}
		fmt.Fprintf(&b, "[Attachment: %s]\n%s\n", a.Name, truncateRunes(text, maxAttachmentChars))
	}
	return strings.TrimSpace(b.String())
}

// ownsKey matches the owner prefix used by both blob backends.
func ownsKey(userID int64, key string) bool {
	owner := fmt.Sprintf("%d/", userID)
	return strings.HasPrefix(key, owner) || strings.HasPrefix(key, "uploads/"+owner)
}

func (s *Service) readAttachment(ctx context.Context, a models.Attachment) (string, error) {
	var (
		docs []*schema.Document
		err  error
	)
	if p, ok := s.blobs.LocalPath(a.Key); ok {
		docs, err = s.loader.Load(ctx, document.Source{URI: p})
	} else {
		rc, openErr := s.blobs.Open(ctx, a.Key)
		if openErr != nil {
			return "", openErr
		}
		defer rc.Close()
		docs, err = s.parser.Parse(ctx, rc, parser.WithURI(path.Base(a.Key)))
	}
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	return strings.TrimSpace(builder.String()), nil
}
