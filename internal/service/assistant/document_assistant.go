package assistant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"polychat/internal/apperr"
	"polychat/internal/models"
)

const documentColumns = `id, created_at, user_id, title, kind, content`

// SaveDocument stores a new version of a document.
func (s *Service) SaveDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" || doc.UserID <= 0 {
		return errors.New("document id and user id are required")
	}
	if !doc.Kind.Valid() {
		return apperr.New(apperr.BadRequest, apperr.SurfaceDocument, "unknown document kind")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		doc.ID, doc.CreatedAt, doc.UserID, doc.Title, doc.Kind, doc.Content,
	); err != nil {
		return dbErr("save document", err)
	}
	return nil
}

// GetDocuments returns every version of a document, oldest first.
func (s *Service) GetDocuments(ctx context.Context, id string) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+documentColumns+` FROM documents WHERE id = ? ORDER BY created_at ASC`),
		id,
	)
	if err != nil {
		return nil, dbErr("list documents", err)
	}
	defer rows.Close()
	docs := []*models.Document{}
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.CreatedAt, &d.UserID, &d.Title, &d.Kind, &d.Content); err != nil {
			return nil, dbErr("scan document", err)
		}
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list documents", err)
	}
	return docs, nil
}

// GetLatestDocument returns sql.ErrNoRows when no version exists.
func (s *Service) GetLatestDocument(ctx context.Context, id string) (*models.Document, error) {
	var d models.Document
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+documentColumns+` FROM documents WHERE id = ? ORDER BY created_at DESC LIMIT 1`),
		id,
	).Scan(&d.ID, &d.CreatedAt, &d.UserID, &d.Title, &d.Kind, &d.Content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr("get document", err)
	}
	return &d, nil
}

// DeleteDocumentsAfter removes versions newer than ts and their suggestions.
func (s *Service) DeleteDocumentsAfter(ctx context.Context, id string, ts time.Time) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM suggestions WHERE document_id = ? AND document_created_at > ?`),
			id, ts.UTC(),
		); err != nil {
			return dbErr("delete suggestions", err)
		}
		res, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM documents WHERE id = ? AND created_at > ?`),
			id, ts.UTC(),
		)
		if err != nil {
			return dbErr("delete documents", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// SaveSuggestions inserts suggestions for a document version.
func (s *Service) SaveSuggestions(ctx context.Context, suggestions []*models.Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sg := range suggestions {
			if sg.ID == "" {
				sg.ID = uuid.NewString()
			}
			if sg.CreatedAt.IsZero() {
				sg.CreatedAt = time.Now().UTC()
			}
			if strings.TrimSpace(sg.OriginalText) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO suggestions
				(id, document_id, document_created_at, original_text, suggested_text, description, is_resolved, user_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				sg.ID, sg.DocumentID, sg.DocumentCreatedAt, sg.OriginalText, sg.SuggestedText,
				sg.Description, sg.IsResolved, sg.UserID, sg.CreatedAt,
			); err != nil {
				return dbErr("save suggestion", err)
			}
		}
		return nil
	})
}

// GetSuggestions returns the suggestions attached to any version of a document.
func (s *Service) GetSuggestions(ctx context.Context, documentID string) ([]*models.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, document_id, document_created_at, original_text, suggested_text,
		description, is_resolved, user_id, created_at FROM suggestions WHERE document_id = ? ORDER BY created_at ASC`),
		documentID,
	)
	if err != nil {
		return nil, dbErr("list suggestions", err)
	}
	defer rows.Close()
	out := []*models.Suggestion{}
	for rows.Next() {
		var sg models.Suggestion
		if err := rows.Scan(&sg.ID, &sg.DocumentID, &sg.DocumentCreatedAt, &sg.OriginalText, &sg.SuggestedText,
			&sg.Description, &sg.IsResolved, &sg.UserID, &sg.CreatedAt); err != nil {
			return nil, dbErr("scan suggestion", err)
		}
		out = append(out, &sg)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list suggestions", err)
	}
	return out, nil
}
