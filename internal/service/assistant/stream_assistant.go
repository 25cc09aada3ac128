package assistant

import (
	"context"
	"time"

	"polychat/internal/models"
)

// CreateStreamID binds a resumable stream id to a chat.
func (s *Service) CreateStreamID(ctx context.Context, streamID, chatID string) (*models.Stream, error) {
	st := &models.Stream{ID: streamID, ChatID: chatID, CreatedAt: time.Now().UTC()}
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO streams (id, chat_id, created_at) VALUES (?, ?, ?)`),
		st.ID, st.ChatID, st.CreatedAt,
	); err != nil {
		return nil, dbErr("create stream id", err)
	}
	return st, nil
}

// GetStreamIDs returns the chat's stream ids, oldest first.
func (s *Service) GetStreamIDs(ctx context.Context, chatID string) ([]string, error) {
	return s.streamIDs(ctx, s.db, chatID)
}

func (s *Service) streamIDs(ctx context.Context, ex execer, chatID string) ([]string, error) {
	rows, err := ex.QueryContext(ctx,
		s.q(`SELECT id FROM streams WHERE chat_id = ? ORDER BY created_at ASC`),
		chatID,
	)
	if err != nil {
		return nil, dbErr("list stream ids", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr("scan stream id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list stream ids", err)
	}
	return ids, nil
}

// DeleteStreamsBefore drops stream rows created before the cutoff.
func (s *Service) DeleteStreamsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM streams WHERE created_at < ?`), before.UTC())
	if err != nil {
		return 0, dbErr("delete streams", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
