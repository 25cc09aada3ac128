package assistant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"polychat/internal/models"
)

// RecordUpload stores metadata for an uploaded attachment.
func (s *Service) RecordUpload(ctx context.Context, up *models.Upload) error {
	if up.ID == "" {
		up.ID = uuid.NewString()
	}
	if up.CreatedAt.IsZero() {
		up.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO uploads
		(id, user_id, storage_key, url, name, content_type, size, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		up.ID, up.UserID, up.Key, up.URL, up.Name, up.ContentType, up.Size, up.CreatedAt,
	); err != nil {
		return dbErr("record upload", err)
	}
	return nil
}

// UploadUsage sums the bytes stored by a user.
func (s *Service) UploadUsage(ctx context.Context, userID int64) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT SUM(size) FROM uploads WHERE user_id = ?`), userID).Scan(&total); err != nil {
		return 0, dbErr("upload usage", err)
	}
	return total.Int64, nil
}

// GetUploadByKey returns sql.ErrNoRows when the key is unknown.
func (s *Service) GetUploadByKey(ctx context.Context, key string) (*models.Upload, error) {
	var up models.Upload
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, user_id, storage_key, url, name, content_type, size, created_at
		FROM uploads WHERE storage_key = ?`), key,
	).Scan(&up.ID, &up.UserID, &up.Key, &up.URL, &up.Name, &up.ContentType, &up.Size, &up.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr("get upload", err)
	}
	return &up, nil
}
