package assistant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"polychat/internal/models"
)

var ErrCipherUnavailable = errors.New("token cipher not configured")

// SavePendingCopilot replaces any existing connection with a pending device flow.
func (s *Service) SavePendingCopilot(ctx context.Context, conn *models.CopilotConnection) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM copilot_connections WHERE user_id = ?`), conn.UserID); err != nil {
			return dbErr("reset copilot connection", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO copilot_connections
			(user_id, status, device_code, user_code, verification_uri, poll_interval, expires_at, access_token, connected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', NULL)`),
			conn.UserID, models.CopilotPending, conn.DeviceCode, conn.UserCode, conn.VerificationURI,
			conn.Interval, conn.ExpiresAt.UTC(),
		); err != nil {
			return dbErr("save copilot connection", err)
		}
		conn.Status = models.CopilotPending
		return nil
	})
}

// GetCopilotConnection returns sql.ErrNoRows when the user never connected.
func (s *Service) GetCopilotConnection(ctx context.Context, userID int64) (*models.CopilotConnection, error) {
	var (
		c         models.CopilotConnection
		connected sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id, status, device_code, user_code, verification_uri,
		poll_interval, expires_at, access_token, connected_at FROM copilot_connections WHERE user_id = ?`),
		userID,
	).Scan(&c.UserID, &c.Status, &c.DeviceCode, &c.UserCode, &c.VerificationURI,
		&c.Interval, &c.ExpiresAt, &c.AccessToken, &connected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr("get copilot connection", err)
	}
	if connected.Valid {
		t := connected.Time
		c.ConnectedAt = &t
	}
	return &c, nil
}

func (s *Service) UpdateCopilotInterval(ctx context.Context, userID int64, interval int) error {
	if _, err := s.db.ExecContext(ctx,
		s.q(`UPDATE copilot_connections SET poll_interval = ? WHERE user_id = ?`),
		interval, userID,
	); err != nil {
		return dbErr("update copilot interval", err)
	}
	return nil
}

// MarkCopilotConnected encrypts and stores the GitHub access token.
func (s *Service) MarkCopilotConnected(ctx context.Context, userID int64, accessToken string) error {
	if s.cipher == nil {
		return ErrCipherUnavailable
	}
	sealed, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE copilot_connections
		SET status = ?, access_token = ?, device_code = '', connected_at = ? WHERE user_id = ?`),
		models.CopilotConnected, sealed, time.Now().UTC(), userID,
	); err != nil {
		return dbErr("mark copilot connected", err)
	}
	return nil
}

// CopilotAccessToken returns the decrypted GitHub token or sql.ErrNoRows
// when the user has no completed connection.
func (s *Service) CopilotAccessToken(ctx context.Context, userID int64) (string, error) {
	conn, err := s.GetCopilotConnection(ctx, userID)
	if err != nil {
		return "", err
	}
	if conn.Status != models.CopilotConnected || conn.AccessToken == "" {
		return "", sql.ErrNoRows
	}
	if s.cipher == nil {
		return "", ErrCipherUnavailable
	}
	return s.cipher.Decrypt(conn.AccessToken)
}

func (s *Service) DeleteCopilotConnection(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM copilot_connections WHERE user_id = ?`), userID); err != nil {
		return dbErr("delete copilot connection", err)
	}
	return nil
}
