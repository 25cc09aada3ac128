package assistant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"polychat/internal/apperr"
	"polychat/internal/models"
)

const userColumns = `id, external_id, email, temperature_unit, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.TemperatureUnit, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// EnsureUser returns the local user for an external identity, creating it on first sight.
func (s *Service) EnsureUser(ctx context.Context, externalID, email string) (*models.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, apperr.New(apperr.Unauthorized, apperr.SurfaceAuth, "missing subject")
	}
	user, err := s.GetUserByExternalID(ctx, externalID)
	if err == nil {
		if email != "" && user.Email != email {
			if _, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET email = ? WHERE id = ?`), email, user.ID); err != nil {
				return nil, dbErr("update user email", err)
			}
			user.Email = email
		}
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO users (external_id, email, temperature_unit, created_at) VALUES (?, ?, ?, ?)`),
		externalID, email, models.Celsius, now,
	)
	if err != nil {
		// a concurrent request may have inserted the same identity
		if user, lookupErr := s.GetUserByExternalID(ctx, externalID); lookupErr == nil {
			return user, nil
		}
		return nil, dbErr("create user", err)
	}
	return s.GetUserByExternalID(ctx, externalID)
}

// GetUserByExternalID returns sql.ErrNoRows when the identity is unknown.
func (s *Service) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE external_id = ?`), externalID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr("get user", err)
	}
	return user, nil
}

// GetUser returns sql.ErrNoRows when the user does not exist.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr("get user", err)
	}
	return user, nil
}

// GetTemperatureUnit falls back to celsius for unknown users.
func (s *Service) GetTemperatureUnit(ctx context.Context, userID int64) (models.TemperatureUnit, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Celsius, nil
		}
		return "", err
	}
	if !user.TemperatureUnit.Valid() {
		return models.Celsius, nil
	}
	return user.TemperatureUnit, nil
}

func (s *Service) SetTemperatureUnit(ctx context.Context, userID int64, unit models.TemperatureUnit) error {
	if !unit.Valid() {
		return apperr.New(apperr.BadRequest, apperr.SurfaceAPI, "temperature unit must be celsius or fahrenheit")
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET temperature_unit = ? WHERE id = ?`), unit, userID)
	if err != nil {
		return dbErr("update temperature unit", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`), userID).Scan(&exists); err != nil {
			return dbErr("verify user", err)
		}
		if !exists {
			return sql.ErrNoRows
		}
	}
	return nil
}

// ListFavouriteModels returns pinned model ids, oldest first.
func (s *Service) ListFavouriteModels(ctx context.Context, userID int64) ([]models.FavouriteModel, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT user_id, model_id, created_at FROM favourite_models WHERE user_id = ? ORDER BY created_at ASC`),
		userID,
	)
	if err != nil {
		return nil, dbErr("list favourites", err)
	}
	defer rows.Close()

	favs := []models.FavouriteModel{}
	for rows.Next() {
		var f models.FavouriteModel
		if err := rows.Scan(&f.UserID, &f.ModelID, &f.CreatedAt); err != nil {
			return nil, dbErr("scan favourite", err)
		}
		favs = append(favs, f)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list favourites", err)
	}
	return favs, nil
}

// AddFavouriteModel pins a model; pinning twice is a no-op.
func (s *Service) AddFavouriteModel(ctx context.Context, userID int64, modelID string) error {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return apperr.New(apperr.BadRequest, apperr.SurfaceAPI, "modelId is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT EXISTS(SELECT 1 FROM favourite_models WHERE user_id = ? AND model_id = ?)`),
			userID, modelID,
		).Scan(&exists); err != nil {
			return dbErr("check favourite", err)
		}
		if exists {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO favourite_models (user_id, model_id, created_at) VALUES (?, ?, ?)`),
			userID, modelID, time.Now().UTC(),
		); err != nil {
			return dbErr("add favourite", err)
		}
		return nil
	})
}

func (s *Service) RemoveFavouriteModel(ctx context.Context, userID int64, modelID string) error {
	if _, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM favourite_models WHERE user_id = ? AND model_id = ?`),
		userID, modelID,
	); err != nil {
		return dbErr("remove favourite", err)
	}
	return nil
}
