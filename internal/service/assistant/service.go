package assistant

import (
	"context"
	"database/sql"
	"fmt"

	"polychat/internal/apperr"
	"polychat/internal/storage"
)

// Service persists users, chats, artifacts and integrations.
type Service struct {
	db     *sql.DB
	driver string
	cipher *tokenCipher
}

// NewService builds a new assistant service. secretKey seeds the cipher
// used for stored third-party tokens; it may be empty when no token
// storage is needed.
func NewService(db *sql.DB, driver, secretKey string) (*Service, error) {
	s := &Service{db: db, driver: storage.Dialect(driver)}
	if secretKey != "" {
		c, err := newTokenCipher(secretKey)
		if err != nil {
			return nil, err
		}
		s.cipher = c
	}
	return s, nil
}

// q rebinds a query written with `?` placeholders for the active dialect.
func (s *Service) q(query string) string {
	return storage.Rebind(s.driver, query)
}

func dbErr(op string, err error) error {
	return apperr.Wrap(apperr.BadRequest, apperr.SurfaceDatabase, fmt.Errorf("%s: %w", op, err))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return dbErr("commit", err)
	}
	return nil
}
