package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"polychat/internal/apperr"
	"polychat/internal/models"
)

// BranchTitlePrefix is prepended to the title of branched chats.
const BranchTitlePrefix = "Branch: "

const (
	chatColumns    = `id, user_id, title, visibility, created_at`
	messageColumns = `id, chat_id, role, parts, attachments, model_id, created_at`
)

func scanChat(row interface{ Scan(...any) error }) (*models.Chat, error) {
	var c models.Chat
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Visibility, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		m           models.Message
		parts       string
		attachments string
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.Role, &parts, &attachments, &m.ModelID, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return nil, fmt.Errorf("decode parts of %s: %w", m.ID, err)
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
	}
	if m.Attachments == nil {
		m.Attachments = []models.Attachment{}
	}
	return &m, nil
}

// SaveChat inserts a chat owned by userID.
func (s *Service) SaveChat(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" || chat.UserID <= 0 {
		return errors.New("chat id and user id are required")
	}
	if chat.Title == "" {
		chat.Title = models.DefaultChatTitle
	}
	if !chat.Visibility.Valid() {
		chat.Visibility = models.VisibilityPrivate
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?)`),
		chat.ID, chat.UserID, chat.Title, chat.Visibility, chat.CreatedAt,
	)
	if err != nil {
		return dbErr("save chat", err)
	}
	return nil
}

// GetChat returns sql.ErrNoRows when the chat does not exist.
func (s *Service) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	return s.getChat(ctx, s.db, id)
}

func (s *Service) getChat(ctx context.Context, ex execer, id string) (*models.Chat, error) {
	chat, err := scanChat(ex.QueryRowContext(ctx, s.q(`SELECT `+chatColumns+` FROM chats WHERE id = ?`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr("get chat", err)
	}
	return chat, nil
}

// DeleteChat removes the chat with its votes, messages and stream ids in one
// transaction and returns the removed stream ids.
func (s *Service) DeleteChat(ctx context.Context, id string) (*models.Chat, []string, error) {
	var (
		chat    *models.Chat
		streams []string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		chat, err = s.getChat(ctx, tx, id)
		if err != nil {
			return err
		}
		streams, err = s.streamIDs(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM votes WHERE chat_id = ?`,
			`DELETE FROM messages WHERE chat_id = ?`,
			`DELETE FROM streams WHERE chat_id = ?`,
			`DELETE FROM chats WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return dbErr("delete chat", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return chat, streams, nil
}

func (s *Service) UpdateChatVisibility(ctx context.Context, id string, visibility models.Visibility) error {
	if !visibility.Valid() {
		return apperr.New(apperr.BadRequest, apperr.SurfaceAPI, "visibility must be private or public")
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE chats SET visibility = ? WHERE id = ?`), visibility, id)
	if err != nil {
		return dbErr("update chat visibility", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) UpdateChatTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE chats SET title = ? WHERE id = ?`), title, id); err != nil {
		return dbErr("update chat title", err)
	}
	return nil
}

// SaveMessages inserts messages, stamping missing ids and timestamps.
func (s *Service) SaveMessages(ctx context.Context, messages ...*models.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertMessages(ctx, tx, messages)
	})
}

func (s *Service) insertMessages(ctx context.Context, ex execer, messages []*models.Message) error {
	for _, m := range messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if m.Parts == nil {
			m.Parts = []models.Part{}
		}
		if m.Attachments == nil {
			m.Attachments = []models.Attachment{}
		}
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("encode parts: %w", err)
		}
		attachments, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		if _, err := ex.ExecContext(ctx,
			s.q(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			m.ID, m.ChatID, m.Role, string(parts), string(attachments), m.ModelID, m.CreatedAt,
		); err != nil {
			return dbErr("save message", err)
		}
	}
	return nil
}

// GetMessages returns the chat's messages in chat order.
func (s *Service) GetMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	return s.messages(ctx, s.db, chatID)
}

func (s *Service) messages(ctx context.Context, ex execer, chatID string) ([]*models.Message, error) {
	rows, err := ex.QueryContext(ctx,
		s.q(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY created_at ASC`),
		chatID,
	)
	if err != nil {
		return nil, dbErr("list messages", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, dbErr("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list messages", err)
	}
	return messages, nil
}

// GetMessage returns sql.ErrNoRows when the message does not exist.
func (s *Service) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr("get message", err)
	}
	return m, nil
}

// DeleteTrailingMessages removes the message and every later message of its chat.
func (s *Service) DeleteTrailingMessages(ctx context.Context, messageID string) (int64, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return 0, err
	}
	var deleted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM votes WHERE chat_id = ? AND message_id IN (
			SELECT id FROM messages WHERE chat_id = ? AND created_at >= ?)`),
			msg.ChatID, msg.ChatID, msg.CreatedAt,
		); err != nil {
			return dbErr("delete trailing votes", err)
		}
		res, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM messages WHERE chat_id = ? AND created_at >= ?`),
			msg.ChatID, msg.CreatedAt,
		)
		if err != nil {
			return dbErr("delete trailing messages", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// CountUserMessagesSince counts user-role messages across all of the user's chats.
func (s *Service) CountUserMessagesSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.user_id = ? AND m.role = ? AND m.created_at >= ?`),
		userID, models.RoleUser, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, dbErr("count messages", err)
	}
	return count, nil
}

// ListChats pages through the user's chats newest first. At most one of
// startingAfter and endingBefore may be set.
func (s *Service) ListChats(ctx context.Context, userID int64, limit int, startingAfter, endingBefore string) ([]*models.Chat, bool, error) {
	if startingAfter != "" && endingBefore != "" {
		return nil, false, apperr.New(apperr.BadRequest, apperr.SurfaceAPI, "Only one of starting_after or ending_before can be provided.")
	}
	query := `SELECT ` + chatColumns + ` FROM chats WHERE user_id = ?`
	args := []any{userID}

	cursor := startingAfter
	op := ">"
	if endingBefore != "" {
		cursor = endingBefore
		op = "<"
	}
	if cursor != "" {
		chat, err := s.GetChat(ctx, cursor)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, apperr.New(apperr.NotFound, apperr.SurfaceDatabase, fmt.Sprintf("Chat with id %s not found", cursor))
			}
			return nil, false, err
		}
		query += ` AND created_at ` + op + ` ?`
		args = append(args, chat.CreatedAt)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, false, dbErr("list chats", err)
	}
	defer rows.Close()

	chats := []*models.Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, false, dbErr("scan chat", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, dbErr("list chats", err)
	}
	hasMore := len(chats) > limit
	if hasMore {
		chats = chats[:limit]
	}
	return chats, hasMore, nil
}

// BranchChat copies every message up to and including messageID into a new
// private chat owned by userID. The source must be owned by userID or public.
func (s *Service) BranchChat(ctx context.Context, userID int64, chatID, messageID string) (*models.Chat, error) {
	var branch *models.Chat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		source, err := s.getChat(ctx, tx, chatID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.NotFound, apperr.SurfaceChat, "chat not found")
			}
			return err
		}
		if source.UserID != userID && source.Visibility != models.VisibilityPublic {
			return apperr.New(apperr.Forbidden, apperr.SurfaceChat, "chat belongs to another user")
		}
		history, err := s.messages(ctx, tx, chatID)
		if err != nil {
			return err
		}
		cutoff := -1
		for i, m := range history {
			if m.ID == messageID {
				cutoff = i
				break
			}
		}
		if cutoff < 0 {
			return apperr.New(apperr.NotFound, apperr.SurfaceChat, "message not found in chat")
		}

		branch = &models.Chat{
			ID:         uuid.NewString(),
			UserID:     userID,
			Title:      BranchTitlePrefix + source.Title,
			Visibility: models.VisibilityPrivate,
			CreatedAt:  time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?)`),
			branch.ID, branch.UserID, branch.Title, branch.Visibility, branch.CreatedAt,
		); err != nil {
			return dbErr("save branch chat", err)
		}
		copies := make([]*models.Message, 0, cutoff+1)
		for _, m := range history[:cutoff+1] {
			copies = append(copies, &models.Message{
				ID:          uuid.NewString(),
				ChatID:      branch.ID,
				Role:        m.Role,
				Parts:       m.Parts,
				Attachments: m.Attachments,
				ModelID:     m.ModelID,
				CreatedAt:   m.CreatedAt,
			})
		}
		return s.insertMessages(ctx, tx, copies)
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

func (s *Service) GetVotes(ctx context.Context, chatID string) ([]models.Vote, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT chat_id, message_id, is_upvoted FROM votes WHERE chat_id = ?`), chatID)
	if err != nil {
		return nil, dbErr("list votes", err)
	}
	defer rows.Close()
	votes := []models.Vote{}
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ChatID, &v.MessageID, &v.IsUpvoted); err != nil {
			return nil, dbErr("scan vote", err)
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list votes", err)
	}
	return votes, nil
}

// VoteMessage records or flips the vote on a message.
func (s *Service) VoteMessage(ctx context.Context, chatID, messageID string, upvote bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var inChat bool
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ? AND chat_id = ?)`),
			messageID, chatID,
		).Scan(&inChat); err != nil {
			return dbErr("check message", err)
		}
		if !inChat {
			return apperr.New(apperr.NotFound, apperr.SurfaceVote, "message not found in chat")
		}
		var exists bool
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT EXISTS(SELECT 1 FROM votes WHERE chat_id = ? AND message_id = ?)`),
			chatID, messageID,
		).Scan(&exists); err != nil {
			return dbErr("check vote", err)
		}
		stmt := `INSERT INTO votes (is_upvoted, chat_id, message_id) VALUES (?, ?, ?)`
		if exists {
			stmt = `UPDATE votes SET is_upvoted = ? WHERE chat_id = ? AND message_id = ?`
		}
		if _, err := tx.ExecContext(ctx, s.q(stmt), upvote, chatID, messageID); err != nil {
			return dbErr("save vote", err)
		}
		return nil
	})
}
