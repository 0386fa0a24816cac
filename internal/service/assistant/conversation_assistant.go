package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classpilot/internal/models"
)

// CategoryByName resolves a chat page category.
func (s *Service) CategoryByName(ctx context.Context, name string) (*models.Category, error) {
	var cat models.Category
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, name, label, private FROM categories WHERE name = ?`), name,
	).Scan(&cat.ID, &cat.Name, &cat.Label, &cat.Private)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("category %s: %w", name, models.ErrNotFound)
		}
		return nil, fmt.Errorf("query category: %w", err)
	}
	return &cat, nil
}

// SaveConversation persists one completed question/answer exchange.
func (s *Service) SaveConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, error) {
	now := time.Now().UTC()

	var id int64
	var err error
	if s.driver == "postgres" {
		err = s.db.QueryRowContext(ctx,
			s.q(`INSERT INTO conversations (user_id, category_id, user_message, ai_response, session_id, is_private, created_at) VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			conv.UserID, conv.CategoryID, conv.UserMessage, conv.AIResponse, conv.SessionID, conv.IsPrivate, now,
		).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO conversations (user_id, category_id, user_message, ai_response, session_id, is_private, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conv.UserID, conv.CategoryID, conv.UserMessage, conv.AIResponse, conv.SessionID, conv.IsPrivate, now,
		)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: save conversation: %v", models.ErrStorage, err)
	}
	conv.ID = id
	conv.CreatedAt = now
	return &conv, nil
}

// ConversationsBySession returns every exchange of one session for the user,
// ascending by created_at. Zero rows is a valid result.
func (s *Service) ConversationsBySession(ctx context.Context, userID int64, sessionID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, user_id, category_id, user_message, ai_response, session_id, is_private, created_at
		     FROM conversations WHERE user_id = ? AND session_id = ? ORDER BY created_at ASC`),
		userID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: conversations by session: %v", models.ErrStorage, err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// RecentConversations lists the user's latest exchanges, optionally filtered
// to one category, newest first.
func (s *Service) RecentConversations(ctx context.Context, userID int64, categoryID int64, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, category_id, user_message, ai_response, session_id, is_private, created_at
	          FROM conversations WHERE user_id = ?`
	args := []any{userID}
	if categoryID > 0 {
		query += ` AND category_id = ?`
		args = append(args, categoryID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: recent conversations: %v", models.ErrStorage, err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// SessionSummary identifies one resumable conversation thread.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	CategoryID int64     `json:"category_id"`
	Exchanges  int       `json:"exchanges"`
	LastActive time.Time `json:"last_active"`
}

// SessionSummaries lists the user's conversation threads, most recent first.
func (s *Service) SessionSummaries(ctx context.Context, userID int64, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT session_id, MAX(category_id), COUNT(*), MAX(created_at)
		     FROM conversations WHERE user_id = ?
		     GROUP BY session_id ORDER BY MAX(created_at) DESC LIMIT ?`),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: session summaries: %v", models.ErrStorage, err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.CategoryID, &sum.Exchanges, &sum.LastActive); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanConversations(rows *sql.Rows) ([]models.Conversation, error) {
	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.CategoryID, &c.UserMessage, &c.AIResponse, &c.SessionID, &c.IsPrivate, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
