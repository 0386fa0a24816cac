// Package session tracks per-page conversation state: an ordered message log
// and the active session identifier for each (browser session, page) pair.
// The original UI kept this in framework-global mutable state; here it is an
// explicit injected store so the chat services stay testable.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"classpilot/internal/models"
)

// ConversationLoader reads persisted exchanges for one session, ascending by
// created_at. The assistant service implements it.
type ConversationLoader interface {
	ConversationsBySession(ctx context.Context, userID int64, sessionID string) ([]models.Conversation, error)
}

type pageState struct {
	sessionID string
	messages  []models.Message
}

// Store holds the per-page conversation state of every live browser session,
// keyed by (scope, pageKey). Scope is the caller's auth token, so two logins
// of the same user do not share chat state.
type Store struct {
	mu             sync.RWMutex
	pages          map[string]*pageState
	clearOnNewChat bool
	loader         ConversationLoader
	now            func() time.Time
}

// NewStore builds a session store. clearOnNewChat controls whether StartNew
// also empties the page's message log; when false, old messages stay visible
// under the new session id, matching the original behavior.
func NewStore(clearOnNewChat bool, loader ConversationLoader) *Store {
	return &Store{
		pages:          make(map[string]*pageState),
		clearOnNewChat: clearOnNewChat,
		loader:         loader,
		now:            time.Now,
	}
}

func key(scope, pageKey string) string {
	if pageKey == "" {
		pageKey = "default"
	}
	return scope + "\x00" + pageKey
}

// NewSessionID mints a sortable identifier: timestamp plus a short random
// suffix, e.g. session_20260828143501_1a2b3c4d.
func NewSessionID() string {
	return fmt.Sprintf("session_%s_%s", time.Now().Format("20060102150405"), uuid.NewString()[:8])
}

func (s *Store) page(scope, pageKey string) *pageState {
	k := key(scope, pageKey)
	st, ok := s.pages[k]
	if !ok {
		st = &pageState{}
		s.pages[k] = st
	}
	return st
}

// SessionID returns the active session identifier for the page, generating
// one lazily on first access. Idempotent once a session is active.
func (s *Store) SessionID(scope, pageKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.page(scope, pageKey)
	if st.sessionID == "" {
		st.sessionID = NewSessionID()
	}
	return st.sessionID
}

// StartNew replaces the page's session identifier with a fresh one. The
// message log is emptied only when the store was built with clearOnNewChat.
func (s *Store) StartNew(scope, pageKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.page(scope, pageKey)
	st.sessionID = NewSessionID()
	if s.clearOnNewChat {
		st.messages = nil
	}
	return st.sessionID
}

// Append records a chat turn on the page's in-memory log. Persistence is the
// orchestrator's responsibility, not the session store's.
func (s *Store) Append(scope, pageKey string, role models.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.page(scope, pageKey)
	st.messages = append(st.messages, models.Message{Role: role, Content: content, Timestamp: s.now()})
}

// Clear empties the page's message log without touching the session id.
func (s *Store) Clear(scope, pageKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page(scope, pageKey).messages = nil
}

// Messages returns a snapshot of the page's log.
func (s *Store) Messages(scope, pageKey string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.pages[key(scope, pageKey)]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(st.messages))
	copy(out, st.messages)
	return out
}

// LoadFromStore replaces the page's log with the persisted exchanges of
// sessionID and makes that the page's active session. Each stored row
// contributes a user turn and, when the answer is non-empty, an assistant
// turn. Zero rows is a soft-empty success: a fresh session legitimately has
// no exchanges yet.
func (s *Store) LoadFromStore(ctx context.Context, scope string, userID int64, pageKey, sessionID string) (int, error) {
	rows, err := s.loader.ConversationsBySession(ctx, userID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	messages := make([]models.Message, 0, len(rows)*2)
	for _, row := range rows {
		if row.UserMessage != "" {
			messages = append(messages, models.Message{Role: models.RoleUser, Content: row.UserMessage, Timestamp: row.CreatedAt})
		}
		if row.AIResponse != "" {
			messages = append(messages, models.Message{Role: models.RoleAssistant, Content: row.AIResponse, Timestamp: row.CreatedAt})
		}
	}

	s.mu.Lock()
	st := s.page(scope, pageKey)
	st.sessionID = sessionID
	st.messages = messages
	s.mu.Unlock()
	return len(messages), nil
}

// Drop forgets every page belonging to scope. Called on logout.
func (s *Store) Drop(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := scope + "\x00"
	for k := range s.pages {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.pages, k)
		}
	}
}
