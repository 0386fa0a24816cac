package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpilot/internal/models"
)

type fakeLoader struct {
	rows []models.Conversation
	err  error
}

func (f *fakeLoader) ConversationsBySession(_ context.Context, _ int64, _ string) ([]models.Conversation, error) {
	return f.rows, f.err
}

func TestSessionIDIsLazyAndIdempotent(t *testing.T) {
	s := NewStore(true, nil)

	id := s.SessionID("tok", "learning")
	require.NotEmpty(t, id)
	assert.Regexp(t, `^session_\d{14}_[0-9a-f-]{8}$`, id)
	assert.Equal(t, id, s.SessionID("tok", "learning"))
}

func TestStartNewChangesOnlyTargetPage(t *testing.T) {
	s := NewStore(true, nil)

	learning := s.SessionID("tok", "learning")
	quiz := s.SessionID("tok", "quiz")

	fresh := s.StartNew("tok", "learning")
	assert.NotEqual(t, learning, fresh)
	assert.Equal(t, fresh, s.SessionID("tok", "learning"))
	assert.Equal(t, quiz, s.SessionID("tok", "quiz"), "other pages must keep their session")
}

func TestStartNewKeepsMessagesWhenConfigured(t *testing.T) {
	s := NewStore(false, nil)
	s.Append("tok", "learning", models.RoleUser, "질문")
	s.Append("tok", "learning", models.RoleAssistant, "답변")

	old := s.SessionID("tok", "learning")
	fresh := s.StartNew("tok", "learning")
	assert.NotEqual(t, old, fresh)
	// clear_on_new_chat=false: the old log survives the session-id change.
	assert.Len(t, s.Messages("tok", "learning"), 2)

	cleared := NewStore(true, nil)
	cleared.Append("tok", "learning", models.RoleUser, "질문")
	cleared.StartNew("tok", "learning")
	assert.Empty(t, cleared.Messages("tok", "learning"))
}

func TestClearKeepsSessionID(t *testing.T) {
	s := NewStore(true, nil)
	id := s.SessionID("tok", "quiz")
	s.Append("tok", "quiz", models.RoleUser, "hello")

	s.Clear("tok", "quiz")
	assert.Empty(t, s.Messages("tok", "quiz"))
	assert.Equal(t, id, s.SessionID("tok", "quiz"))
}

func TestLoadFromStoreRebuildsAlternatingTurns(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	loader := &fakeLoader{rows: []models.Conversation{
		{UserMessage: "q1", AIResponse: "a1", CreatedAt: base},
		{UserMessage: "q2", AIResponse: "", CreatedAt: base.Add(time.Minute)},
		{UserMessage: "q3", AIResponse: "a3", CreatedAt: base.Add(2 * time.Minute)},
	}}
	s := NewStore(true, loader)
	s.Append("tok", "doc_assistant", models.RoleUser, "stale")

	n, err := s.LoadFromStore(context.Background(), "tok", 7, "doc_assistant", "session_x")
	require.NoError(t, err)
	// 3 exchanges, one with an empty answer -> 5 messages, not 6
	assert.Equal(t, 5, n)

	msgs := s.Messages("tok", "doc_assistant")
	require.Len(t, msgs, 5)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "a1", msgs[1].Content)
	assert.Equal(t, "q2", msgs[2].Content)
	assert.Equal(t, models.RoleUser, msgs[3].Role)
	assert.Equal(t, "a3", msgs[4].Content)

	assert.Equal(t, "session_x", s.SessionID("tok", "doc_assistant"))
}

func TestLoadFromStoreZeroRowsIsSoftEmpty(t *testing.T) {
	s := NewStore(true, &fakeLoader{})
	s.Append("tok", "quiz", models.RoleUser, "stale")

	n, err := s.LoadFromStore(context.Background(), "tok", 7, "quiz", "session_y")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, s.Messages("tok", "quiz"))
	assert.Equal(t, "session_y", s.SessionID("tok", "quiz"))
}

func TestDropForgetsOnlyOneScope(t *testing.T) {
	s := NewStore(true, nil)
	s.Append("tok-a", "learning", models.RoleUser, "a")
	s.Append("tok-b", "learning", models.RoleUser, "b")

	s.Drop("tok-a")
	assert.Empty(t, s.Messages("tok-a", "learning"))
	assert.Len(t, s.Messages("tok-b", "learning"), 1)
}
