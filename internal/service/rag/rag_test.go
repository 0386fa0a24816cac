package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpilot/internal/models"
	"classpilot/internal/session"
)

type fakeAI struct {
	answer   string
	err      error
	gotMsgs  []models.Message
	unblock  chan struct{}
	started  chan struct{}
	startLog sync.Once
}

func (f *fakeAI) StreamChat(ctx context.Context, messages []models.Message, callback func(string) error) (string, error) {
	f.gotMsgs = messages
	if f.started != nil {
		f.startLog.Do(func() { close(f.started) })
	}
	if f.unblock != nil {
		<-f.unblock
	}
	if f.err != nil {
		return "", f.err
	}
	if callback != nil {
		for _, part := range strings.SplitAfter(f.answer, " ") {
			if err := callback(part); err != nil {
				return "", err
			}
		}
	}
	return f.answer, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }
func (f *fakeEmbedder) Degraded() bool { return false }

type fakeStore struct {
	matches     []models.ChunkMatch
	searchErr   error
	category    models.Category
	categoryErr error
	saved       []models.Conversation
}

func (f *fakeStore) SearchChunks(ctx context.Context, ownerID int64, queryEmbedding []float32, matchCount int, documentID int64) ([]models.ChunkMatch, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.matches, nil
}

func (f *fakeStore) SaveConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, error) {
	f.saved = append(f.saved, conv)
	conv.ID = int64(len(f.saved))
	return &conv, nil
}

func (f *fakeStore) CategoryByName(ctx context.Context, name string) (*models.Category, error) {
	if f.categoryErr != nil {
		return nil, f.categoryErr
	}
	return &f.category, nil
}

func newFixture(ai *fakeAI, emb *fakeEmbedder, store *fakeStore) (*Orchestrator, *session.Store) {
	sessions := session.NewStore(true, nil)
	return New(ai, emb, store, sessions, 5), sessions
}

func TestAskStreamsAnswerWithCitations(t *testing.T) {
	ai := &fakeAI{answer: "광합성은 빛 에너지를 화학 에너지로 바꾸는 과정입니다."}
	store := &fakeStore{
		category: models.Category{ID: 3, Name: "learning", Private: false},
		matches: []models.ChunkMatch{
			{Content: "광합성 개요\n빛 에너지", Metadata: models.ChunkMetadata{File: "biology.pdf", Page: 2}, Score: 0.91},
			{Content: "엽록체의 역할", Metadata: models.ChunkMetadata{File: "biology.pdf", Page: 2}, Score: 0.84},
			{Content: "세포 호흡과의 비교", Metadata: models.ChunkMetadata{File: "notes.txt"}, Score: 0.70},
		},
	}
	orch, sessions := newFixture(ai, &fakeEmbedder{}, store)

	var streamed strings.Builder
	ans, err := orch.Ask(context.Background(), AskRequest{
		Scope: "tok-a", UserID: 7, PageKey: "learning", Category: "learning",
		Question: "광합성이 뭐야?",
		OnDelta:  func(s string) error { streamed.WriteString(s); return nil },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"biology.pdf p.2", "notes.txt"}, ans.Citations)
	assert.True(t, strings.HasSuffix(ans.Text, "\n\n참고: biology.pdf p.2, notes.txt"))
	assert.Equal(t, ans.Text, streamed.String(), "streamed fragments plus footer should rebuild the answer")
	assert.Equal(t, 1, strings.Count(ans.Text, "참고:"))

	// System prompt carries the retrieved context, history carries the turn.
	require.NotEmpty(t, ai.gotMsgs)
	assert.Equal(t, models.RoleSystem, ai.gotMsgs[0].Role)
	assert.Contains(t, ai.gotMsgs[0].Content, "참고 자료:")
	assert.Contains(t, ai.gotMsgs[0].Content, "- biology.pdf p.2:")
	assert.Equal(t, "광합성이 뭐야?", ai.gotMsgs[len(ai.gotMsgs)-1].Content)

	require.Len(t, store.saved, 1)
	assert.Equal(t, ans.SessionID, store.saved[0].SessionID)
	assert.Equal(t, ans.Text, store.saved[0].AIResponse)
	assert.False(t, store.saved[0].IsPrivate)

	msgs := sessions.Messages("tok-a", "learning")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestAskDegradesWhenRetrievalFails(t *testing.T) {
	ai := &fakeAI{answer: "자료 없이도 답변합니다."}
	store := &fakeStore{
		category:  models.Category{ID: 1, Name: "counseling_student", Private: true},
		searchErr: errors.New("store down"),
	}
	orch, _ := newFixture(ai, &fakeEmbedder{err: models.ErrEmbedding}, store)

	ans, err := orch.Ask(context.Background(), AskRequest{
		Scope: "tok-b", UserID: 7, PageKey: "counseling", Category: "counseling_student",
		Question: "고민이 있어요",
	})
	require.NoError(t, err)

	assert.Empty(t, ans.Citations)
	assert.NotContains(t, ans.Text, "참고:")
	assert.NotContains(t, ai.gotMsgs[0].Content, "참고 자료:")

	require.Len(t, store.saved, 1)
	assert.True(t, store.saved[0].IsPrivate, "private category must mark the saved exchange private")
}

func TestAskProviderFailureKeepsQuestionOnly(t *testing.T) {
	ai := &fakeAI{err: models.ErrProviderRateLimited}
	store := &fakeStore{category: models.Category{ID: 3, Name: "learning"}}
	orch, sessions := newFixture(ai, &fakeEmbedder{}, store)

	_, err := orch.Ask(context.Background(), AskRequest{
		Scope: "tok-c", UserID: 7, PageKey: "learning", Category: "learning",
		Question: "질문",
	})
	require.ErrorIs(t, err, models.ErrProviderRateLimited)

	assert.Empty(t, store.saved, "failed answers must not be persisted")
	msgs := sessions.Messages("tok-c", "learning")
	require.Len(t, msgs, 1, "the question stays on the log, the answer does not")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestAskUnknownCategoryStillLogsQuestion(t *testing.T) {
	ai := &fakeAI{answer: "답변"}
	store := &fakeStore{categoryErr: models.ErrNotFound}
	orch, sessions := newFixture(ai, &fakeEmbedder{}, store)

	_, err := orch.Ask(context.Background(), AskRequest{
		Scope: "tok-g", UserID: 7, PageKey: "learning", Category: "nope",
		Question: "질문",
	})
	require.ErrorIs(t, err, models.ErrNotFound)

	// The question lands on the page log before the category is resolved.
	msgs := sessions.Messages("tok-g", "learning")
	require.Len(t, msgs, 1)
	assert.Equal(t, "질문", msgs[0].Content)
	assert.Empty(t, store.saved)
}

func TestAskEmptyAnswerNotPersisted(t *testing.T) {
	ai := &fakeAI{answer: "   "}
	store := &fakeStore{category: models.Category{ID: 3, Name: "learning"}}
	orch, _ := newFixture(ai, &fakeEmbedder{}, store)

	_, err := orch.Ask(context.Background(), AskRequest{
		Scope: "tok-d", UserID: 7, PageKey: "learning", Category: "learning",
		Question: "질문",
	})
	require.ErrorIs(t, err, models.ErrProvider)
	assert.Empty(t, store.saved)
}

func TestAskAbandonedStreamNotPersisted(t *testing.T) {
	ai := &fakeAI{answer: "긴 답변 입니다"}
	store := &fakeStore{category: models.Category{ID: 3, Name: "learning"}}
	orch, _ := newFixture(ai, &fakeEmbedder{}, store)

	abandoned := errors.New("client went away")
	_, err := orch.Ask(context.Background(), AskRequest{
		Scope: "tok-e", UserID: 7, PageKey: "learning", Category: "learning",
		Question: "질문",
		OnDelta:  func(string) error { return abandoned },
	})
	require.ErrorIs(t, err, abandoned)
	assert.Empty(t, store.saved)
}

func TestAskRejectsConcurrentQuestionOnSamePage(t *testing.T) {
	ai := &fakeAI{answer: "답변", unblock: make(chan struct{}), started: make(chan struct{})}
	store := &fakeStore{category: models.Category{ID: 3, Name: "learning"}}
	orch, _ := newFixture(ai, &fakeEmbedder{}, store)

	done := make(chan error, 1)
	go func() {
		_, err := orch.Ask(context.Background(), AskRequest{
			Scope: "tok-f", UserID: 7, PageKey: "learning", Category: "learning",
			Question: "첫 번째 질문",
		})
		done <- err
	}()
	<-ai.started

	// Same page busy, other page fine.
	_, err := orch.Ask(context.Background(), AskRequest{
		Scope: "tok-f", UserID: 7, PageKey: "learning", Category: "learning",
		Question: "두 번째 질문",
	})
	require.ErrorIs(t, err, models.ErrBusy)

	close(ai.unblock)
	require.NoError(t, <-done)

	_, err = orch.Ask(context.Background(), AskRequest{
		Scope: "tok-f", UserID: 7, PageKey: "learning", Category: "learning",
		Question: "세 번째 질문",
	})
	require.NoError(t, err, "the slot must be released after the first answer finishes")
}

func TestUserFacingMessage(t *testing.T) {
	assert.Contains(t, UserFacingMessage(models.ErrBusy), "잠시 후")
	assert.NotEqual(t,
		UserFacingMessage(models.ErrProviderRateLimited),
		UserFacingMessage(models.ErrProviderTimeout))
	assert.Equal(t, "AI 응답 생성 중 오류가 발생했습니다.", UserFacingMessage(models.ErrProvider))
}
