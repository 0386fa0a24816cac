// Package rag answers page questions with retrieved document context: embed
// the question, pull the owner's closest chunks, prepend them to the chat
// history and stream the completion. Retrieval failures degrade to a plain
// chat answer instead of failing the question.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"classpilot/internal/embedding"
	"classpilot/internal/models"
	"classpilot/internal/session"
)

const (
	maxSnippetLen = 400

	systemPrompt = "당신은 학생과 교사를 돕는 학습 도우미입니다. 제공된 자료가 있으면 그 내용을 우선 참고하여 한국어로 답변하세요."
)

// AICaller streams one chat completion. The ai service implements it.
type AICaller interface {
	StreamChat(ctx context.Context, messages []models.Message, callback func(string) error) (string, error)
}

// Store is the persistence surface the orchestrator needs from the assistant
// service.
type Store interface {
	SearchChunks(ctx context.Context, ownerID int64, queryEmbedding []float32, matchCount int, documentID int64) ([]models.ChunkMatch, error)
	SaveConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, error)
	CategoryByName(ctx context.Context, name string) (*models.Category, error)
}

// Orchestrator ties the embedder, the chunk store, the session log and the
// chat provider together. One in-flight question per (scope, page).
type Orchestrator struct {
	ai         AICaller
	embedder   embedding.Embedder
	store      Store
	sessions   *session.Store
	matchCount int

	mu   sync.Mutex
	busy map[string]struct{}
}

// New builds an orchestrator. matchCount <= 0 falls back to 5.
func New(ai AICaller, embedder embedding.Embedder, store Store, sessions *session.Store, matchCount int) *Orchestrator {
	if matchCount <= 0 {
		matchCount = 5
	}
	return &Orchestrator{
		ai:         ai,
		embedder:   embedder,
		store:      store,
		sessions:   sessions,
		matchCount: matchCount,
		busy:       make(map[string]struct{}),
	}
}

// AskRequest is one page question.
type AskRequest struct {
	Scope    string
	UserID   int64
	PageKey  string
	Category string
	Question string
	// OnDelta receives each streamed fragment. Returning an error aborts the
	// stream; nothing is persisted in that case.
	OnDelta func(string) error
}

// Answer is the finished response for one question.
type Answer struct {
	SessionID string
	Text      string
	Citations []string
}

// Ask runs one full question round trip. The question is appended to the page
// log before the provider is called so a failed answer still shows the user
// what they asked. The answer is appended and persisted only when the stream
// drains completely with non-empty text.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (*Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, errors.New("question cannot be empty")
	}
	if !o.acquire(req.Scope, req.PageKey) {
		return nil, fmt.Errorf("%w: page %s already has a question in flight", models.ErrBusy, req.PageKey)
	}
	defer o.release(req.Scope, req.PageKey)

	sessionID := o.sessions.SessionID(req.Scope, req.PageKey)
	o.sessions.Append(req.Scope, req.PageKey, models.RoleUser, req.Question)

	category, err := o.store.CategoryByName(ctx, req.Category)
	if err != nil {
		return nil, fmt.Errorf("category %s: %w", req.Category, err)
	}

	contextBlock, citations := o.retrieve(ctx, req.UserID, req.Question)

	prompt := systemPrompt
	if contextBlock != "" {
		prompt += "\n\n참고 자료:\n" + contextBlock
	}
	history := o.sessions.Messages(req.Scope, req.PageKey)
	messages := make([]models.Message, 0, len(history)+1)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: prompt})
	messages = append(messages, history...)

	full, err := o.ai.StreamChat(ctx, messages, req.OnDelta)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(full) == "" {
		return nil, fmt.Errorf("%w: provider returned an empty answer", models.ErrProvider)
	}

	if len(citations) > 0 {
		footer := "\n\n참고: " + strings.Join(citations, ", ")
		full += footer
		if req.OnDelta != nil {
			// The answer is complete at this point; a failed footer delivery
			// does not unwind persistence.
			_ = req.OnDelta(footer)
		}
	}

	o.sessions.Append(req.Scope, req.PageKey, models.RoleAssistant, full)

	if _, err := o.store.SaveConversation(ctx, models.Conversation{
		UserID:      req.UserID,
		CategoryID:  category.ID,
		UserMessage: req.Question,
		AIResponse:  full,
		SessionID:   sessionID,
		IsPrivate:   category.Private,
	}); err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Warn("failed to persist exchange")
	}

	return &Answer{SessionID: sessionID, Text: full, Citations: citations}, nil
}

// retrieve embeds the question and collects matching chunks. Any failure on
// the way logs a warning and yields an empty context, never an error.
func (o *Orchestrator) retrieve(ctx context.Context, ownerID int64, question string) (string, []string) {
	vecs, err := o.embedder.Embed(ctx, []string{question})
	if err != nil || len(vecs) == 0 {
		logrus.WithError(err).Warn("question embedding failed, answering without document context")
		return "", nil
	}
	matches, err := o.store.SearchChunks(ctx, ownerID, vecs[0], o.matchCount, 0)
	if err != nil {
		logrus.WithError(err).Warn("chunk search failed, answering without document context")
		return "", nil
	}
	if len(matches) == 0 {
		return "", nil
	}

	var block strings.Builder
	var citations []string
	seen := make(map[string]struct{})
	for _, m := range matches {
		label := m.Metadata.File
		if m.Metadata.Page > 0 {
			label = fmt.Sprintf("%s p.%d", m.Metadata.File, m.Metadata.Page)
		}
		fmt.Fprintf(&block, "- %s: %s\n", label, snippet(m.Content))
		if _, ok := seen[label]; !ok && label != "" {
			seen[label] = struct{}{}
			citations = append(citations, label)
		}
	}
	return block.String(), citations
}

// snippet flattens whitespace and caps the text so one chunk cannot crowd the
// prompt.
func snippet(content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	if len(flat) > maxSnippetLen {
		cut := maxSnippetLen
		for cut > 0 && !utf8.RuneStart(flat[cut]) {
			cut--
		}
		flat = flat[:cut]
	}
	return flat
}

func (o *Orchestrator) acquire(scope, pageKey string) bool {
	k := scope + "\x00" + pageKey
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, held := o.busy[k]; held {
		return false
	}
	o.busy[k] = struct{}{}
	return true
}

func (o *Orchestrator) release(scope, pageKey string) {
	k := scope + "\x00" + pageKey
	o.mu.Lock()
	delete(o.busy, k)
	o.mu.Unlock()
}

// UserFacingMessage maps provider failures onto the sentence shown in chat.
func UserFacingMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrBusy):
		return "이전 질문에 대한 답변을 생성하는 중입니다. 잠시 후 다시 시도해주세요."
	case errors.Is(err, models.ErrProviderRateLimited):
		return "요청이 많아 잠시 후 다시 시도해주세요."
	case errors.Is(err, models.ErrProviderTimeout):
		return "응답 시간이 초과되었습니다. 잠시 후 다시 시도해주세요."
	case errors.Is(err, models.ErrProvider):
		return "AI 응답 생성 중 오류가 발생했습니다."
	default:
		return "요청 처리 중 오류가 발생했습니다."
	}
}
