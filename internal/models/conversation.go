package models

import "time"

// Conversation is one persisted question/answer exchange. A session_id groups
// the exchanges of a single conversation thread; ordering within a session is
// by created_at ascending.
type Conversation struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	CategoryID  int64     `json:"category_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	SessionID   string    `json:"session_id"`
	IsPrivate   bool      `json:"is_private"`
	CreatedAt   time.Time `json:"created_at"`
}

// Category is one chat page category (learning, counseling, doc_assistant, ...).
// Private categories persist their conversations with is_private set.
type Category struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Label   string `json:"label"`
	Private bool   `json:"private"`
}
