// Package assistant persists users, invite codes, conversations, and the
// document knowledge base behind plain database/sql.
package assistant

import (
	"database/sql"

	"classpilot/internal/storage"
)

// Service handles user lifecycle and all conversation/document persistence.
type Service struct {
	db     *sql.DB
	driver string
}

// NewService builds the assistant service for the given driver
// ("postgres" or "sqlite3").
func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: driver}
}

// q rebinds ? placeholders for the active driver.
func (s *Service) q(query string) string {
	return storage.Rebind(s.driver, query)
}
