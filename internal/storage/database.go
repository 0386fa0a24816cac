package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"classpilot/internal/config"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database. Postgres (Supabase) is the
// production store; sqlite3 backs local development and tests.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "postgres":
		dsn := dbCfg.DSN
		if dsn == "" {
			sslMode := dbCfg.SSLMode
			if sslMode == "" {
				sslMode = "require"
			}
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				dbCfg.Host, dbCfg.Port, dbCfg.Username, dbCfg.Password, dbCfg.DBName, sslMode)
		}
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Rebind rewrites ? placeholders into the $n form for postgres. Queries are
// written once with ? and rebound per driver.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate ensures the required tables (and, on postgres, the pgvector
// similarity function) are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = sqliteSchema
	case "postgres":
		stmts = postgresSchema
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", firstLine(stmt), err)
		}
	}
	if err := seedCategories(db, driver); err != nil {
		return err
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if idx := strings.IndexByte(stmt, '\n'); idx > 0 {
		return stmt[:idx]
	}
	if len(stmt) > 60 {
		return stmt[:60]
	}
	return stmt
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'student',
		grade TEXT,
		created_at DATETIME NOT NULL,
		last_login DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS user_tokens (
		token TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		private INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		category_id INTEGER NOT NULL,
		user_message TEXT NOT NULL,
		ai_response TEXT NOT NULL,
		session_id TEXT NOT NULL,
		is_private INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY(category_id) REFERENCES categories(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(user_id, session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(owner_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS document_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		owner_id INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		UNIQUE(document_id, chunk_index),
		FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE,
		FOREIGN KEY(owner_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_document_chunks_owner ON document_chunks(owner_id)`,
	`CREATE TABLE IF NOT EXISTS teacher_invite_codes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		created_by INTEGER NOT NULL,
		memo TEXT,
		expires_at DATETIME NOT NULL,
		used_by INTEGER,
		used_at DATETIME,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(created_by) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS student_invite_codes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		created_by INTEGER NOT NULL,
		class_name TEXT,
		max_uses INTEGER NOT NULL DEFAULT 10,
		use_count INTEGER NOT NULL DEFAULT 0,
		memo TEXT,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(created_by) REFERENCES users(id) ON DELETE CASCADE
	)`,
}

var postgresSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'student',
		grade TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		last_login TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS user_tokens (
		token TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		private BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		category_id BIGINT NOT NULL REFERENCES categories(id),
		user_message TEXT NOT NULL,
		ai_response TEXT NOT NULL,
		session_id TEXT NOT NULL,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(user_id, session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id BIGSERIAL PRIMARY KEY,
		owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS document_chunks (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding vector(384) NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(document_id, chunk_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_document_chunks_owner ON document_chunks(owner_id)`,
	`CREATE TABLE IF NOT EXISTS teacher_invite_codes (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		created_by BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		memo TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		used_by BIGINT,
		used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS student_invite_codes (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		created_by BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		class_name TEXT,
		max_uses INTEGER NOT NULL DEFAULT 10,
		use_count INTEGER NOT NULL DEFAULT 0,
		memo TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	// Server-side similarity ranking, scoped to the owner and optionally to a
	// single document. Ranking and tie-breaks live entirely in the store.
	`CREATE OR REPLACE FUNCTION match_document_chunks(
		query_embedding vector(384),
		match_count integer,
		p_owner_id bigint,
		p_document_id bigint DEFAULT NULL
	) RETURNS TABLE(content text, metadata jsonb, score double precision)
	LANGUAGE sql STABLE AS $$
		SELECT c.content,
		       c.metadata,
		       1 - (c.embedding <=> query_embedding) AS score
		FROM document_chunks c
		WHERE c.owner_id = p_owner_id
		  AND (p_document_id IS NULL OR c.document_id = p_document_id)
		ORDER BY c.embedding <=> query_embedding
		LIMIT match_count
	$$`,
}

// Chat page catalog mirrored from the UI. Counseling pages persist privately.
var defaultCategories = []struct {
	Name    string
	Label   string
	Private bool
}{
	{"learning", "학습 도우미", false},
	{"quiz", "퀴즈", false},
	{"counseling_student", "학생 상담", true},
	{"counseling_education", "교육 상담", true},
	{"teacher_worry", "교사 고민", true},
	{"lesson_prep", "수업 준비", false},
	{"assignments", "과제 도우미", false},
	{"stock_chatbot", "주식 교육", false},
	{"doc_assistant", "문서 도우미", false},
}

func seedCategories(db *sql.DB, driver string) error {
	var stmt string
	switch strings.ToLower(driver) {
	case "postgres":
		stmt = `INSERT INTO categories (name, label, private) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`
	default:
		stmt = `INSERT OR IGNORE INTO categories (name, label, private) VALUES (?, ?, ?)`
	}
	for _, cat := range defaultCategories {
		if _, err := db.Exec(stmt, cat.Name, cat.Label, cat.Private); err != nil {
			return fmt.Errorf("seed category %s: %w", cat.Name, err)
		}
	}
	return nil
}
