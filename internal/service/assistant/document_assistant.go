package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"

	"classpilot/internal/embedding"
	"classpilot/internal/models"
)

// CreateDocument inserts the metadata row for one uploaded file.
func (s *Service) CreateDocument(ctx context.Context, ownerID int64, title, fileName, contentType string) (*models.Document, error) {
	now := time.Now().UTC()

	var id int64
	var err error
	if s.driver == "postgres" {
		err = s.db.QueryRowContext(ctx,
			s.q(`INSERT INTO documents (owner_id, title, file_name, content_type, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
			ownerID, title, fileName, contentType, now,
		).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO documents (owner_id, title, file_name, content_type, created_at) VALUES (?, ?, ?, ?, ?)`,
			ownerID, title, fileName, contentType, now,
		)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create document: %v", models.ErrStorage, err)
	}
	return &models.Document{ID: id, OwnerID: ownerID, Title: title, FileName: fileName, ContentType: contentType, CreatedAt: now}, nil
}

// AddChunk writes one embedded chunk. Callers treat individual failures as
// non-fatal and report them in aggregate after the batch.
func (s *Service) AddChunk(ctx context.Context, chunk models.DocumentChunk) error {
	meta, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("encode chunk metadata: %w", err)
	}
	now := time.Now().UTC()

	var embeddingVal any
	if s.driver == "postgres" {
		embeddingVal = pgvector.NewVector(chunk.Embedding)
	} else {
		encoded, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return fmt.Errorf("encode chunk embedding: %w", err)
		}
		embeddingVal = string(encoded)
	}

	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO document_chunks (document_id, owner_id, chunk_index, content, embedding, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		chunk.DocumentID, chunk.OwnerID, chunk.ChunkIndex, chunk.Content, embeddingVal, string(meta), now,
	); err != nil {
		return fmt.Errorf("%w: add chunk %d of document %d: %v", models.ErrStorage, chunk.ChunkIndex, chunk.DocumentID, err)
	}
	return nil
}

// SearchChunks returns up to matchCount chunks of the owner ranked by
// descending similarity to queryEmbedding, optionally scoped to one document.
// Postgres delegates ranking to the match_document_chunks function; sqlite
// ranks in process. Every path filters on ownerID.
func (s *Service) SearchChunks(ctx context.Context, ownerID int64, queryEmbedding []float32, matchCount int, documentID int64) ([]models.ChunkMatch, error) {
	if matchCount <= 0 {
		matchCount = 5
	}
	if s.driver == "postgres" {
		return s.searchChunksPostgres(ctx, ownerID, queryEmbedding, matchCount, documentID)
	}
	return s.searchChunksLocal(ctx, ownerID, queryEmbedding, matchCount, documentID)
}

func (s *Service) searchChunksPostgres(ctx context.Context, ownerID int64, queryEmbedding []float32, matchCount int, documentID int64) ([]models.ChunkMatch, error) {
	var docArg any
	if documentID > 0 {
		docArg = documentID
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, metadata, score FROM match_document_chunks($1, $2, $3, $4)`,
		pgvector.NewVector(queryEmbedding), matchCount, ownerID, docArg,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: similarity search: %v", models.ErrStorage, err)
	}
	defer rows.Close()

	var out []models.ChunkMatch
	for rows.Next() {
		var m models.ChunkMatch
		var meta []byte
		if err := rows.Scan(&m.Content, &meta, &m.Score); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode hit metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// sqlite has no vector type, so the dev store ranks by cosine in process.
func (s *Service) searchChunksLocal(ctx context.Context, ownerID int64, queryEmbedding []float32, matchCount int, documentID int64) ([]models.ChunkMatch, error) {
	query := `SELECT content, embedding, metadata FROM document_chunks WHERE owner_id = ?`
	args := []any{ownerID}
	if documentID > 0 {
		query += ` AND document_id = ?`
		args = append(args, documentID)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: similarity search: %v", models.ErrStorage, err)
	}
	defer rows.Close()

	var out []models.ChunkMatch
	for rows.Next() {
		var content, embeddingJSON, metaJSON string
		if err := rows.Scan(&content, &embeddingJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			return nil, fmt.Errorf("decode chunk embedding: %w", err)
		}
		score, err := embedding.Cosine(queryEmbedding, vec)
		if err != nil {
			continue // dimension mismatch from an older model, skip
		}
		var meta models.ChunkMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
		out = append(out, models.ChunkMatch{Content: content, Metadata: meta, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > matchCount {
		out = out[:matchCount]
	}
	return out, nil
}

// ListDocuments returns the owner's documents, newest first.
func (s *Service) ListDocuments(ctx context.Context, ownerID int64) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, owner_id, title, file_name, content_type, created_at FROM documents WHERE owner_id = ? ORDER BY created_at DESC`),
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %v", models.ErrStorage, err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.FileName, &d.ContentType, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
