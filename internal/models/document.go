package models

import "time"

// Document is the metadata row for one uploaded file. Created once per upload,
// never mutated afterwards.
type Document struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Title       string    `json:"title"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkMetadata travels with each chunk so retrieval results can cite their
// origin. Page is zero for non-paged sources.
type ChunkMetadata struct {
	File string `json:"file"`
	Page int    `json:"page,omitempty"`
}

// DocumentChunk is one embedded slice of a document. ChunkIndex values are
// contiguous from 0 in creation order for a given document.
type DocumentChunk struct {
	ID         int64         `json:"id"`
	DocumentID int64         `json:"document_id"`
	OwnerID    int64         `json:"owner_id"`
	ChunkIndex int           `json:"chunk_index"`
	Content    string        `json:"content"`
	Embedding  []float32     `json:"-"`
	Metadata   ChunkMetadata `json:"metadata"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ChunkMatch is a similarity-search hit. Score ordering comes from the store;
// tie-breaks are store-defined.
type ChunkMatch struct {
	Content  string        `json:"content"`
	Metadata ChunkMetadata `json:"metadata"`
	Score    float64       `json:"score"`
}
