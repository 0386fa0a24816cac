// Package ingest turns uploaded files into stored, embedded document chunks.
// Chunk writes fan out over the worker pool; individual write failures are
// counted and tolerated so one bad chunk does not sink the upload.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"classpilot/internal/chunker"
	"classpilot/internal/embedding"
	"classpilot/internal/models"
	"classpilot/internal/worker"
)

const defaultMaxChunks = 500

// DocumentStore is the persistence surface ingestion needs from the
// assistant service.
type DocumentStore interface {
	CreateDocument(ctx context.Context, ownerID int64, title, fileName, contentType string) (*models.Document, error)
	AddChunk(ctx context.Context, chunk models.DocumentChunk) error
}

// Page is one extracted page of an uploaded file. Number is 1-based; flat
// text files arrive as a single page with Number 0.
type Page struct {
	Number int
	Text   string
}

// File is one upload ready for ingestion.
type File struct {
	Name        string
	ContentType string
	Pages       []Page
}

// FlatFile wraps unpaginated text as a single-page File.
func FlatFile(name, contentType, text string) File {
	return File{Name: name, ContentType: contentType, Pages: []Page{{Text: text}}}
}

// Report summarizes one ingestion run. Failed counts chunk writes that were
// dropped; the rest of the file still lands.
type Report struct {
	Files  int `json:"files"`
	Chunks int `json:"chunks"`
	Failed int `json:"failed"`
}

// Service ingests files for one chunk/embedding configuration.
type Service struct {
	store     DocumentStore
	embedder  embedding.Embedder
	chunker   *chunker.Chunker
	pool      *worker.Pool
	maxChunks int
}

// NewService builds an ingestion service. maxChunks <= 0 falls back to 500.
func NewService(store DocumentStore, embedder embedding.Embedder, ck *chunker.Chunker, pool *worker.Pool, maxChunks int) *Service {
	if maxChunks <= 0 {
		maxChunks = defaultMaxChunks
	}
	return &Service{store: store, embedder: embedder, chunker: ck, pool: pool, maxChunks: maxChunks}
}

type pendingChunk struct {
	text string
	meta models.ChunkMetadata
}

// IngestFiles processes each file in turn: create the document row, chunk
// every page, embed the chunks and write them through the pool. A file whose
// document row cannot be created is skipped with a warning.
func (s *Service) IngestFiles(ctx context.Context, ownerID int64, files []File) (*Report, error) {
	report := &Report{}
	for _, file := range files {
		doc, err := s.store.CreateDocument(ctx, ownerID, file.Name, file.Name, file.ContentType)
		if err != nil {
			logrus.WithError(err).WithField("file", file.Name).Warn("skipping file, document row not created")
			continue
		}
		report.Files++

		stored, failed := s.ingestFile(ctx, ownerID, doc.ID, file)
		report.Chunks += stored
		report.Failed += failed
	}
	return report, nil
}

func (s *Service) ingestFile(ctx context.Context, ownerID, documentID int64, file File) (stored, failed int) {
	pending := s.collectChunks(file)
	if len(pending) == 0 {
		return 0, 0
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		// Chunks are still searchable by owner even with zero vectors, and
		// the text itself is not lost.
		logrus.WithError(err).WithField("file", file.Name).Warn("embedding failed, storing zero vectors")
		vectors = make([][]float32, len(texts))
		for i := range vectors {
			vectors[i] = make([]float32, s.embedder.Dimension())
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, p := range pending {
		chunk := models.DocumentChunk{
			DocumentID: documentID,
			OwnerID:    ownerID,
			ChunkIndex: i,
			Content:    p.text,
			Metadata:   p.meta,
			Embedding:  vectors[i],
		}
		wg.Add(1)
		accepted := s.pool.Submit(func() {
			defer wg.Done()
			if err := s.store.AddChunk(ctx, chunk); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"file":        file.Name,
					"chunk_index": chunk.ChunkIndex,
				}).Warn("chunk write failed")
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			stored++
			mu.Unlock()
		})
		if !accepted {
			// pool shut down; balance the Add or wg.Wait never returns
			wg.Done()
			logrus.WithFields(logrus.Fields{
				"file":        file.Name,
				"chunk_index": chunk.ChunkIndex,
			}).Warn("chunk write dropped, worker pool closed")
			mu.Lock()
			failed++
			mu.Unlock()
		}
	}
	wg.Wait()
	return stored, failed
}

// collectChunks splits every page and caps the total at maxChunks per file.
func (s *Service) collectChunks(file File) []pendingChunk {
	var pending []pendingChunk
	for _, page := range file.Pages {
		for _, text := range s.chunker.Split(page.Text) {
			if len(pending) >= s.maxChunks {
				logrus.WithFields(logrus.Fields{
					"file":  file.Name,
					"limit": s.maxChunks,
				}).Warn(fmt.Sprintf("file truncated at %d chunks", s.maxChunks))
				return pending
			}
			pending = append(pending, pendingChunk{
				text: text,
				meta: models.ChunkMetadata{File: file.Name, Page: page.Number},
			})
		}
	}
	return pending
}
