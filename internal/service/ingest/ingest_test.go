package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpilot/internal/chunker"
	"classpilot/internal/models"
	"classpilot/internal/worker"
)

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	createErr error
	failIndex map[int]bool
	chunks    []models.DocumentChunk
}

func (f *fakeStore) CreateDocument(ctx context.Context, ownerID int64, title, fileName, contentType string) (*models.Document, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &models.Document{ID: f.nextID, OwnerID: ownerID, Title: title, FileName: fileName, ContentType: contentType}, nil
}

func (f *fakeStore) AddChunk(ctx context.Context, chunk models.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIndex[chunk.ChunkIndex] {
		return models.ErrStorage
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }
func (s *stubEmbedder) Degraded() bool { return false }

func newTestService(t *testing.T, store *fakeStore, emb *stubEmbedder, maxChunks int) *Service {
	t.Helper()
	ck, err := chunker.New(100, 20)
	require.NoError(t, err)
	pool := worker.NewPool(1, 4, time.Second)
	t.Cleanup(pool.Shutdown)
	return NewService(store, emb, ck, pool, maxChunks)
}

func TestIngestStoresChunksWithMetadata(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(t, store, &stubEmbedder{}, 0)

	files := []File{
		{
			Name:        "biology.pdf",
			ContentType: "application/pdf",
			Pages: []Page{
				{Number: 1, Text: strings.Repeat("a", 150)},
				{Number: 2, Text: strings.Repeat("b", 50)},
			},
		},
		FlatFile("notes.txt", "text/plain", strings.Repeat("c", 120)),
	}

	report, err := svc.IngestFiles(context.Background(), 7, files)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Files)
	// page 1 yields 2 windows (150 chars, size 100, overlap 20), page 2 one,
	// notes.txt two.
	assert.Equal(t, 5, report.Chunks)
	assert.Zero(t, report.Failed)
	require.Len(t, store.chunks, 5)

	for _, c := range store.chunks {
		assert.Equal(t, int64(7), c.OwnerID)
		assert.Len(t, c.Embedding, 3)
		if c.Metadata.File == "biology.pdf" {
			assert.Contains(t, []int{1, 2}, c.Metadata.Page)
		} else {
			assert.Zero(t, c.Metadata.Page)
		}
	}
}

func TestIngestToleratesChunkWriteFailures(t *testing.T) {
	store := &fakeStore{failIndex: map[int]bool{2: true, 5: true}}
	svc := newTestService(t, store, &stubEmbedder{}, 0)

	// 820 chars with size 100 / overlap 20 gives 10 windows.
	file := FlatFile("big.txt", "text/plain", strings.Repeat("x", 820))
	report, err := svc.IngestFiles(context.Background(), 7, []File{file})
	require.NoError(t, err, "chunk failures are reported, never raised")

	assert.Equal(t, 1, report.Files)
	assert.Equal(t, 8, report.Chunks)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, store.chunks, 8)
}

func TestIngestCapsChunksPerFile(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(t, store, &stubEmbedder{}, 3)

	file := FlatFile("huge.txt", "text/plain", strings.Repeat("y", 2000))
	report, err := svc.IngestFiles(context.Background(), 7, []File{file})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Chunks)
	assert.Len(t, store.chunks, 3)
}

func TestIngestFallsBackToZeroVectors(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(t, store, &stubEmbedder{err: models.ErrEmbedding}, 0)

	report, err := svc.IngestFiles(context.Background(), 7, []File{
		FlatFile("plain.txt", "text/plain", strings.Repeat("z", 80)),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Chunks)
	require.Len(t, store.chunks, 1)
	assert.Equal(t, []float32{0, 0, 0}, store.chunks[0].Embedding)
}

func TestIngestCompletesWhenPoolIsShutDown(t *testing.T) {
	store := &fakeStore{}
	ck, err := chunker.New(100, 20)
	require.NoError(t, err)
	pool := worker.NewPool(1, 4, time.Second)
	pool.Shutdown()
	svc := NewService(store, &stubEmbedder{}, ck, pool, 0)

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, ierr := svc.IngestFiles(context.Background(), 7, []File{
			FlatFile("late.txt", "text/plain", strings.Repeat("w", 150)),
		})
		done <- result{report, ierr}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		// refused submissions count as failures instead of wedging the upload
		assert.Equal(t, 1, res.report.Files)
		assert.Zero(t, res.report.Chunks)
		assert.Equal(t, 2, res.report.Failed)
		assert.Empty(t, store.chunks)
	case <-time.After(3 * time.Second):
		t.Fatal("IngestFiles never returned after pool shutdown")
	}
}

func TestIngestSkipsFileWhenDocumentCreateFails(t *testing.T) {
	store := &fakeStore{createErr: errors.New("db down")}
	svc := newTestService(t, store, &stubEmbedder{}, 0)

	report, err := svc.IngestFiles(context.Background(), 7, []File{
		FlatFile("a.txt", "text/plain", "hello"),
	})
	require.NoError(t, err)
	assert.Zero(t, report.Files)
	assert.Zero(t, report.Chunks)
	assert.Empty(t, store.chunks)
}
