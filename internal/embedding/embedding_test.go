package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpilot/internal/config"
	"classpilot/internal/models"
)

func TestZeroEmbedderIsDeterministic(t *testing.T) {
	z := NewZero(384)
	assert.True(t, z.Degraded())
	assert.Equal(t, 384, z.Dimension())

	for _, input := range []string{"", "hello", "안녕하세요", "hello"} {
		vecs, err := z.Embed(context.Background(), []string{input})
		require.NoError(t, err)
		require.Len(t, vecs, 1)
		require.Len(t, vecs[0], 384)
		for _, v := range vecs[0] {
			assert.Zero(t, v)
		}
	}
}

func TestZeroEmbedderBatch(t *testing.T) {
	z := NewZero(8)
	vecs, err := z.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
}

func newEmbedServer(t *testing.T, dim int, batches *[][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if batches != nil {
			*batches = append(*batches, req.Input)
		}
		resp := map[string]any{}
		data := make([]map[string]any, len(req.Input))
		for i, text := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(len(text)) // distinguishable per input
			data[i] = map[string]any{"index": i, "embedding": vec}
		}
		resp["data"] = data
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestRemoteEmbedBatchesPreserveOrder(t *testing.T) {
	var batches [][]string
	srv := newEmbedServer(t, 4, &batches)
	defer srv.Close()

	remote, err := NewRemote(config.EmbeddingConfig{
		BaseURL: srv.URL, Model: "all-MiniLM-L6-v2", Dimension: 4, BatchSize: 2, TimeoutSeconds: 5,
	})
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := remote.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vecs[i][0], "input %d", i)
	}
	// batch size 2 over five inputs -> 3 requests
	assert.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "bb"}, batches[0])
	assert.Equal(t, []string{"eeeee"}, batches[2])
}

func TestRemoteEmbedAbortsWholeCallOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2}}},
		})
	}))
	defer srv.Close()

	remote, err := NewRemote(config.EmbeddingConfig{BaseURL: srv.URL, Dimension: 2, BatchSize: 1, TimeoutSeconds: 5})
	require.NoError(t, err)

	vecs, err := remote.Embed(context.Background(), []string{"first", "second"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrEmbedding))
	assert.Nil(t, vecs, "partial batch results must not be returned")
}

func TestRemoteEmbedRejectsWrongDimension(t *testing.T) {
	srv := newEmbedServer(t, 3, nil)
	defer srv.Close()

	remote, err := NewRemote(config.EmbeddingConfig{BaseURL: srv.URL, Dimension: 384, BatchSize: 8, TimeoutSeconds: 5})
	require.NoError(t, err)

	_, err = remote.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrEmbedding))
}

func TestCosine(t *testing.T) {
	got, err := Cosine([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	got, err = Cosine([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-9)

	// zero vectors rank as zero similarity rather than erroring
	got, err = Cosine([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = Cosine([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}
