package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"classpilot/internal/config"
	"classpilot/internal/models"
)

// Remote is an OpenAI-compatible embeddings client. Requests are cut into
// batches internally so large uploads do not spike memory on either side;
// batch boundaries do not change per-input results.
type Remote struct {
	baseURL   string
	model     string
	apiKey    string
	dimension int
	batchSize int
	client    *http.Client
}

// NewRemote builds the client from config. The API key is read from the
// environment variable named in the config, never from the file itself.
func NewRemote(cfg config.EmbeddingConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding base_url must be configured")
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Remote{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		apiKey:    apiKey,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

func (r *Remote) Dimension() int { return r.dimension }

func (r *Remote) Degraded() bool { return false }

// Embed returns one vector per input text, in input order. A failure of any
// batch aborts the whole call; partial results are never returned.
func (r *Remote) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += r.batchSize {
		end := start + r.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := r.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Ping verifies the encoder is reachable by embedding one short input.
func (r *Remote) Ping(ctx context.Context) error {
	_, err := r.embedBatch(ctx, []string{"ping"})
	return err
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *Remote) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Input: batch, Model: r.model})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", models.ErrEmbedding, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrEmbedding, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbedding, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s: %s", models.ErrEmbedding, resp.Status, bytes.TrimSpace(body))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", models.ErrEmbedding, err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", models.ErrEmbedding, len(decoded.Data), len(batch))
	}

	vecs := make([][]float32, len(batch))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(batch) {
			return nil, fmt.Errorf("%w: vector index %d out of range", models.ErrEmbedding, item.Index)
		}
		if r.dimension > 0 && len(item.Embedding) != r.dimension {
			return nil, fmt.Errorf("%w: got dimension %d, want %d", models.ErrEmbedding, len(item.Embedding), r.dimension)
		}
		vecs[item.Index] = item.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("%w: missing vector for input %d", models.ErrEmbedding, i)
		}
	}
	return vecs, nil
}
