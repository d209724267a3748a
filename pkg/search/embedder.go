package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pml-dev/gateway/pkg/models"
)

// DefaultEmbedTimeout bounds one embedding request.
const DefaultEmbedTimeout = 15 * time.Second

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint
// (POST {model, input} → {data:[{embedding}]}).
type HTTPEmbedder struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// EmbedderOption configures an HTTPEmbedder.
type EmbedderOption func(*HTTPEmbedder)

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) EmbedderOption {
	return func(e *HTTPEmbedder) { e.apiKey = key }
}

// WithEmbedderHTTPClient overrides the HTTP client (tests).
func WithEmbedderHTTPClient(c *http.Client) EmbedderOption {
	return func(e *HTTPEmbedder) { e.client = c }
}

// NewHTTPEmbedder creates an embedder against the given endpoint and model.
func NewHTTPEmbedder(endpoint, model string, opts ...EmbedderOption) *HTTPEmbedder {
	e := &HTTPEmbedder{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: DefaultEmbedTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for one text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "encode embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, models.WrapError(models.KindUnavailableService, err, "embedding service")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, models.NewError(models.KindUnavailableService,
			"embedding service returned %d: %s", resp.StatusCode, string(snippet))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, models.WrapError(models.KindUnavailableService, err, "decode embedding response")
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, models.NewError(models.KindUnavailableService, "embedding response is empty")
	}
	return decoded.Data[0].Embedding, nil
}
