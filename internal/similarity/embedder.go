package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultEmbeddingEndpoint       = "http://127.0.0.1:8844/embed"
	DefaultEmbeddingModelName      = "BAAI/bge-base-zh-v1.5"
	DefaultEmbeddingMaxLength      = 512
	DefaultEmbeddingRequestTimeout = 15 * time.Second
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Model() string
}

type EmbedderOptions struct {
	Endpoint       string
	ModelName      string
	APIKey         string
	MaxLength      int
	RequestTimeout time.Duration
}

// NewEmbedder picks the OpenAI-compatible client for /v1/embeddings endpoints and the plain
// JSON sidecar client otherwise.
func NewEmbedder(options EmbedderOptions) Embedder {
	opts := normalizeEmbedderOptions(options)

	parsed, err := url.Parse(opts.Endpoint)
	if err == nil && strings.HasSuffix(parsed.Path, "/v1/embeddings") {
		cfg := openai.DefaultConfig(opts.APIKey)
		cfg.BaseURL = strings.TrimSuffix(opts.Endpoint, "/embeddings")
		cfg.HTTPClient = &http.Client{Timeout: opts.RequestTimeout}
		return &OpenAIEmbedder{
			client: openai.NewClientWithConfig(cfg),
			model:  opts.ModelName,
		}
	}

	return &HTTPEmbedder{
		endpoint:  opts.Endpoint,
		model:     opts.ModelName,
		maxLength: opts.MaxLength,
		client:    &http.Client{Timeout: opts.RequestTimeout},
	}
}

func normalizeEmbedderOptions(opts EmbedderOptions) EmbedderOptions {
	normalized := opts
	if strings.TrimSpace(normalized.Endpoint) == "" {
		normalized.Endpoint = DefaultEmbeddingEndpoint
	}
	normalized.Endpoint = normalizeEmbeddingEndpoint(normalized.Endpoint)
	if strings.TrimSpace(normalized.ModelName) == "" {
		normalized.ModelName = DefaultEmbeddingModelName
	}
	if normalized.MaxLength <= 0 {
		normalized.MaxLength = DefaultEmbeddingMaxLength
	}
	if normalized.RequestTimeout <= 0 {
		normalized.RequestTimeout = DefaultEmbeddingRequestTimeout
	}
	return normalized
}

func normalizeEmbeddingEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultEmbeddingEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}

// HTTPEmbedder calls the local embedding sidecar.
type HTTPEmbedder struct {
	endpoint  string
	model     string
	maxLength int
	client    *http.Client
}

type embedRequest struct {
	Texts     []string `json:"texts"`
	MaxLength int      `json:"max_length,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	ElapsedMS  *float64    `json:"elapsed_ms"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) Model() string {
	return e.model
}

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	body, err := json.Marshal(embedRequest{Texts: texts, MaxLength: e.maxLength})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(texts), len(vectors))
	}
	return vectors, nil
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func (e *OpenAIEmbedder) Model() string {
	return e.model
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool {
		return data[i].Index < data[j].Index
	})
	if len(data) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(texts), len(data))
	}

	vectors := make([][]float64, 0, len(data))
	for _, row := range data {
		vector := make([]float64, len(row.Embedding))
		for i, value := range row.Embedding {
			vector[i] = float64(value)
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}
