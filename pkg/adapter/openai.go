package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
)

const DefaultOpenAIEndpoint = "https://api.openai.com/v1/embeddings"

// OpenAIClient calls any OpenAI compatible embeddings endpoint
type OpenAIClient struct {
	endpoint  string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
}

type OpenAIOption func(*OpenAIClient)

// WithOpenAIEndpoint sets the full URL of the embeddings endpoint
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.endpoint = endpoint
	}
}

func WithOpenAIModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.model = model
	}
}

// WithOpenAIDimensions sends the "dimensions" parameter, supported by the
// text-embedding-3 family
func WithOpenAIDimensions(dim int) OpenAIOption {
	return func(c *OpenAIClient) {
		c.dimension = dim
	}
}

func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		c.client = client
	}
}

func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		endpoint: DefaultOpenAIEndpoint,
		apiKey:   apiKey,
		model:    "text-embedding-3-small",
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *OpenAIClient) Model() string { return c.model }

// CloseIdleConnections releases pooled connections
func (c *OpenAIClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openAIRequest{Input: texts, Model: c.model, Dimensions: c.dimension})
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrEmbeddingFailed, err), "failed to marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrEmbeddingFailed, err), "failed to build embedding request",
			goerr.V("endpoint", c.endpoint))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(classifyTransport(err), "embedding request failed",
			goerr.V("endpoint", c.endpoint))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		cause := goerr.New("embedding endpoint returned error status",
			goerr.V("status", resp.StatusCode), goerr.V("body", string(msg)))
		return nil, goerr.Wrap(classifyStatus(resp.StatusCode, cause), "embedding request failed",
			goerr.V("endpoint", c.endpoint), goerr.V("model", c.model))
	}

	var result openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrEmbeddingFailed, err), "failed to decode embedding response",
			goerr.V("endpoint", c.endpoint))
	}

	vectors := make([][]float32, len(result.Data))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, goerr.Wrap(model.ErrEmbeddingFailed, "embedding response index out of range",
				goerr.V("index", d.Index), goerr.V("count", len(vectors)))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
