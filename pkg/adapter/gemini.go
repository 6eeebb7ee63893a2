package adapter

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// GeminiClient generates embeddings with the Gemini embedding models, either
// on Vertex AI (project + location) or on the Gemini API (API key).
type GeminiClient struct {
	models         *genai.Models
	embeddingModel string
	dimension      int32
	taskType       string
}

type GeminiOption func(*GeminiClient)

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

// WithOutputDimension asks the model for vectors truncated to dim
func WithOutputDimension(dim int) GeminiOption {
	return func(g *GeminiClient) {
		g.dimension = int32(dim)
	}
}

func WithTaskType(taskType string) GeminiOption {
	return func(g *GeminiClient) {
		g.taskType = taskType
	}
}

// NewGemini creates a Vertex AI backed client
func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client",
			goerr.V("project", projectID), goerr.V("location", location))
	}
	return newGemini(client, opts...), nil
}

// NewGeminiWithAPIKey creates a Gemini API backed client
func NewGeminiWithAPIKey(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}
	return newGemini(client, opts...), nil
}

func newGemini(client *genai.Client, opts ...GeminiOption) *GeminiClient {
	g := &GeminiClient{
		models:         client.Models,
		embeddingModel: "gemini-embedding-001",
		taskType:       "SEMANTIC_SIMILARITY",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GeminiClient) Model() string { return g.embeddingModel }

func (g *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	}

	cfg := &genai.EmbedContentConfig{TaskType: g.taskType}
	if g.dimension > 0 {
		dim := g.dimension
		cfg.OutputDimensionality = &dim
	}

	resp, err := g.models.EmbedContent(ctx, g.embeddingModel, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, goerr.Wrap(classifyStatus(apiErr.Code, err), "gemini embedding request failed",
				goerr.V("model", g.embeddingModel), goerr.V("code", apiErr.Code), goerr.V("status", apiErr.Status))
		}
		return nil, goerr.Wrap(classifyTransport(err), "gemini embedding request failed",
			goerr.V("model", g.embeddingModel))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e != nil {
			vectors[i] = e.Values
		}
	}
	return vectors, nil
}
