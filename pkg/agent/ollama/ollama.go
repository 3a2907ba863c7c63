// Package ollama adapts a locally hosted Ollama server to the agent
// boundary. Structured output is enforced via the request-level format
// schema; a weighted semaphore bounds concurrent requests since local
// servers degrade badly when overloaded.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/backend/pkg/agent"
)

type Client struct {
	batchModel     string
	embeddingModel string
	reqLock        *semaphore.Weighted
	api            *api.Client
}

type Params struct {
	BatchModel            string
	EmbeddingModel        string
	BaseURL               string
	MaxConcurrentRequests int64
}

func New(params Params) (*Client, error) {
	var u *url.URL
	if params.BaseURL != "" {
		parsed, err := url.Parse(params.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse ollama url: %w", err)
		}
		u = parsed
	}
	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 2
	}

	return &Client{
		batchModel:     params.BatchModel,
		embeddingModel: params.EmbeddingModel,
		reqLock:        semaphore.NewWeighted(params.MaxConcurrentRequests),
		api:            api.NewClient(u, http.DefaultClient),
	}, nil
}

// ProposeBatch requests a schema-constrained operation batch.
func (c *Client) ProposeBatch(ctx context.Context, instruction, canvasContext string) (*agent.Proposal, error) {
	formatBytes, err := json.Marshal(agent.Schema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	stream := false
	req := &api.ChatRequest{
		Model: c.batchModel,
		Messages: []api.Message{
			{Role: "system", Content: agent.SystemPrompt()},
			{Role: "user", Content: agent.BuildPrompt(instruction, canvasContext)},
		},
		Stream:  &stream,
		Format:  json.RawMessage(formatBytes),
		Options: map[string]any{"temperature": 0.1},
	}

	var content string
	if err := c.api.Chat(ctx, req, func(cr api.ChatResponse) error {
		content += cr.Message.Content
		return nil
	}); err != nil {
		return nil, fmt.Errorf("batch completion: %w", err)
	}
	if content == "" {
		return nil, fmt.Errorf("empty model response")
	}

	return agent.DecodeProposal(content)
}

// GenerateEmbedding embeds one input with the configured model.
func (c *Client) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	res, err := c.api.Embed(ctx, &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: string(input),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(res.Embeddings) != 1 {
		return nil, fmt.Errorf("unexpected embedding count %d", len(res.Embeddings))
	}
	return res.Embeddings[0], nil
}
