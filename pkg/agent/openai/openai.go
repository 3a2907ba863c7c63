// Package openai adapts OpenAI-compatible chat and embedding endpoints
// to the agent boundary.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/backend/pkg/agent"
)

// Client proposes batches via chat completions with a strict JSON
// schema response format. A shared rate limiter keeps bursts of agent
// jobs under the account limit.
type Client struct {
	batchModel     string
	embeddingModel string
	limiter        *rate.Limiter
	api            *openai.Client
}

type Params struct {
	BatchModel     string
	EmbeddingModel string
	BaseURL        string
	APIKey         string
	// RequestsPerMinute caps chat and embedding calls combined.
	// Zero means no limit.
	RequestsPerMinute int
}

func New(params Params) *Client {
	options := []option.RequestOption{option.WithAPIKey(params.APIKey)}
	if params.BaseURL != "" {
		options = append(options, option.WithBaseURL(params.BaseURL))
	}
	api := openai.NewClient(options...)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if params.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(params.RequestsPerMinute)/60.0), params.RequestsPerMinute)
	}

	return &Client{
		batchModel:     params.BatchModel,
		embeddingModel: params.EmbeddingModel,
		limiter:        limiter,
		api:            &api,
	}
}

// ProposeBatch requests a structured operation batch for the
// instruction against the given canvas context.
func (c *Client) ProposeBatch(ctx context.Context, instruction, canvasContext string) (*agent.Proposal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.batchModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(agent.SystemPrompt()),
			openai.UserMessage(agent.BuildPrompt(instruction, canvasContext)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "canvas_batch",
					Description: openai.String("A batch of canvas operations"),
					Schema:      agent.Schema(),
					Strict:      openai.Bool(true),
				},
			},
		},
		Temperature: openai.Float(0.1),
	}

	response, err := c.api.Chat.Completions.New(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("batch completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no choices in model response")
	}
	content := response.Choices[0].Message.Content
	if content == "" {
		return nil, fmt.Errorf("empty model response (finish_reason: %s)", response.Choices[0].FinishReason)
	}

	return agent.DecodeProposal(content)
}

// GenerateEmbedding embeds one input with the configured model.
func (c *Client) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{string(input)}},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(response.Data) != 1 {
		return nil, fmt.Errorf("unexpected embedding count %d", len(response.Data))
	}

	out := make([]float32, len(response.Data[0].Embedding))
	for i, v := range response.Data[0].Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
