// Package embeddings turns message text into dense vectors for semantic
// search, using the Titan text embedding model on Amazon Bedrock.
package embeddings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// ModelTitanEmbedV2 identifies Amazon Titan Text Embeddings v2. Every
// stored vector comes from this model; changing it invalidates the index.
const ModelTitanEmbedV2 = "amazon.titan-embed-text-v2:0"

// BedrockInvoker is the slice of the Bedrock runtime API the client needs.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient generates embeddings through Bedrock model invocation.
type BedrockClient struct {
	invoker BedrockInvoker
}

// NewBedrockClient creates a client backed by the given Bedrock runtime.
func NewBedrockClient(invoker BedrockInvoker) *BedrockClient {
	return &BedrockClient{invoker: invoker}
}

type embedRequest struct {
	InputText string `json:"inputText"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// GenerateEmbedding returns the embedding vector for one piece of text.
func (c *BedrockClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	out, err := c.invoker.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId: aws.String(ModelTitanEmbedV2),
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", ModelTitanEmbedV2, err)
	}

	var resp embedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	return resp.Embedding, nil
}
