package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2/google"
)

// EmbeddingClient calls the Vertex AI text embedding REST API. Satisfies
// service.Embedder: one batched call in, one vector per input out.
type EmbeddingClient struct {
	project  string
	location string
	model    string
	client   *http.Client
}

// NewEmbeddingClient creates an EmbeddingClient using default credentials.
func NewEmbeddingClient(ctx context.Context, project, location, model string) (*EmbeddingClient, error) {
	client, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("llm.NewEmbeddingClient: %w", err)
	}
	return &EmbeddingClient{project: project, location: location, model: model, client: client}, nil
}

type embeddingRequest struct {
	Instances []embeddingInstance `json:"instances"`
}

type embeddingInstance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type"`
}

type embeddingResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// EmbedDocuments embeds page/chunk content for storage, using
// RETRIEVAL_DOCUMENT task type. Nothing in this module calls it: the
// Reasoning Engine never writes chunks, and retrieval embeds only query
// strings, through Embed.
func (c *EmbeddingClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embedWithTaskType(ctx, texts, "RETRIEVAL_DOCUMENT")
}

// Embed embeds query strings using RETRIEVAL_QUERY task type. Implements
// service.Embedder.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embedWithTaskType(ctx, texts, "RETRIEVAL_QUERY")
}

func (c *EmbeddingClient) embedWithTaskType(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return withRetry(ctx, "Embed", func() ([][]float32, error) {
		return c.doEmbed(ctx, texts, taskType)
	})
}

func (c *EmbeddingClient) doEmbed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	instances := make([]embeddingInstance, len(texts))
	for i, t := range texts {
		instances[i] = embeddingInstance{Content: t, TaskType: taskType}
	}

	reqBody, err := json.Marshal(embeddingRequest{Instances: instances})
	if err != nil {
		return nil, fmt.Errorf("llm.Embed: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildEndpointURL(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("llm.Embed: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm.Embed: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llm.Embed: status %d: %s", resp.StatusCode, body)
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("llm.Embed: decode: %w", err)
	}

	results := make([][]float32, len(embResp.Predictions))
	for i, p := range embResp.Predictions {
		results[i] = p.Embeddings.Values
	}
	return results, nil
}

func (c *EmbeddingClient) buildEndpointURL() string {
	if c.location == "global" {
		return fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:predict",
			c.project, c.model,
		)
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.location, c.project, c.location, c.model,
	)
}

// HealthCheck validates the embedding service connection.
func (c *EmbeddingClient) HealthCheck(ctx context.Context) error {
	if _, err := c.Embed(ctx, []string{"health check"}); err != nil {
		return fmt.Errorf("llm.HealthCheck: embedding: %w", err)
	}
	return nil
}
