package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/oauth2/google"
)

// ChatClient wraps the Vertex AI Gemini model. Every reasoning component
// (Planner, Extractor/Decider, Final Answer Builder) talks to it through
// this one type, requesting a JSON-object response so the caller can decode
// strictly without guessing at free-form text.
type ChatClient struct {
	client     *genai.Client // nil when using the global REST endpoint
	httpClient *http.Client  // used for the global endpoint
	project    string
	location   string
	model      string
	useREST    bool
}

// NewChatClient creates a ChatClient. Location "global" has no Go SDK support
// in vertexai/genai, so it is served over the REST API directly.
func NewChatClient(ctx context.Context, project, location, model string) (*ChatClient, error) {
	if location == "global" {
		httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, fmt.Errorf("llm.NewChatClient: default credentials: %w", err)
		}
		return &ChatClient{httpClient: httpClient, project: project, location: location, model: model, useREST: true}, nil
	}

	client, err := genai.NewClient(ctx, project, location)
	if err != nil {
		return nil, fmt.Errorf("llm.NewChatClient: %w", err)
	}
	return &ChatClient{client: client, project: project, location: location, model: model}, nil
}

// GenerateJSON sends a system + user prompt pair and returns the raw text of
// a JSON-object response. Retries on 429/RESOURCE_EXHAUSTED per retry.go.
func (c *ChatClient) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return withRetry(ctx, "GenerateJSON", func() (string, error) {
		if c.useREST {
			return c.generateREST(ctx, systemPrompt, userPrompt)
		}
		return c.generateSDK(ctx, systemPrompt, userPrompt)
	})
}

func (c *ChatClient) generateSDK(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	model.GenerationConfig.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("llm.GenerateJSON: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("llm.GenerateJSON: empty response from model")
	}

	var parts []string
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			parts = append(parts, string(t))
		}
	}
	return strings.Join(parts, ""), nil
}

type restContent struct {
	Role  string     `json:"role"`
	Parts []restPart `json:"parts"`
}

type restPart struct {
	Text string `json:"text"`
}

type restGenerateRequest struct {
	Contents          []restContent         `json:"contents"`
	SystemInstruction *restContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *restGenerationConfig `json:"generationConfig,omitempty"`
}

type restGenerationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type restGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *ChatClient) generateREST(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	url := fmt.Sprintf(
		"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:generateContent",
		c.project, c.model,
	)

	reqBody := restGenerateRequest{
		Contents:         []restContent{{Role: "user", Parts: []restPart{{Text: userPrompt}}}},
		GenerationConfig: &restGenerationConfig{ResponseMIMEType: "application/json"},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &restContent{Role: "user", Parts: []restPart{{Text: systemPrompt}}}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("llm.GenerateJSON: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("llm.GenerateJSON: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm.GenerateJSON: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm.GenerateJSON: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if isRetryableStatus(resp.StatusCode) {
			return "", fmt.Errorf("llm.GenerateJSON: status %d (429/503): %s", resp.StatusCode, respBody)
		}
		return "", fmt.Errorf("llm.GenerateJSON: status %d: %s", resp.StatusCode, respBody)
	}

	var genResp restGenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("llm.GenerateJSON: decode: %w", err)
	}
	if genResp.Error != nil {
		return "", fmt.Errorf("llm.GenerateJSON: API error %d: %s", genResp.Error.Code, genResp.Error.Message)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("llm.GenerateJSON: empty response from model")
	}

	var parts []string
	for _, p := range genResp.Candidates[0].Content.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("llm.GenerateJSON: no text in response")
	}
	return strings.Join(parts, ""), nil
}

// HealthCheck validates the model connection with a minimal call.
func (c *ChatClient) HealthCheck(ctx context.Context) error {
	resp, err := c.GenerateJSON(ctx, "", `Reply with exactly: {"ok": true}`)
	if err != nil {
		return fmt.Errorf("llm.HealthCheck: model %s at %s: %w", c.model, c.location, err)
	}
	if resp == "" {
		return fmt.Errorf("llm.HealthCheck: empty response from model %s", c.model)
	}
	slog.Info("[LLM] health check passed", "model", c.model, "location", c.location)
	return nil
}

// Close releases the underlying SDK client, if any.
func (c *ChatClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// StripJSONFence removes a leading/trailing ``` or ```json code fence that
// some model responses wrap JSON output in.
func StripJSONFence(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) >= 3 {
			cleaned = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	return strings.TrimSpace(cleaned)
}
