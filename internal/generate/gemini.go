package generate

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient implements FileGenerator and Completer against the Gemini
// API. Image generation stays on the OpenAI backend.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed generator. Model defaults to
// "gemini-2.5-flash".
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (c *GeminiClient) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	contents := []*genai.Content{
		{Parts: []*genai.Part{{Text: prompt}}},
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty gemini response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// Complete sends one system+user exchange and returns the reply text.
func (c *GeminiClient) Complete(ctx context.Context, system, user string) (string, error) {
	return c.generate(ctx, system+"\n\n"+user, nil)
}

// GenerateFiles runs a file-generation call with a JSON response type
// and decodes the structured result.
func (c *GeminiClient) GenerateFiles(ctx context.Context, req Request) (*FileSet, error) {
	system, user := BuildFilesPrompt(req)
	raw, err := c.generate(ctx, system+"\n\n"+user, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	return ParseFileSet(raw)
}
