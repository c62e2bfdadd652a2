package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIClient implements FileGenerator, Completer and ImageGenerator
// against the OpenAI API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	chatModel  string
	imageModel string
	client     *http.Client
}

// NewOpenAIClient creates an OpenAI-backed generator. Models default to
// "gpt-4o" for text and "gpt-image-1" for images.
func NewOpenAIClient(apiKey, baseURL, chatModel, imageModel string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if chatModel == "" {
		chatModel = "gpt-4o"
	}
	if imageModel == "" {
		imageModel = "gpt-image-1"
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		chatModel:  chatModel,
		imageModel: imageModel,
		client:     &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *OpenAIClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (c *OpenAIClient) chat(ctx context.Context, body map[string]any) (string, error) {
	respBody, err := c.post(ctx, "/v1/chat/completions", body)
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}

// Complete sends one system+user exchange and returns the reply text.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	return c.chat(ctx, map[string]any{
		"model": c.chatModel,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	})
}

// GenerateFiles runs a file-generation call in JSON mode and decodes the
// structured result.
func (c *OpenAIClient) GenerateFiles(ctx context.Context, req Request) (*FileSet, error) {
	system, user := BuildFilesPrompt(req)
	raw, err := c.chat(ctx, map[string]any{
		"model":           c.chatModel,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	})
	if err != nil {
		return nil, err
	}
	return ParseFileSet(raw)
}

// GenerateImage renders one image and returns it as a data URL (or a
// hosted URL when the API responds with one).
func (c *OpenAIClient) GenerateImage(ctx context.Context, prompt string) (*Image, error) {
	respBody, err := c.post(ctx, "/v1/images/generations", map[string]any{
		"model":  c.imageModel,
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no image in response")
	}
	d := result.Data[0]
	if d.B64JSON != "" {
		return &Image{DataURL: "data:image/png;base64," + d.B64JSON}, nil
	}
	if d.URL != "" {
		return &Image{URL: d.URL}, nil
	}
	return nil, fmt.Errorf("image response had neither url nor b64 payload")
}
