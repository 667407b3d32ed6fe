package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL      = "https://openai.inference.de-txl.ionos.com/v1"
	defaultChatModelID  = "meta-llama/Llama-3.3-70B-Instruct"
	defaultImageModelID = "black-forest-labs/FLUX.1-schnell"

	defaultImageSize        = "1024x1024"
	chatTemperature         = 0.7
	chatMaxCompletionTokens = 300
)

// Client wraps the HTTP calls to the IONOS OpenAI-compatible inference API,
// covering both chat completions and image generations.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	chatModelID  string
	imageModelID string
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Expected variables:
//   - IONOS_API_KEY: required API key for the provider
//   - IONOS_BASE_URL: optional override for the API base URL (defaults to defaultBaseURL)
//   - IONOS_CHAT_MODEL_ID: optional override for the chat model (defaults to defaultChatModelID)
//   - IONOS_IMAGE_MODEL_ID: optional override for the image model (defaults to defaultImageModelID)
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("IONOS_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("generation: IONOS_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("IONOS_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("generation: invalid base URL %q", baseURL)
	}

	chatModelID := strings.TrimSpace(os.Getenv("IONOS_CHAT_MODEL_ID"))
	if chatModelID == "" {
		chatModelID = defaultChatModelID
	}
	imageModelID := strings.TrimSpace(os.Getenv("IONOS_IMAGE_MODEL_ID"))
	if imageModelID == "" {
		imageModelID = defaultImageModelID
	}

	httpClient := &http.Client{Timeout: 120 * time.Second}

	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		apiKey:       apiKey,
		chatModelID:  chatModelID,
		imageModelID: imageModelID,
	}, nil
}

// chatCompletionMessage matches the API payload structure for messages.
type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest represents the request body sent to the chat model.
type chatCompletionRequest struct {
	Model               string                  `json:"model"`
	Stream              bool                    `json:"stream"`
	Temperature         float64                 `json:"temperature"`
	MaxCompletionTokens int                     `json:"max_completion_tokens"`
	Messages            []chatCompletionMessage `json:"messages"`
}

// chatCompletionResponse captures the subset of fields we consume.
type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
}

// ChatStreamDelta carries one increment of a streamed chat completion.
type ChatStreamDelta struct {
	Content      string
	FullContent  string
	FinishReason string
	Done         bool
}

// chatStreamChunk mirrors the streaming delta payload from the provider.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// imageGenerationRequest represents the request body sent to the image model.
type imageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

// imageGenerationResponse captures the base64 payload we consume.
type imageGenerationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (c *Client) newRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("generation: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// ChatComplete sends the given prompt to the chat completions API and returns
// the assistant reply text.
func (c *Client) ChatComplete(ctx context.Context, prompt string) (string, error) {
	if c == nil {
		return "", errors.New("generation: client is nil")
	}
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", errors.New("generation: prompt cannot be empty")
	}

	payload := chatCompletionRequest{
		Model:               c.chatModelID,
		Stream:              false,
		Temperature:         chatTemperature,
		MaxCompletionTokens: chatMaxCompletionTokens,
		Messages: []chatCompletionMessage{
			{Role: "user", Content: trimmed},
		},
	}

	req, err := c.newRequest(ctx, "/chat/completions", payload)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("generation: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("generation: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("generation: response contains no choices")
	}

	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

// ChatStream sends the prompt with streaming enabled and invokes handler for
// each delta. Returns the full assembled reply.
func (c *Client) ChatStream(ctx context.Context, prompt string, handler func(ChatStreamDelta) error) (string, error) {
	if c == nil {
		return "", errors.New("generation: client is nil")
	}
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", errors.New("generation: prompt cannot be empty")
	}

	payload := chatCompletionRequest{
		Model:               c.chatModelID,
		Stream:              true,
		Temperature:         chatTemperature,
		MaxCompletionTokens: chatMaxCompletionTokens,
		Messages: []chatCompletionMessage{
			{Role: "user", Content: trimmed},
		},
	}

	req, err := c.newRequest(ctx, "/chat/completions", payload)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("generation: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	flushDelta := func(delta ChatStreamDelta) error {
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	// Some providers answer a streaming request with a plain JSON body.
	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		var decoded chatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return "", fmt.Errorf("generation: decode response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return "", errors.New("generation: response contains no choices")
		}
		full := strings.TrimSpace(decoded.Choices[0].Message.Content)
		if full != "" {
			if err := flushDelta(ChatStreamDelta{Content: full, FullContent: full}); err != nil {
				return "", err
			}
		}
		if err := flushDelta(ChatStreamDelta{FullContent: full, Done: true}); err != nil {
			return "", err
		}
		return full, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var builder strings.Builder

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			if err := flushDelta(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
				return "", err
			}
			return builder.String(), nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			deltaText := choice.Delta.Content
			if deltaText != "" {
				builder.WriteString(deltaText)
				if err := flushDelta(ChatStreamDelta{
					Content:      deltaText,
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return "", err
				}
			}
			if deltaText == "" && choice.FinishReason != "" {
				if err := flushDelta(ChatStreamDelta{
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return "", err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("generation: read stream: %w", err)
	}

	if err := flushDelta(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
		return "", err
	}

	return builder.String(), nil
}

// GenerateImage sends the prompt to the image generations API and returns the
// base64-encoded image payload.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if c == nil {
		return "", errors.New("generation: client is nil")
	}
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", errors.New("generation: prompt cannot be empty")
	}

	payload := imageGenerationRequest{
		Model:          c.imageModelID,
		Prompt:         trimmed,
		N:              1,
		Size:           defaultImageSize,
		ResponseFormat: "b64_json",
	}

	req, err := c.newRequest(ctx, "/images/generations", payload)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("generation: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded imageGenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("generation: decode response: %w", err)
	}
	if len(decoded.Data) == 0 || decoded.Data[0].B64JSON == "" {
		return "", errors.New("generation: response contains no image data")
	}

	return decoded.Data[0].B64JSON, nil
}
