package suggest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	DefaultOllamaModel   = "llava"
	defaultChatTimeout   = 60 * time.Second
)

// OllamaCaptioner captions images with a local multimodal model through the
// Ollama /api/chat endpoint.
type OllamaCaptioner struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaCaptioner builds a captioner. An empty base URL means the local
// daemon; an empty model means DefaultOllamaModel.
func NewOllamaCaptioner(baseURL, model string, timeout time.Duration) *OllamaCaptioner {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultOllamaModel
	}
	if timeout <= 0 {
		timeout = defaultChatTimeout
	}
	return &OllamaCaptioner{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Error   string            `json:"error"`
}

// Caption sends the image with the caption prompt.
func (c *OllamaCaptioner) Caption(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &ProviderError{Provider: "ollama", Err: err}
	}
	reqBody := ollamaChatRequest{
		Model: c.model,
		Messages: []ollamaChatMessage{{
			Role:    "user",
			Content: captionPrompt,
			Images:  []string{base64.StdEncoding.EncodeToString(data)},
		}},
	}
	var resp ollamaChatResponse
	status, err := postJSON(ctx, c.httpClient, c.baseURL+"/api/chat", "", reqBody, &resp)
	if err != nil {
		if resp.Error != "" {
			err = errors.New(resp.Error)
		}
		return "", &ProviderError{Provider: "ollama", Status: status, Err: err}
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", &ProviderError{Provider: "ollama", Err: errors.New("empty response")}
	}
	return text, nil
}

// OpenAICaptioner captions images through any OpenAI-compatible
// /chat/completions endpoint that accepts image_url content parts.
type OpenAICaptioner struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICaptioner builds a captioner. baseURL includes the version
// prefix, e.g. "https://api.openai.com/v1". apiKey may be empty for local
// servers.
func NewOpenAICaptioner(baseURL, apiKey, model string, timeout time.Duration) (*OpenAICaptioner, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("openai-compatible base url required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai-compatible model required")
	}
	if timeout <= 0 {
		timeout = defaultChatTimeout
	}
	return &OpenAICaptioner{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiMessage struct {
	Role    string           `json:"role"`
	Content []oaiContentPart `json:"content"`
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Caption sends the image as a data URL with the caption prompt.
func (c *OpenAICaptioner) Caption(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &ProviderError{Provider: "openai", Err: err}
	}
	dataURL := "data:" + imageMIME(path) + ";base64," + base64.StdEncoding.EncodeToString(data)
	reqBody := oaiChatRequest{
		Model: c.model,
		Messages: []oaiMessage{{
			Role: "user",
			Content: []oaiContentPart{
				{Type: "text", Text: captionPrompt},
				{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURL}},
			},
		}},
		Temperature: 0.2,
	}
	var resp oaiChatResponse
	status, err := postJSON(ctx, c.httpClient, c.baseURL+"/chat/completions", c.apiKey, reqBody, &resp)
	if err != nil {
		if resp.Error != nil && resp.Error.Message != "" {
			err = errors.New(resp.Error.Message)
		}
		return "", &ProviderError{Provider: "openai", Status: status, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Err: errors.New("no choices returned")}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Provider: "openai", Err: errors.New("empty response")}
	}
	return text, nil
}

// postJSON posts body and decodes the response into out. On HTTP errors
// out is still decoded when possible so callers can surface the message.
func postJSON(ctx context.Context, client *http.Client, url, bearer string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if decodeErr != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", decodeErr)
	}
	return resp.StatusCode, nil
}

func imageMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
