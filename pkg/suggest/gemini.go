package suggest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	DefaultGeminiModel = "gemini-1.5-flash"

	captionPrompt = "Describe the shoe in this product photo in one short English sentence, " +
		"mentioning type, color, material and any visible brand or size label."
)

// GeminiCaptioner captions images with a Gemini vision model.
type GeminiCaptioner struct {
	client *genai.Client
	model  string
}

// NewGeminiCaptioner opens a Gemini client. Close it when done.
func NewGeminiCaptioner(ctx context.Context, apiKey, model string) (*GeminiCaptioner, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key required")
	}
	return newGeminiCaptioner(ctx, model, option.WithAPIKey(apiKey))
}

func newGeminiCaptioner(ctx context.Context, model string, opts ...option.ClientOption) (*GeminiCaptioner, error) {
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiCaptioner{client: client, model: model}, nil
}

// Caption sends the image with a fixed prompt and returns the first text part.
func (g *GeminiCaptioner) Caption(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &ProviderError{Provider: "gemini", Err: err}
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "jpg" {
		format = "jpeg"
	}
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0.2)
	resp, err := model.GenerateContent(ctx, genai.ImageData(format, data), genai.Text(captionPrompt))
	if err != nil {
		return "", &ProviderError{Provider: "gemini", Err: err}
	}
	if len(resp.Candidates) == 0 {
		return "", &ProviderError{Provider: "gemini", Err: errors.New("no candidates returned")}
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", &ProviderError{Provider: "gemini", Err: errors.New("empty content returned")}
	}
	if txt, ok := candidate.Content.Parts[0].(genai.Text); ok {
		return strings.TrimSpace(string(txt)), nil
	}
	return "", &ProviderError{Provider: "gemini", Err: errors.New("unexpected response format")}
}

// Close releases the underlying client.
func (g *GeminiCaptioner) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}
