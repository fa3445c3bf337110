package suggest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"smartwarehouse/internal/util"
)

const (
	defaultHFBaseURL      = "https://api-inference.huggingface.co/models"
	DefaultHFCaptionModel = "Salesforce/blip-image-captioning-base"
	DefaultHFClipModel    = "openai/clip-vit-base-patch32"

	hfMaxRetries = 2
	hfRetryDelay = time.Second
)

var errModelLoading = errors.New("model is loading")

// HuggingFaceClient calls the hosted inference API for captioning and
// zero-shot classification.
type HuggingFaceClient struct {
	token        string
	baseURL      string
	captionModel string
	clipModel    string
	httpClient   *http.Client
	retryDelay   time.Duration
	sleep        func(context.Context, time.Duration) error
}

// HuggingFaceOption customizes the client.
type HuggingFaceOption func(*HuggingFaceClient)

// WithHFBaseURL points the client at another inference host.
func WithHFBaseURL(u string) HuggingFaceOption {
	return func(c *HuggingFaceClient) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.baseURL = u
		}
	}
}

// WithHFModels overrides the caption and zero-shot models. An empty clip
// model disables zero-shot classification.
func WithHFModels(caption, clip string) HuggingFaceOption {
	return func(c *HuggingFaceClient) {
		if caption = strings.TrimSpace(caption); caption != "" {
			c.captionModel = caption
		}
		c.clipModel = strings.TrimSpace(clip)
	}
}

// WithHFTimeout sets the per-request timeout.
func WithHFTimeout(d time.Duration) HuggingFaceOption {
	return func(c *HuggingFaceClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewHuggingFaceClient builds a client authenticated with token.
func NewHuggingFaceClient(token string, opts ...HuggingFaceOption) (*HuggingFaceClient, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("hugging face token required")
	}
	c := &HuggingFaceClient{
		token:        token,
		baseURL:      defaultHFBaseURL,
		captionModel: DefaultHFCaptionModel,
		clipModel:    DefaultHFClipModel,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		retryDelay:   hfRetryDelay,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HasClassifier reports whether a zero-shot model is configured.
func (c *HuggingFaceClient) HasClassifier() bool {
	return c != nil && c.clipModel != ""
}

// Caption runs the image-to-text model. While the model is loading (HTTP 503
// or an "is currently loading" error) it retries twice, sleeping delay*2 then
// delay*3. Transport errors retry after delay. Anything else fails at once.
func (c *HuggingFaceClient) Caption(ctx context.Context, path string) (string, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return "", &ProviderError{Provider: "huggingface", Err: err}
	}
	var lastErr error
	for attempt := 0; attempt <= hfMaxRetries; attempt++ {
		text, status, err := c.captionOnce(ctx, img)
		if err == nil {
			return text, nil
		}
		lastErr = &ProviderError{Provider: "huggingface", Status: status, Err: err}
		if attempt == hfMaxRetries {
			break
		}
		var wait time.Duration
		switch {
		case status == 0:
			wait = c.retryDelay
		case errors.Is(err, errModelLoading):
			wait = c.retryDelay * time.Duration(attempt+2)
			util.LoggerFromContext(ctx).Info("hf_model_loading", "model", c.captionModel, "attempt", attempt+1, "wait", wait.String())
		default:
			return "", lastErr
		}
		if err := c.sleep(ctx, wait); err != nil {
			return "", &ProviderError{Provider: "huggingface", Err: err}
		}
	}
	return "", lastErr
}

// captionOnce returns status 0 for transport failures.
func (c *HuggingFaceClient) captionOnce(ctx context.Context, img []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL(c.captionModel), bytes.NewReader(img))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}

	if resp.StatusCode == http.StatusOK {
		var out []struct {
			GeneratedText *string `json:"generated_text"`
		}
		if err := json.Unmarshal(body, &out); err == nil && len(out) > 0 && out[0].GeneratedText != nil {
			return strings.TrimSpace(*out[0].GeneratedText), resp.StatusCode, nil
		}
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	if resp.StatusCode == http.StatusServiceUnavailable || strings.Contains(apiErr.Error, "is currently loading") {
		return "", resp.StatusCode, errModelLoading
	}
	if apiErr.Error != "" {
		return "", resp.StatusCode, errors.New(apiErr.Error)
	}
	return "", resp.StatusCode, fmt.Errorf("unexpected response: %s", resp.Status)
}

// Classify runs zero-shot image classification and returns the top label.
func (c *HuggingFaceClient) Classify(ctx context.Context, path string, labels []string) (Label, error) {
	if !c.HasClassifier() {
		return Label{}, &ProviderError{Provider: "huggingface-zero-shot", Err: errors.New("no model configured")}
	}
	img, err := os.ReadFile(path)
	if err != nil {
		return Label{}, &ProviderError{Provider: "huggingface-zero-shot", Err: err}
	}
	payload := map[string]any{
		"inputs": map[string]any{
			"image": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			"text":  labels,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Label{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL(c.clipModel), bytes.NewReader(body))
	if err != nil {
		return Label{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Label{}, &ProviderError{Provider: "huggingface-zero-shot", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Label{}, &ProviderError{Provider: "huggingface-zero-shot", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	var out []Label
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Label{}, &ProviderError{Provider: "huggingface-zero-shot", Status: resp.StatusCode, Err: err}
	}
	if len(out) == 0 || out[0].Label == "" {
		return Label{}, &ProviderError{Provider: "huggingface-zero-shot", Status: resp.StatusCode, Err: errors.New("empty result")}
	}
	return out[0], nil
}

func (c *HuggingFaceClient) modelURL(model string) string {
	return c.baseURL + "/" + url.PathEscape(model)
}

func (c *HuggingFaceClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("x-wait-for-model", "true")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
