package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultOCRSpaceURL = "https://api.ocr.space/parse/image"
	ocrSpaceFreeKey    = "helloworld"
	ocrMaxFileBytes    = 4 << 20
)

// OCRSpaceClient extracts text through the OCR.space parse API.
type OCRSpaceClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
}

// NewOCRSpaceClient builds a client. An empty key uses the public demo key.
func NewOCRSpaceClient(apiKey, endpoint string, timeout time.Duration) *OCRSpaceClient {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		apiKey = ocrSpaceFreeKey
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = defaultOCRSpaceURL
	}
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &OCRSpaceClient{
		apiKey:     apiKey,
		url:        endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ocrSpaceResponse struct {
	IsErroredOnProcessing bool `json:"IsErroredOnProcessing"`
	ErrorMessage          any  `json:"ErrorMessage"`
	ParsedResults         []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
}

// ExtractText returns the text of the first parsed page. Files over 4 MiB are
// skipped and yield an empty string.
func (c *OCRSpaceClient) ExtractText(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &ProviderError{Provider: "ocrspace", Err: err}
	}
	if info.Size() > ocrMaxFileBytes {
		return "", nil
	}
	body, contentType, err := c.form(path)
	if err != nil {
		return "", &ProviderError{Provider: "ocrspace", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: "ocrspace", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &ProviderError{Provider: "ocrspace", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	var out ocrSpaceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", &ProviderError{Provider: "ocrspace", Status: resp.StatusCode, Err: err}
	}
	if out.IsErroredOnProcessing {
		return "", &ProviderError{Provider: "ocrspace", Status: resp.StatusCode, Err: fmt.Errorf("processing failed: %v", out.ErrorMessage)}
	}
	if len(out.ParsedResults) == 0 {
		return "", nil
	}
	return out.ParsedResults[0].ParsedText, nil
}

func (c *OCRSpaceClient) form(path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"apikey", c.apiKey},
		{"language", "eng"},
		{"isOverlayRequired", "false"},
		{"OCREngine", "2"},
		{"scale", "true"},
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}
	if err := writeFilePart(w, "file", path, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
