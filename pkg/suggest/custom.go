package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"smartwarehouse/internal/util"
)

const defaultCustomTimeout = 12 * time.Second

// CustomEndpoint posts every image to an operator-provided inference service
// and trusts its JSON answer.
type CustomEndpoint struct {
	url        string
	apiKey     string
	httpClient *http.Client
	random     func(int) string
}

// NewCustomEndpoint builds the stage. A zero timeout means 12s.
func NewCustomEndpoint(endpoint, apiKey string, timeout time.Duration) (*CustomEndpoint, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("custom ai endpoint required")
	}
	if timeout <= 0 {
		timeout = defaultCustomTimeout
	}
	return &CustomEndpoint{
		url:        endpoint,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
		random:     util.RandomHexUpper,
	}, nil
}

func (c *CustomEndpoint) Name() string { return "custom" }

type customResponse struct {
	Name        looseString   `json:"name"`
	CategoryID  looseInt      `json:"category_id"`
	Color       looseString   `json:"color"`
	Size        looseString   `json:"size"`
	Description looseString   `json:"description"`
	Tags        []looseString `json:"tags"`
	SKU         looseString   `json:"sku"`
	Confidence  *float64      `json:"confidence"`
}

// Suggest uploads images as images[0..n] and maps the response.
// Missing fields default; a missing SKU is synthesized from color and size.
func (c *CustomEndpoint) Suggest(ctx context.Context, paths []string) (Result, error) {
	body, contentType, err := c.form(paths)
	if err != nil {
		return Result{}, &ProviderError{Provider: c.Name(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return Result{}, &ProviderError{Provider: c.Name(), Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, &ProviderError{Provider: c.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &ProviderError{Provider: c.Name(), Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	var out customResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Result{}, &ProviderError{Provider: c.Name(), Status: resp.StatusCode, Err: fmt.Errorf("invalid json: %w", err)}
	}

	res := Result{
		Name:        string(out.Name),
		CategoryID:  out.CategoryID.ptr(),
		Color:       strPtr(string(out.Color)),
		Size:        strPtr(string(out.Size)),
		Description: string(out.Description),
		Tags:        make([]string, 0, len(out.Tags)),
		SKU:         strings.TrimSpace(string(out.SKU)),
		Confidence:  out.Confidence,
		Source:      c.Name(),
	}
	for _, t := range out.Tags {
		if s := strings.TrimSpace(string(t)); s != "" {
			res.Tags = append(res.Tags, s)
		}
	}
	if res.SKU == "" {
		res.SKU = SimpleSKU(deref(res.Color), deref(res.Size), c.random(6))
	}
	return res, nil
}

func (c *CustomEndpoint) form(paths []string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, "", err
		}
		err = writeFilePart(w, fmt.Sprintf("images[%d]", i), p, f)
		_ = f.Close()
		if err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, field, path string, r io.Reader) error {
	ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(path)))
	h.Set("Content-Type", ctype)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}

// looseString accepts a JSON string, number or null.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

// looseInt accepts a JSON integer, a numeric string or null.
type looseInt struct {
	v  int64
	ok bool
}

func (i *looseInt) UnmarshalJSON(b []byte) error {
	var s looseString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*i = looseInt{}
		return nil
	}
	n, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		*i = looseInt{}
		return nil
	}
	*i = looseInt{v: n, ok: true}
	return nil
}

func (i looseInt) ptr() *int64 {
	if !i.ok {
		return nil
	}
	v := i.v
	return &v
}
