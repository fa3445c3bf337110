package images

import (
	"fmt"
	"image"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

const (
	DefaultMinCount = 2
	DefaultMaxCount = 4
	DefaultMaxBytes = 5 << 20
	DefaultMinSide  = 800

	ratioTolerance = 0.06
)

// Violation codes.
const (
	CodeCount       = "count"
	CodeUpload      = "upload"
	CodeExtension   = "extension"
	CodeSize        = "size"
	CodeFilename    = "filename"
	CodeUnreadable  = "dimensions_unreadable"
	CodeDimensions  = "dimensions"
	CodeAspectRatio = "aspect_ratio"
)

var (
	allowedExtensions = map[string]struct{}{"jpg": {}, "jpeg": {}, "png": {}, "webp": {}}
	unsafeFilename    = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	whitespaceRun     = regexp.MustCompile(`\s+`)
)

// Upload is one file of an intake batch as received from the client.
type Upload struct {
	Filename string
	Size     int64
	// Err is the transport error reported for this part, if any.
	Err  error
	Open func() (io.ReadCloser, error)
}

// Violation is one failed rule. Index is 0-based, -1 for batch-level rules.
type Violation struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries every violation of a rejected batch.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// Validator checks an upload batch. Zero fields fall back to the defaults.
type Validator struct {
	MinCount int
	MaxCount int
	MaxBytes int64
	MinSide  int
}

// Validate runs every rule against the batch and returns all violations.
// An empty result means the batch may proceed.
func (v Validator) Validate(batch []Upload) []Violation {
	minCount, maxCount := orInt(v.MinCount, DefaultMinCount), orInt(v.MaxCount, DefaultMaxCount)
	maxBytes := v.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	minSide := orInt(v.MinSide, DefaultMinSide)

	var out []Violation
	if len(batch) < minCount || len(batch) > maxCount {
		out = append(out, Violation{
			Index:   -1,
			Code:    CodeCount,
			Message: fmt.Sprintf("product images must number between %d and %d", minCount, maxCount),
		})
	}
	for i, up := range batch {
		add := func(code, format string, args ...any) {
			out = append(out, Violation{
				Index:   i,
				Code:    code,
				Message: fmt.Sprintf("image #%d: ", i+1) + fmt.Sprintf(format, args...),
			})
		}
		if up.Err != nil {
			add(CodeUpload, "upload failed")
			continue
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(up.Filename), "."))
		if _, ok := allowedExtensions[ext]; !ok {
			add(CodeExtension, "format must be JPG, JPEG, PNG or WEBP")
		}
		if up.Size > maxBytes {
			add(CodeSize, "file exceeds %d MB", maxBytes>>20)
		}
		if HasUnsafeChars(up.Filename) {
			add(CodeFilename, "file name may only contain letters, digits, '.', '-' and '_'")
		}
		w, h, err := dimensions(up)
		if err != nil {
			add(CodeUnreadable, "cannot read image dimensions")
			continue
		}
		if w < minSide || h < minSide {
			add(CodeDimensions, "image must be at least %d×%d px", minSide, minSide)
		}
		if !RatioOK(w, h) {
			add(CodeAspectRatio, "aspect ratio must be about 1:1 or 4:5")
		}
	}
	return out
}

// RatioOK accepts w/h near 1.0 or 0.8, or h/w near 1.25, within 6%.
func RatioOK(w, h int) bool {
	if w <= 0 || h <= 0 {
		return false
	}
	r1 := float64(w) / float64(h)
	r2 := float64(h) / float64(w)
	near := func(r, target float64) bool { return math.Abs(r-target) <= ratioTolerance }
	return near(r1, 1.0) || near(r1, 0.8) || near(r2, 1.25)
}

// HasUnsafeChars reports whether name contains anything outside [A-Za-z0-9._-].
func HasUnsafeChars(name string) bool {
	return unsafeFilename.MatchString(name)
}

// SanitizeFilename replaces whitespace runs with "_" and drops unsafe characters.
func SanitizeFilename(name string) string {
	name = whitespaceRun.ReplaceAllString(name, "_")
	return unsafeFilename.ReplaceAllString(name, "")
}

func dimensions(up Upload) (int, int, error) {
	if up.Open == nil {
		return 0, 0, ErrInvalidImage
	}
	rc, err := up.Open()
	if err != nil {
		return 0, 0, err
	}
	defer rc.Close()
	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
