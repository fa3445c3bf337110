package suggest

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"smartwarehouse/internal/util"
)

const (
	stubName        = "Giày thể thao"
	stubDescription = "Sản phẩm được gợi ý bởi AI (stub)"
	stubConfidence  = 0.5
)

var stubSizePattern = regexp.MustCompile(`size[_-]?(\d{2})`)

// FilenameStub guesses attributes from the image file names. It never fails.
type FilenameStub struct {
	random func(int) string
}

func NewFilenameStub() *FilenameStub {
	return &FilenameStub{random: util.RandomHexUpper}
}

func (s *FilenameStub) Name() string { return "stub" }

func (s *FilenameStub) Suggest(_ context.Context, paths []string) (Result, error) {
	var color, size string
	tags := []string{"shoes"}
	for _, p := range paths {
		n := strings.ToLower(filepath.Base(p))
		if strings.Contains(n, "den") || strings.Contains(n, "black") {
			color = "Black"
		}
		if m := stubSizePattern.FindStringSubmatch(n); m != nil {
			size = m[1]
		}
		if strings.Contains(n, "boot") {
			tags = append(tags, "boot")
		}
	}
	confidence := stubConfidence
	return Result{
		Name:        stubName,
		Color:       strPtr(color),
		Size:        strPtr(size),
		Description: stubDescription,
		Tags:        unique(tags),
		SKU:         SimpleSKU(color, size, s.random(6)),
		Confidence:  &confidence,
		Source:      s.Name(),
	}, nil
}
