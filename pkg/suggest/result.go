package suggest

import (
	"context"
	"fmt"

	"smartwarehouse/pkg/domain"
)

// Result is the prefilled product form returned to the operator.
type Result struct {
	Name       string  `json:"name"`
	CategoryID *int64  `json:"category_id"`
	Color      *string `json:"color"`
	Size       *string `json:"size"`
	// Category is the category name guessed by a vision stage; the pipeline
	// resolves it to CategoryID.
	Category    string    `json:"-"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	SKU         string    `json:"sku"`
	Confidence  *float64  `json:"confidence"`
	Duplicate   Duplicate `json:"duplicate"`
	// Source names the stage that produced the result.
	Source string `json:"-"`
}

// Duplicate is the outcome of the duplicate heuristic.
type Duplicate struct {
	IsDuplicate bool                   `json:"is_duplicate"`
	Score       float64                `json:"score"`
	Matched     *domain.DuplicateMatch `json:"matched"`
}

// Stage is one step of the suggestion chain. A failing stage hands over to the next.
type Stage interface {
	Name() string
	Suggest(ctx context.Context, paths []string) (Result, error)
}

// Captioner turns an image into a short English description.
type Captioner interface {
	Caption(ctx context.Context, path string) (string, error)
}

// TextExtractor reads printed text (labels, size tags) off an image.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// Label is one zero-shot classification outcome.
type Label struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier picks the best label for an image.
type Classifier interface {
	Classify(ctx context.Context, path string, labels []string) (Label, error)
}

// DuplicateFinder returns the first product whose name contains name.
type DuplicateFinder interface {
	FindDuplicateCandidate(ctx context.Context, name string) (domain.DuplicateMatch, bool, error)
}

// CategoryResolver maps a category name to its row.
type CategoryResolver interface {
	FindCategoryByName(ctx context.Context, name string) (domain.Category, bool, error)
}

// ProviderError is a failed call to an external suggestion provider.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
