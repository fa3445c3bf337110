package suggest

import (
	"context"
	"strings"
)

// Scores are kept in hundredths so the 0.95 threshold compares exactly.
const (
	duplicateBase      = 90
	duplicateBonus     = 5
	duplicateThreshold = 95
)

// CheckDuplicate looks up the first product whose name contains name and
// scores it: 0.90, plus 0.05 for the same color and 0.05 for the same size.
// A score of 0.95 or more flags a duplicate.
func CheckDuplicate(ctx context.Context, finder DuplicateFinder, name, color, size string) (Duplicate, error) {
	if finder == nil || strings.TrimSpace(name) == "" {
		return Duplicate{}, nil
	}
	match, ok, err := finder.FindDuplicateCandidate(ctx, name)
	if err != nil {
		return Duplicate{}, err
	}
	if !ok {
		return Duplicate{}, nil
	}
	score := duplicateBase
	if color != "" && match.Color != "" && strings.EqualFold(color, match.Color) {
		score += duplicateBonus
	}
	if size != "" && match.Size != "" && strings.EqualFold(size, match.Size) {
		score += duplicateBonus
	}
	return Duplicate{
		IsDuplicate: score >= duplicateThreshold,
		Score:       float64(score) / 100,
		Matched:     &match,
	}, nil
}
