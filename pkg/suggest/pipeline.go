package suggest

import (
	"context"
	"errors"
	"fmt"

	"smartwarehouse/internal/util"
)

// Pipeline runs its stages in order until one succeeds, falling back to the
// filename stub, then attaches the duplicate check.
type Pipeline struct {
	stages     []Stage
	fallback   Stage
	duplicates DuplicateFinder
	categories CategoryResolver
}

// NewPipeline builds a pipeline. Nil stages are skipped, so optional
// providers can be passed straight from configuration.
func NewPipeline(duplicates DuplicateFinder, categories CategoryResolver, stages ...Stage) *Pipeline {
	p := &Pipeline{
		fallback:   NewFilenameStub(),
		duplicates: duplicates,
		categories: categories,
	}
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
	return p
}

// Stages lists the configured stage names, fallback included.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages)+1)
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return append(names, p.fallback.Name())
}

// Suggest returns the first successful stage result. Stage failures are
// logged and absorbed; an error is returned only when the duplicate lookup
// fails.
func (p *Pipeline) Suggest(ctx context.Context, paths []string) (Result, error) {
	logger := util.LoggerFromContext(ctx)
	var (
		res Result
		ok  bool
	)
	for _, stage := range p.stages {
		r, err := stage.Suggest(ctx, paths)
		if err != nil {
			var perr *ProviderError
			if errors.As(err, &perr) {
				logger.Warn("suggest_stage_failed", "stage", stage.Name(), "provider", perr.Provider, "status", perr.Status, "error", perr.Err)
			} else {
				logger.Warn("suggest_stage_failed", "stage", stage.Name(), "error", err)
			}
			continue
		}
		res, ok = r, true
		break
	}
	if !ok {
		res, _ = p.fallback.Suggest(ctx, paths)
	}
	if res.Tags == nil {
		res.Tags = []string{}
	}

	if res.CategoryID == nil && res.Category != "" && p.categories != nil {
		cat, found, err := p.categories.FindCategoryByName(ctx, res.Category)
		if err != nil {
			logger.Warn("category_lookup_failed", "category", res.Category, "error", err)
		} else if found {
			id := cat.ID
			res.CategoryID = &id
		}
	}

	dup, err := CheckDuplicate(ctx, p.duplicates, res.Name, deref(res.Color), deref(res.Size))
	if err != nil {
		return Result{}, fmt.Errorf("duplicate check: %w", err)
	}
	res.Duplicate = dup
	logger.Info("suggest_completed", "source", res.Source, "duplicate", dup.IsDuplicate)
	return res, nil
}
