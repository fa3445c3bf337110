package suggest

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"smartwarehouse/internal/util"
)

const maxVisionImages = 4

// VisionStage captions and OCRs up to four images, then derives the product
// attributes from the combined text with local heuristics.
type VisionStage struct {
	captioner  Captioner
	ocr        TextExtractor
	classifier Classifier
	random     func(int) string
	colorOf    func(string) (string, error)
}

// NewVisionStage wires the providers. ocr and classifier may be nil.
func NewVisionStage(captioner Captioner, ocr TextExtractor, classifier Classifier) *VisionStage {
	return &VisionStage{
		captioner:  captioner,
		ocr:        ocr,
		classifier: classifier,
		random:     util.RandomHexUpper,
		colorOf:    DominantColor,
	}
}

func (v *VisionStage) Name() string { return "vision" }

func (v *VisionStage) Suggest(ctx context.Context, paths []string) (Result, error) {
	if len(paths) == 0 {
		return Result{}, &ProviderError{Provider: v.Name(), Err: errors.New("no images")}
	}
	caption, ocrText, err := v.read(ctx, paths)
	if err != nil {
		return Result{}, &ProviderError{Provider: v.Name(), Err: err}
	}
	if caption == "" && ocrText == "" {
		return Result{}, &ProviderError{Provider: v.Name(), Err: errors.New("no caption or text extracted")}
	}
	logger := util.LoggerFromContext(ctx)
	first := paths[0]

	var score float64
	category, ok := DetectCategory(caption + " " + ocrText)
	if ok {
		score = keywordCategoryScore
	} else if v.classifier != nil {
		label, err := v.classifier.Classify(ctx, first, CategoryLabels)
		if err != nil {
			logger.Warn("suggest_provider_failed", "provider", "zero-shot", "error", err)
		} else {
			category, score = label.Label, label.Score
		}
	}

	sampled := ""
	if v.colorOf != nil {
		if sampled, err = v.colorOf(first); err != nil {
			logger.Debug("dominant_color_failed", "error", err)
			sampled = ""
		}
	}
	combined := ocrText + " " + caption
	size := DetectSize(ocrText, caption)
	brand := DetectBrand(combined)
	modelCode := DetectModelCode(ocrText)
	color := NormalizeColor(sampled, combined)
	name := ComposeName(caption, category, color, brand)

	confidence := max(score, minConfidence)
	description := caption
	if description == "" {
		description = visionDescription
	}
	return Result{
		Name:        name,
		Category:    category,
		Color:       strPtr(color),
		Size:        strPtr(size),
		Description: description,
		Tags:        ExtractTags(caption, ocrText, category, color, size, brand),
		SKU:         SmartSKU(name, color, size, brand, modelCode, v.random(4)),
		Confidence:  &confidence,
		Source:      v.Name(),
	}, nil
}

// read fans the provider calls out per image and joins the distinct results
// in input order. Individual provider failures are logged and skipped.
func (v *VisionStage) read(ctx context.Context, paths []string) (string, string, error) {
	if len(paths) > maxVisionImages {
		paths = paths[:maxVisionImages]
	}
	captions := make([]string, len(paths))
	texts := make([]string, len(paths))
	logger := util.LoggerFromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			if v.captioner != nil {
				caption, err := v.captioner.Caption(gctx, path)
				if err != nil {
					logger.Warn("suggest_provider_failed", "provider", "caption", "image", i+1, "error", err)
				} else {
					captions[i] = strings.TrimRight(strings.TrimSpace(caption), ".")
				}
			}
			if v.ocr != nil {
				text, err := v.ocr.ExtractText(gctx, path)
				if err != nil {
					logger.Warn("suggest_provider_failed", "provider", "ocr", "image", i+1, "error", err)
				} else {
					texts[i] = strings.TrimSpace(text)
				}
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return strings.Join(unique(captions), ". "), strings.Join(unique(texts), "\n"), nil
}
