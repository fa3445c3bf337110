package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"smartwarehouse/internal/util"
	"smartwarehouse/pkg/domain"
	"smartwarehouse/pkg/images"
	"smartwarehouse/pkg/storage"
	"smartwarehouse/pkg/store"
	"smartwarehouse/pkg/suggest"
)

const (
	minStagedImages = 2
	maxStagedImages = 4
	maxNameRunes    = 255
)

// SuggestOutcome is the answer to validate_and_suggest. AIError is set when
// the pipeline failed and Data is blank.
type SuggestOutcome struct {
	UploadToken string
	AIError     bool
	Data        suggest.Result
	Images      []images.Result
}

// ValidateAndSuggest validates an upload batch, normalizes it into a new
// intake session and asks the suggestion pipeline for a prefilled form.
func (a *App) ValidateAndSuggest(ctx context.Context, batch []images.Upload) (SuggestOutcome, error) {
	logger := util.LoggerFromContext(ctx)
	if violations := a.validator.Validate(batch); len(violations) > 0 {
		return SuggestOutcome{}, &images.ValidationError{Violations: violations}
	}
	token, dir, err := a.staging.Create()
	if err != nil {
		return SuggestOutcome{}, err
	}
	normalized, err := a.normalizeBatch(dir, batch)
	if err != nil {
		_ = a.staging.Remove(token)
		return SuggestOutcome{}, err
	}
	paths := make([]string, 0, len(normalized))
	for _, n := range normalized {
		if n.Status == images.StatusCopied {
			logger.Warn("image_not_processed", "file", filepath.Base(n.Path))
		}
		paths = append(paths, n.Path)
	}

	out := SuggestOutcome{UploadToken: token, Images: normalized}
	res, err := a.suggester.Suggest(ctx, paths)
	if err != nil {
		logger.Error("suggest_failed", "upload_token", token, "err", err)
		out.AIError = true
		out.Data = suggest.Result{Tags: []string{}}
		return out, nil
	}
	out.Data = res
	return out, nil
}

// normalizeBatch writes every upload as NN_<sanitized name> under dir.
func (a *App) normalizeBatch(dir string, batch []images.Upload) ([]images.Result, error) {
	out := make([]images.Result, 0, len(batch))
	for i, up := range batch {
		name := images.SanitizeFilename(up.Filename)
		raw := filepath.Join(dir, fmt.Sprintf(".raw_%02d%s", i+1, strings.ToLower(filepath.Ext(name))))
		if err := spool(up, raw); err != nil {
			return nil, err
		}
		res, err := a.normalizer.Normalize(raw, filepath.Join(dir, fmt.Sprintf("%02d_%s", i+1, name)))
		_ = os.Remove(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", up.Filename, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func spool(up images.Upload, dst string) error {
	rc, err := up.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", images.ErrInvalidImage, err)
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: %v", images.ErrWriteFailed, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", images.ErrWriteFailed, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", images.ErrWriteFailed, err)
	}
	return nil
}

// SaveInput is the confirmed product form.
type SaveInput struct {
	Name          string
	CategoryID    *int64
	Description   string
	SKU           string
	Color         string
	Size          string
	Price         decimal.Decimal
	Tags          []string
	MinStockLevel int
	UploadToken   string
}

// SaveProduct persists product, variant and images in one transaction.
// Placed files are discarded when the transaction fails; the intake session
// is removed only after commit, so a failed save can be retried.
func (a *App) SaveProduct(ctx context.Context, sess store.Session, in SaveInput, meta RequestMeta) (domain.Product, domain.ProductVariant, error) {
	logger := util.LoggerFromContext(ctx)
	in.Name = strings.TrimSpace(in.Name)
	in.SKU = strings.TrimSpace(in.SKU)
	in.UploadToken = strings.TrimSpace(in.UploadToken)

	var errs FieldErrors
	if in.Name == "" {
		errs.add("name", "product name is required")
	} else if utf8.RuneCountInString(in.Name) > maxNameRunes {
		errs.add("name", fmt.Sprintf("product name must be at most %d characters", maxNameRunes))
	}
	if in.SKU == "" {
		errs.add("sku", "sku is required")
	}
	if in.UploadToken == "" {
		errs.add("upload_token", "upload_token is required")
	}
	if in.Price.IsNegative() {
		errs.add("price", "price must not be negative")
	}
	if in.MinStockLevel < 0 {
		errs.add("min_stock_level", "min_stock_level must not be negative")
	}
	if in.CategoryID != nil {
		_, ok, err := a.store.GetCategory(ctx, *in.CategoryID)
		if err != nil {
			return domain.Product{}, domain.ProductVariant{}, fmt.Errorf("load category: %w", err)
		}
		if !ok {
			errs.add("category_id", "category not found")
		}
	}
	if err := errs.orNil(); err != nil {
		return domain.Product{}, domain.ProductVariant{}, err
	}

	files, err := a.staging.Files(in.UploadToken)
	if errors.Is(err, storage.ErrInvalidUploadSession) {
		return domain.Product{}, domain.ProductVariant{}, ErrInvalidUploadSession
	}
	if err != nil {
		return domain.Product{}, domain.ProductVariant{}, err
	}
	if len(files) < minStagedImages || len(files) > maxStagedImages {
		return domain.Product{}, domain.ProductVariant{}, ErrInvalidUploadSession
	}

	tags := cleanTags(in.Tags)
	intake := store.ProductIntake{
		Product: domain.Product{
			CategoryID:  in.CategoryID,
			Name:        in.Name,
			Description: strings.TrimSpace(in.Description),
			Tags:        tags,
			CreatedBy:   sess.UserID,
		},
		Variant: domain.ProductVariant{
			SKU:           in.SKU,
			Color:         strings.TrimSpace(in.Color),
			Size:          strings.TrimSpace(in.Size),
			Price:         in.Price,
			MinStockLevel: in.MinStockLevel,
		},
		Audit: domain.AuditEntry{
			UserID:    &sess.UserID,
			Action:    "create_product",
			TableName: "products",
			NewValues: map[string]any{
				"name":            in.Name,
				"category_id":     in.CategoryID,
				"sku":             in.SKU,
				"price":           in.Price.StringFixed(2),
				"min_stock_level": in.MinStockLevel,
				"tags":            tags,
				"images":          len(files),
			},
			IPAddress: meta.IP,
			UserAgent: meta.UserAgent,
		},
	}

	var placedFor int64
	product, variant, err := a.store.CreateProduct(ctx, intake, func(ctx context.Context, productID int64) ([]string, error) {
		placedFor = productID
		return a.images.Place(ctx, productID, files)
	})
	if err != nil {
		if placedFor != 0 {
			if derr := a.images.Discard(context.WithoutCancel(ctx), placedFor); derr != nil {
				logger.Warn("discard_images_failed", "product_id", placedFor, "err", derr)
			}
		}
		if errors.Is(err, store.ErrDuplicateSKU) {
			return domain.Product{}, domain.ProductVariant{}, store.ErrDuplicateSKU
		}
		logger.Error("save_product_failed", "sku", in.SKU, "err", err)
		return domain.Product{}, domain.ProductVariant{}, fmt.Errorf("%w: %v", ErrProductSaveFailed, err)
	}
	if err := a.staging.Remove(in.UploadToken); err != nil {
		logger.Warn("remove_staging_failed", "upload_token", in.UploadToken, "err", err)
	}
	return product, variant, nil
}

// ImageView is a stored image with a fetchable URL.
type ImageView struct {
	domain.ProductImage
	URL string `json:"url"`
}

// ProductView is a product detail with image URLs resolved.
type ProductView struct {
	domain.ProductDetail
	Images []ImageView `json:"images"`
}

// GetProduct returns a product with its variants and images.
func (a *App) GetProduct(ctx context.Context, id int64) (ProductView, bool, error) {
	detail, ok, err := a.store.GetProduct(ctx, id)
	if err != nil || !ok {
		return ProductView{}, ok, err
	}
	view := ProductView{ProductDetail: detail, Images: make([]ImageView, 0, len(detail.Images))}
	for _, img := range detail.Images {
		url, err := a.images.URL(ctx, img.FilePath)
		if err != nil {
			return ProductView{}, false, fmt.Errorf("image url: %w", err)
		}
		view.Images = append(view.Images, ImageView{ProductImage: img, URL: url})
	}
	return view, true, nil
}

// ReapUploads removes intake sessions older than ttl.
func (a *App) ReapUploads(ttl time.Duration) (int, error) {
	return a.staging.Reap(ttl)
}

// cleanTags trims, drops empties and de-duplicates case-insensitively.
func cleanTags(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
