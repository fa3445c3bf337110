package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ImageStore is the permanent home of product images.
type ImageStore interface {
	// Place copies files under productID and returns the stored paths in order.
	Place(ctx context.Context, productID int64, files []string) ([]string, error)
	// Discard removes everything stored for productID.
	Discard(ctx context.Context, productID int64) error
	// URL turns a stored path into something a browser can fetch.
	URL(ctx context.Context, stored string) (string, error)
}

// FileStore keeps images on local disk under <uploadDir>/products/<id>.
// Stored paths are web-relative: uploads/products/<id>/<file>.
type FileStore struct {
	root    string
	baseURL string
}

// NewFileStore builds a disk store. baseURL prefixes URLs; empty means
// root-relative ("/uploads/...").
func NewFileStore(uploadDir, baseURL string) (*FileStore, error) {
	if uploadDir == "" {
		return nil, fmt.Errorf("upload dir required")
	}
	if err := os.MkdirAll(filepath.Join(uploadDir, "products"), 0o755); err != nil {
		return nil, fmt.Errorf("create products dir: %w", err)
	}
	return &FileStore{root: uploadDir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (f *FileStore) Place(ctx context.Context, productID int64, files []string) ([]string, error) {
	id := strconv.FormatInt(productID, 10)
	dir := filepath.Join(f.root, "products", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create product dir: %w", err)
	}
	out := make([]string, 0, len(files))
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := filepath.Base(src)
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return nil, err
		}
		out = append(out, path.Join("uploads", "products", id, name))
	}
	return out, nil
}

func (f *FileStore) Discard(_ context.Context, productID int64) error {
	return os.RemoveAll(filepath.Join(f.root, "products", strconv.FormatInt(productID, 10)))
}

func (f *FileStore) URL(_ context.Context, stored string) (string, error) {
	return f.baseURL + "/" + strings.TrimLeft(stored, "/"), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}

var (
	_ ImageStore = (*FileStore)(nil)
	_ ImageStore = (*MinioStore)(nil)
)
