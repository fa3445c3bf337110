package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func TestStagingLifecycle(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("new staging: %v", err)
	}
	token, dir, err := staging.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, name := range []string{"02_b.jpg", "01_a.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	files, err := staging.Files(token)
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "01_a.jpg" {
		t.Fatalf("expected sorted files, got %v", files)
	}
	if err := staging.Remove(token); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := staging.Files(token); !errors.Is(err, ErrInvalidUploadSession) {
		t.Fatalf("expected invalid session after remove, got %v", err)
	}
}

func TestStagingRejectsBadTokens(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("new staging: %v", err)
	}
	tests := []string{
		"",
		"../../etc",
		"not-a-uuid",
		"{6f1c1b8e-8a57-4c1f-9d42-1f0f3b9a7c11}",
		"6F1C1B8E-8A57-4C1F-9D42-1F0F3B9A7C11",
		"6f1c1b8e-8a57-4c1f-9d42-1f0f3b9a7c11",
	}
	for _, token := range tests {
		if _, err := staging.Dir(token); !errors.Is(err, ErrInvalidUploadSession) {
			t.Fatalf("token %q: expected invalid session, got %v", token, err)
		}
	}
}

func TestStagingReapRemovesOnlyExpired(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("new staging: %v", err)
	}
	oldToken, oldDir, err := staging.Create()
	if err != nil {
		t.Fatalf("create old: %v", err)
	}
	freshToken, _, err := staging.Create()
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	stray := filepath.Join(staging.root, "keep-me")
	if err := os.Mkdir(stray, 0o755); err != nil {
		t.Fatalf("mkdir stray: %v", err)
	}
	if err := os.Chtimes(stray, past, past); err != nil {
		t.Fatalf("chtimes stray: %v", err)
	}

	removed, err := staging.Reap(24 * time.Hour)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one reaped session, got %d", removed)
	}
	if _, err := staging.Dir(oldToken); !errors.Is(err, ErrInvalidUploadSession) {
		t.Fatalf("expected old session reaped")
	}
	if _, err := staging.Dir(freshToken); err != nil {
		t.Fatalf("fresh session must survive: %v", err)
	}
	if _, err := os.Stat(stray); err != nil {
		t.Fatalf("non-session directory must survive: %v", err)
	}
}

func TestFileStorePlaceDiscardURL(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFileStore(root, "https://cdn.example.com/")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	src := t.TempDir()
	var files []string
	for _, name := range []string{"01_a.jpg", "02_b.png"} {
		p := filepath.Join(src, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		files = append(files, p)
	}

	paths, err := store.Place(ctx, 12, files)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(paths) != 2 || paths[0] != "uploads/products/12/01_a.jpg" || paths[1] != "uploads/products/12/02_b.png" {
		t.Fatalf("unexpected stored paths: %v", paths)
	}
	data, err := os.ReadFile(filepath.Join(root, "products", "12", "02_b.png"))
	if err != nil || string(data) != "02_b.png" {
		t.Fatalf("expected copied file, got %q err=%v", data, err)
	}
	if _, err := os.Stat(files[0]); err != nil {
		t.Fatalf("source must stay until commit: %v", err)
	}
	url, _ := store.URL(ctx, paths[0])
	if url != "https://cdn.example.com/uploads/products/12/01_a.jpg" {
		t.Fatalf("unexpected url %q", url)
	}

	if err := store.Discard(ctx, 12); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "products", "12")); !os.IsNotExist(err) {
		t.Fatalf("expected product dir removed, got %v", err)
	}
}

func TestFileStoreRootRelativeURL(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	url, _ := store.URL(context.Background(), "uploads/products/1/a.jpg")
	if url != "/uploads/products/1/a.jpg" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestMinioStorePresignedURL(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("minio client: %v", err)
	}
	store := &MinioStore{client: client, bucket: "products"}
	key := objectKey(7, "01_a.jpg")
	if key != "products/7/01_a.jpg" {
		t.Fatalf("unexpected key %q", key)
	}
	if prefix := objectKey(7, ""); prefix != "products/7/" {
		t.Fatalf("unexpected prefix %q", prefix)
	}
	url, err := store.URL(context.Background(), key)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "/products/products/7/01_a.jpg") || !strings.Contains(url, "X-Amz-Expires=3600") {
		t.Fatalf("unexpected presigned url %q", url)
	}
}
