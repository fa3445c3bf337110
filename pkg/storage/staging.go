package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidUploadSession is returned for malformed, unknown or reaped tokens.
var ErrInvalidUploadSession = errors.New("invalid upload session")

// Staging holds normalized images between validate_and_suggest and save,
// one directory per intake session under <uploadDir>/tmp.
type Staging struct {
	root string
	now  func() time.Time
}

// NewStaging creates <uploadDir>/tmp if needed.
func NewStaging(uploadDir string) (*Staging, error) {
	if uploadDir == "" {
		return nil, errors.New("upload dir required")
	}
	root := filepath.Join(uploadDir, "tmp")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Staging{root: root, now: time.Now}, nil
}

// Create opens a new intake session and returns its token and directory.
func (s *Staging) Create() (string, string, error) {
	token := uuid.NewString()
	dir := filepath.Join(s.root, token)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create staging dir: %w", err)
	}
	return token, dir, nil
}

// Dir resolves a token to its directory. Only canonical UUIDs are accepted,
// so a token can never point outside the staging root.
func (s *Staging) Dir(token string) (string, error) {
	id, err := uuid.Parse(token)
	if err != nil || id.String() != token {
		return "", ErrInvalidUploadSession
	}
	dir := filepath.Join(s.root, token)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", ErrInvalidUploadSession
	}
	return dir, nil
}

// Files lists the staged files of a session in name order.
func (s *Staging) Files(token string) ([]string, error) {
	dir, err := s.Dir(token)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Remove deletes a session directory. Unknown tokens are ignored.
func (s *Staging) Remove(token string) error {
	dir, err := s.Dir(token)
	if err != nil {
		return nil
	}
	return os.RemoveAll(dir)
}

// Reap deletes session directories last modified more than ttl ago and
// returns how many were removed.
func (s *Staging) Reap(ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, errors.New("reap ttl must be positive")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read staging root: %w", err)
	}
	cutoff := s.now().Add(-ttl)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
