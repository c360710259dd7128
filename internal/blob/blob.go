// Package blob stores uploaded source files on the local filesystem under a
// per-user, date-partitioned layout so raw bytes survive reindexing.
package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/config"
)

// Store persists raw uploads. Paths returned by Save are relative to the
// store root and recorded in the metadata store as source_path.
type Store struct {
	root string
	now  func() time.Time
}

// New creates a store rooted at cfg.Root, creating the directory if needed.
func New(cfg config.BlobConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "blob config")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "creating blob root")
	}
	return &Store{root: cfg.Root, now: time.Now}, nil
}

// SanitizeEmail maps an email address to a filesystem-safe directory name:
// "@" becomes "_at_", anything outside [a-z0-9._-] becomes "_".
func SanitizeEmail(email string) string {
	lower := strings.ToLower(email)
	lower = strings.ReplaceAll(lower, "@", "_at_")
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "upload"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Save writes the upload under {sanitized_email}/YYYY/MM/DD/HHMMSS/{file}
// and returns the relative path.
func (s *Store) Save(ctx context.Context, email, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Wrap(apperr.DeadlineExceeded, err, "saving blob")
	}
	now := s.now().UTC()
	rel := filepath.Join(
		SanitizeEmail(email),
		now.Format("2006"), now.Format("01"), now.Format("02"), now.Format("150405"),
		sanitizeFilename(filename),
	)
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "creating blob directory")
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "creating blob file")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(abs)
		return "", apperr.Wrap(apperr.Internal, err, "writing blob")
	}
	if err := f.Close(); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "closing blob")
	}
	return rel, nil
}

// Open returns a reader for a previously saved blob. Paths are validated
// against escaping the root.
func (s *Store) Open(_ context.Context, rel string) (io.ReadCloser, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if os.IsNotExist(err) {
		return nil, apperr.E(apperr.NotFound, "blob %s not found", rel)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening blob")
	}
	return f, nil
}

// Delete removes a blob. Missing files are not an error.
func (s *Store) Delete(_ context.Context, rel string) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.Internal, err, "deleting blob")
	}
	return nil
}

func (s *Store) resolve(rel string) (string, error) {
	if rel == "" {
		return "", apperr.E(apperr.Validation, "blob path cannot be empty")
	}
	abs := filepath.Join(s.root, filepath.Clean(rel))
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "resolving blob root")
	}
	target, err := filepath.Abs(abs)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "resolving blob path")
	}
	if target != rootAbs && !strings.HasPrefix(target, rootAbs+string(filepath.Separator)) {
		return "", apperr.E(apperr.Validation, "blob path escapes store root")
	}
	return target, nil
}
