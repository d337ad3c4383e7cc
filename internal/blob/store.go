// Package blob provides content storage for uploaded knowledge base files.
//
// Store is the interface consumed by the indexing pipeline and the upload
// surface; Local is the filesystem implementation. An S3-style backend can be
// substituted without touching callers.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidName indicates a file name that failed sanitization.
	ErrInvalidName = errors.New("invalid file name")

	// ErrNotFound indicates the requested blob does not exist.
	ErrNotFound = errors.New("blob not found")
)

// Store abstracts blob persistence. Paths returned by Write are opaque
// storage keys; callers persist them on the file record and pass them back.
type Store interface {
	// Write stores data under a sanitized, collision-free path derived from
	// name and returns that path.
	Write(ctx context.Context, name string, data []byte) (string, error)

	// Read returns the stored bytes for path. Returns ErrNotFound if absent.
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the blob is present.
	Exists(ctx context.Context, path string) (bool, error)
}

// Local is a filesystem-backed Store rooted at a single directory.
// All paths are confined to the root; traversal sequences in names are
// stripped by sanitization before any filesystem access.
type Local struct {
	root   string
	logger *slog.Logger
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &Local{root: abs, logger: logger}, nil
}

// SanitizeName reduces an arbitrary display name to a safe single path
// element: the base name with separators, NUL bytes and traversal dots
// rejected, and anything outside [a-zA-Z0-9._-] replaced by '_'.
// Returns ErrInvalidName when nothing safe remains.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 255 {
		return "", ErrInvalidName
	}
	if strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}

	// Keep only the final path element; uploads must never carry directories.
	// Windows-style separators are normalized first so they cannot smuggle
	// directory components past Base on other platforms.
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", ErrInvalidName
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	clean := b.String()
	if strings.Trim(clean, "._-") == "" {
		return "", ErrInvalidName
	}
	return clean, nil
}

// Write stores data under "<uuid>_<sanitized name>" inside the root.
// The UUID prefix makes the path unique regardless of display-name clashes.
func (l *Local) Write(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean, err := SanitizeName(name)
	if err != nil {
		return "", fmt.Errorf("sanitizing %q: %w", name, err)
	}

	key := uuid.NewString() + "_" + clean
	full := filepath.Join(l.root, key)

	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", key, err)
	}

	l.logger.Debug("blob written", "path", key, "bytes", len(data))
	return key, nil
}

// Read returns the stored bytes for path.
func (l *Local) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading blob %s: %w", path, err)
	}
	return data, nil
}

// Delete removes the blob. Missing blobs are ignored so deletes stay idempotent.
func (l *Local) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := l.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %s: %w", path, err)
	}
	return nil
}

// Exists reports whether the blob is present.
func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	full, err := l.resolve(path)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %s: %w", path, err)
	}
	return true, nil
}

// resolve joins path to the root and verifies the result stays inside it
// (CWE-22 path traversal defense).
func (l *Local) resolve(path string) (string, error) {
	if path == "" || strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: empty or NUL path", ErrInvalidName)
	}
	full := filepath.Join(l.root, path)
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes storage root", ErrInvalidName)
	}
	return full, nil
}
