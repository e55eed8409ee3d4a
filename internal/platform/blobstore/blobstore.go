// Package blobstore stores uploaded file content by key. Keys are relative,
// slash-separated paths generated by the server, e.g.
// "patient-images/<patientId>/<uuid>.png".
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrNotExist   = errors.New("blob does not exist")
	ErrTooLarge   = errors.New("blob exceeds maximum allowed size")
	ErrEmpty      = errors.New("blob is empty")
	ErrInvalidKey = errors.New("invalid blob key")
)

// FileStore is the contract shared by the disk, S3 and in-memory backends.
//
// Save either stores the whole content under key or leaves nothing behind.
// It returns ErrTooLarge when content is longer than maxBytes and ErrEmpty
// when it has no bytes.
type FileStore interface {
	Save(ctx context.Context, key string, content io.Reader, maxBytes int64) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// ValidateKey rejects absolute keys and keys that escape the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// copyLimited copies at most maxBytes from src, failing with ErrTooLarge if more
// remain and ErrEmpty if there was nothing.
func copyLimited(dst io.Writer, src io.Reader, maxBytes int64) (int64, error) {
	n, err := io.Copy(dst, io.LimitReader(src, maxBytes+1))
	if err != nil {
		return n, err
	}
	if n > maxBytes {
		return n, ErrTooLarge
	}
	if n == 0 {
		return 0, ErrEmpty
	}
	return n, nil
}
