package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore is a thread-safe FileStore for tests and local experiments.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, key string, content io.Reader, maxBytes int64) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	n, err := copyLimited(&buf, content, maxBytes)
	if err != nil {
		return n, err
	}

	s.mu.Lock()
	s.blobs[key] = buf.Bytes()
	s.mu.Unlock()
	return n, nil
}

func (s *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrNotExist
	}
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
