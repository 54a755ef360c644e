package blob

import (
	"context"
	"sync"
)

type memoryEntry struct {
	info Info
	data []byte
}

// memoryStore keeps blobs in process memory, used by tests and casectl
type memoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryEntry
}

// NewMemoryStore returns an in-memory blob store
func NewMemoryStore() Store {
	return &memoryStore{blobs: make(map[string]memoryEntry)}
}

func (s *memoryStore) Driver() Driver { return DriverMemory }

func (s *memoryStore) Put(_ context.Context, data []byte, contentType string) (Info, error) {
	info := Describe(data, contentType)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blobs[info.BlobID]; ok {
		return existing.info, nil
	}
	s.blobs[info.BlobID] = memoryEntry{info: info, data: append([]byte(nil), data...)}
	return info, nil
}

func (s *memoryStore) Get(_ context.Context, blobID string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.blobs[blobID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.data...), nil
}

func (s *memoryStore) Exists(_ context.Context, blobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[blobID]
	return ok, nil
}
