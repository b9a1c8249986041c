package store

import (
	"context"
	"sort"
	"sync"
)

type memoryKey struct {
	guildID string
	kind    Kind
}

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[memoryKey][]byte

	saveErr error
	saves   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[memoryKey][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, guildID string, kind Kind) ([]byte, error) {
	if err := validateKey(guildID, kind); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.docs[memoryKey{guildID, kind}]
	if !ok {
		return nil, nil
	}

	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(_ context.Context, guildID string, kind Kind, data []byte) error {
	if err := validateKey(guildID, kind); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	s.docs[memoryKey{guildID, kind}] = append([]byte(nil), data...)
	s.saves++

	return nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var guilds []string

	for k := range s.docs {
		if k.kind == kind {
			guilds = append(guilds, k.guildID)
		}
	}

	sort.Strings(guilds)

	return guilds, nil
}

// SetSaveErr makes every following Save fail with err, or succeed again
// when err is nil.
func (s *MemoryStore) SetSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveErr = err
}

// Saves returns how many successful saves have happened.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saves
}

func (s *MemoryStore) Close() error {
	return nil
}
