package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"nestor/internal/model"
)

// MemoryStore holds encoded checkpoints in memory. Used by tests and by runs
// that do not need persistence across processes.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	slots       map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.slots = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) Save(_ context.Context, ckpt model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if ckpt.Level == "" {
		return errors.New("checkpoint level is required")
	}
	data, err := Encode(ckpt)
	if err != nil {
		return err
	}
	s.slots[ckpt.Level] = data
	return nil
}

func (s *MemoryStore) Load(_ context.Context, level string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.Checkpoint{}, false, errors.New("store is not initialized")
	}
	data, ok := s.slots[level]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	ckpt, err := Decode(data)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", level, err)
	}
	return ckpt, true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	infos := make([]Info, 0, len(s.slots))
	for level, data := range s.slots {
		ckpt, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", level, err)
		}
		infos = append(infos, Info{
			Level:     ckpt.Level,
			Epoch:     ckpt.Epoch,
			SizeBytes: int64(len(data)),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Level < infos[j].Level
	})
	return infos, nil
}
