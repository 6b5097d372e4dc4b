package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"nestor/internal/model"
)

const fileSuffix = ".ckpt.json"

// FileStore keeps one file per level under a directory. Saves write to a temp
// file in the same directory and rename over the slot, so a crashed save never
// corrupts the previous checkpoint.
type FileStore struct {
	dir string

	mu          sync.Mutex
	initialized bool
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		return errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *FileStore) Save(_ context.Context, ckpt model.Checkpoint) error {
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

	final := s.path(ckpt.Level)
	tmp, err := os.CreateTemp(s.dir, ckpt.Level+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, level string) (model.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.Checkpoint{}, false, errors.New("store is not initialized")
	}

	data, err := os.ReadFile(s.path(level))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}

	ckpt, err := Decode(data)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", level, err)
	}
	return ckpt, true, nil
}

func (s *FileStore) List(_ context.Context) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		ckpt, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", name, err)
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, Info{
			Level:         ckpt.Level,
			Epoch:         ckpt.Epoch,
			SizeBytes:     info.Size(),
			ModifiedAtUTC: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Level < infos[j].Level
	})
	return infos, nil
}

func (s *FileStore) path(level string) string {
	return filepath.Join(s.dir, level+fileSuffix)
}
