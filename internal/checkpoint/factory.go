package checkpoint

import "fmt"

// DefaultStoreKind is the backend used when a run does not name one.
// Checkpoints must outlive the process, so the default is the file backend.
func DefaultStoreKind() string {
	return "file"
}

func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(path), nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
