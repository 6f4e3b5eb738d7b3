package storage

import (
	"errors"
	"fmt"
	"strings"
)

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

var ErrUnsupportedStore = errors.New("unsupported store backend")

// Kinds lists the backends a run record store can be opened with.
func Kinds() []string {
	return []string{KindMemory, KindSQLite}
}

// CheckKind reports whether kind names a known backend. It does not check
// that the backend is compiled in.
func CheckKind(kind string) error {
	switch kind {
	case "", KindMemory, KindSQLite:
		return nil
	default:
		return fmt.Errorf("%w: %q is not one of %s", ErrUnsupportedStore, kind, strings.Join(Kinds(), "|"))
	}
}

// NewStore opens the run record store of the given kind. sqlitePath is only
// read by the sqlite backend.
func NewStore(kind, sqlitePath string) (Store, error) {
	if err := CheckKind(kind); err != nil {
		return nil, err
	}
	if kind == KindSQLite {
		return newSQLiteStore(sqlitePath)
	}
	return NewMemoryStore(), nil
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
