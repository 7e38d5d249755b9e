package buffer

import (
	"path/filepath"
	"sync"

	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/version"
)

// NameFunc derives a file name from a root directory and a version hash,
// e.g. "<version>.index" or "<version>.vec_raw" per spec.md 6.
type NameFunc func(rootDir string, v version.Hash) string

// IndexFileName and VecRawFileName are the two NameFuncs named in spec.md 6.
func IndexFileName(rootDir string, v version.Hash) string {
	return filepath.Join(rootDir, fmtHash(v)+".index")
}

func VecRawFileName(rootDir string, v version.Hash) string {
	return filepath.Join(rootDir, fmtHash(v)+".vec_raw")
}

func fmtHash(v version.Hash) string {
	return version.Hash(v).String()
}

// Factory maps (rootDir, versionHash) -> *Manager via a caller-supplied
// naming function, memoizing open handles so factories are safe to share
// across goroutines (spec.md 4.1).
type Factory struct {
	rootDir string
	name    NameFunc

	mu      sync.Mutex
	opened  map[string]*Manager
}

func NewFactory(rootDir string, name NameFunc) *Factory {
	return &Factory{
		rootDir: rootDir,
		name:    name,
		opened:  make(map[string]*Manager),
	}
}

// Get returns the memoized Manager for v, opening it on first use.
func (f *Factory) Get(v version.Hash) (*Manager, error) {
	path := f.name(f.rootDir, v)

	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.opened[path]; ok {
		return m, nil
	}
	m, err := Open(path)
	if err != nil {
		return nil, errs.StorageIOErr("buffer.Factory.Get", err)
	}
	f.opened[path] = m
	return m, nil
}

// CloseAll closes every Manager this factory has opened.
func (f *Factory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for path, m := range f.opened {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.opened, path)
	}
	return firstErr
}
