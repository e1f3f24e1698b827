package indexio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is a flat namespace of serialized index objects.
//
// Create returns a sink whose Close commits the object atomically; nothing
// is visible under key until then. Sinks also implement Abort to discard a
// partial object.
type Store interface {
	Create(ctx context.Context, key string) (io.WriteCloser, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	Name() string
}

// NotFoundError indicates a key is absent from a store.
type NotFoundError struct {
	Store string
	Key   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: object not found: %s", e.Store, e.Key)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// ErrInvalidKey is returned for empty keys or keys escaping the store root.
var ErrInvalidKey = errors.New("invalid object key")

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// NewOutput opens a port that writes key in s. Close the returned Writer to
// commit, or Abort it to discard.
func NewOutput(ctx context.Context, s Store, key string, opts ...Option) (*Writer, error) {
	sink, err := s.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(ctx, sink, append([]Option{WithBackend(s.Name())}, opts...)...)
	if err != nil {
		if a, ok := sink.(aborter); ok {
			_ = a.Abort(err)
		} else {
			_ = sink.Close()
		}
		return nil, err
	}
	return w, nil
}

// NewInput opens a port that reads key from s.
func NewInput(ctx context.Context, s Store, key string, opts ...Option) (*Reader, error) {
	src, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(ctx, src, append([]Option{WithBackend(s.Name())}, opts...)...)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return r, nil
}

// FileStore keeps objects as files below a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Name() string { return "file" }

// Root returns the directory objects live in.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Create writes to a temp file that is renamed into place on Close.
func (s *FileStore) Create(_ context.Context, key string) (io.WriteCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f, dst: p}, nil
}

type fileSink struct {
	f    *os.File
	dst  string
	done bool
}

func (w *fileSink) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *fileSink) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.f.Name())
		return err
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return err
	}
	return os.Rename(w.f.Name(), w.dst)
}

func (w *fileSink) Abort(error) error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	return os.Remove(w.f.Name())
}

func (s *FileStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Store: s.Name(), Key: key}
	}
	return f, err
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{Store: s.Name(), Key: key}
	}
	return err
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// MemStore keeps objects in memory. Used by tests and the in-process build
// service when no durable backend is configured.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Name() string { return "memory" }

func (s *MemStore) Create(_ context.Context, key string) (io.WriteCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return &memSink{store: s, key: key}, nil
}

type memSink struct {
	store *MemStore
	key   string
	buf   bytes.Buffer
	done  bool
}

func (w *memSink) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memSink) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.store.mu.Lock()
	w.store.objects[w.key] = w.buf.Bytes()
	w.store.mu.Unlock()
	return nil
}

func (w *memSink) Abort(error) error {
	w.done = true
	w.buf.Reset()
	return nil
}

func (s *MemStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Store: s.Name(), Key: key}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return &NotFoundError{Store: s.Name(), Key: key}
	}
	delete(s.objects, key)
	return nil
}

func (s *MemStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemStore)(nil)
)
