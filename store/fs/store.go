package fs

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"lockable-resources/store"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// Store keeps the snapshot as a single YAML document at an afs URL
// (local path, file://, gs://, s3:// depending on registered schemes).
type Store struct {
	URL string
	fs  afs.Service
	mu  sync.Mutex
}

var _ store.Store = (*Store)(nil)

func New(fs afs.Service, URL string) (*Store, error) {
	if URL == "" {
		return nil, fmt.Errorf("state URL cannot be empty")
	}
	if fs == nil {
		fs = afs.New()
	}
	return &Store{URL: URL, fs: fs}, nil
}

func (s *Store) Load(ctx context.Context) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.fs.Exists(ctx, s.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to check state %s: %w", s.URL, err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, s.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", s.URL, err)
	}
	return store.Decode(data)
}

func (s *Store) Save(ctx context.Context, snap *store.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("cannot save nil snapshot")
	}
	data, err := store.Encode(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Upload(ctx, s.URL, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to save state to %s: %w", s.URL, err)
	}
	return nil
}
