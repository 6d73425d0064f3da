package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vietddude/muniwatch/internal/core/domain"
)

// Store persists whole cache snapshots.
type Store interface {
	// Load returns the last saved snapshot. A store that has never been
	// written returns an empty map and no error.
	Load(ctx context.Context) (map[string]domain.CacheEntry, error)

	// Save replaces the persisted snapshot.
	Save(ctx context.Context, entries map[string]domain.CacheEntry) error

	// Stat describes where the snapshot lives.
	Stat() StoreStat

	Close() error
}

// StoreStat describes a store's backing location.
type StoreStat struct {
	Location  string
	Exists    bool
	SizeBytes int64
}

// NopStore keeps nothing.
type NopStore struct{}

func (NopStore) Load(context.Context) (map[string]domain.CacheEntry, error) {
	return map[string]domain.CacheEntry{}, nil
}

func (NopStore) Save(context.Context, map[string]domain.CacheEntry) error { return nil }

func (NopStore) Stat() StoreStat { return StoreStat{Location: "memory"} }

func (NopStore) Close() error { return nil }

const (
	DataFileName     = "transit_data.json"
	MetadataFileName = "cache_metadata.json"
)

// Metadata is written next to the data file on every save.
type Metadata struct {
	LastSaved     time.Time `json:"last_saved"`
	EntryCount    int       `json:"entry_count"`
	FileSizeBytes int64     `json:"file_size_bytes"`
}

// FileStore keeps the snapshot as JSON files in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) dataPath() string     { return filepath.Join(s.dir, DataFileName) }
func (s *FileStore) metadataPath() string { return filepath.Join(s.dir, MetadataFileName) }

// Load reads transit_data.json.
func (s *FileStore) Load(ctx context.Context) (map[string]domain.CacheEntry, error) {
	data, err := os.ReadFile(s.dataPath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]domain.CacheEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	entries := map[string]domain.CacheEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse cache file: %w", err)
	}
	return entries, nil
}

// Save writes the snapshot to a temporary file and renames it into place,
// then writes the metadata file the same way.
func (s *FileStore) Save(ctx context.Context, entries map[string]domain.CacheEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := writeAtomic(s.dataPath(), data); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(Metadata{
		LastSaved:     time.Now().UTC(),
		EntryCount:    len(entries),
		FileSizeBytes: int64(len(data)),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	return writeAtomic(s.metadataPath(), meta)
}

// Stat reports the data file location and size.
func (s *FileStore) Stat() StoreStat {
	st := StoreStat{Location: s.dir}
	if fi, err := os.Stat(s.dataPath()); err == nil {
		st.Exists = true
		st.SizeBytes = fi.Size()
	}
	return st
}

func (s *FileStore) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
