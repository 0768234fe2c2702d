// Package local keeps one snapshot file per domain on the local filesystem.
package local

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/frontier"
	"github.com/JakeFAU/sitesearch/internal/hash/sha256"
)

const (
	formatVersion = 1
	fileExt       = ".json"
)

// ErrChecksumMismatch means a snapshot file was truncated or edited.
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// Config captures the parameters for the snapshot store.
type Config struct {
	// BaseDir is the directory holding one file per domain.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// SnapshotStore reads and atomically rewrites snapshot files.
type SnapshotStore struct {
	baseDir string
	hasher  *sha256.Hasher
}

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

type payload struct {
	ID       string           `json:"id"`
	BaseURL  string           `json:"base_url"`
	Priority string           `json:"priority"`
	State    crawler.State    `json:"state"`
	Pending  []frontier.Entry `json:"pending"`
	Visited  []frontier.Entry `json:"visited"`
}

// New creates the snapshot store, creating BaseDir when missing.
func New(cfg Config) (*SnapshotStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &SnapshotStore{baseDir: cfg.BaseDir, hasher: sha256.New()}, nil
}

// Path returns the snapshot file for id.
func (s *SnapshotStore) Path(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("domain id is required")
	}
	fullPath := filepath.Join(s.baseDir, id+fileExt)

	// Clean the path and verify it's within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(s.baseDir)
	if filepath.Dir(filepath.Clean(fullPath)) != cleanBaseDir {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// Save rewrites the snapshot of snap.DomainID. The previous file stays intact
// until the new one is fully on disk.
func (s *SnapshotStore) Save(snap crawler.Snapshot) error {
	path, err := s.Path(snap.DomainID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload{
		ID:       snap.DomainID,
		BaseURL:  snap.BaseURL,
		Priority: snap.Priority.String(),
		State:    snap.State,
		Pending:  orEmpty(snap.Pending),
		Visited:  orEmpty(snap.Visited),
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	sum, err := s.hasher.Hash(body)
	if err != nil {
		return fmt.Errorf("hash snapshot: %w", err)
	}
	data, err := json.Marshal(envelope{Version: formatVersion, Checksum: sum, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal snapshot envelope: %w", err)
	}
	return writeAtomic(path, data)
}

// Load reads the snapshot of id. Index items are never part of a snapshot
// file.
func (s *SnapshotStore) Load(id string) (crawler.Snapshot, error) {
	path, err := s.Path(id)
	if err != nil {
		return crawler.Snapshot{}, err
	}
	return s.load(path)
}

// LoadAll reads every snapshot, ordered by domain id. Unreadable files are
// skipped and reported in the joined error.
func (s *SnapshotStore) LoadAll() ([]crawler.Snapshot, error) {
	paths, err := filepath.Glob(filepath.Join(s.baseDir, "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Strings(paths)
	var (
		out  []crawler.Snapshot
		errs []error
	)
	for _, p := range paths {
		snap, err := s.load(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(p), err))
			continue
		}
		out = append(out, snap)
	}
	return out, errors.Join(errs...)
}

// Remove deletes the snapshot of id if present.
func (s *SnapshotStore) Remove(id string) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) load(path string) (crawler.Snapshot, error) {
	// #nosec G304 -- path is derived from the configured base directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot envelope: %w", err)
	}
	if env.Version != formatVersion {
		return crawler.Snapshot{}, fmt.Errorf("unsupported snapshot version %d", env.Version)
	}
	if !s.hasher.Equal(env.Payload, env.Checksum) {
		return crawler.Snapshot{}, ErrChecksumMismatch
	}
	var body payload
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	priority, err := crawler.ParsePriority(body.Priority)
	if err != nil {
		return crawler.Snapshot{}, err
	}
	return crawler.Snapshot{
		DomainID: body.ID,
		BaseURL:  body.BaseURL,
		Priority: priority,
		State:    body.State,
		Pending:  body.Pending,
		Visited:  body.Visited,
	}, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func orEmpty(entries []frontier.Entry) []frontier.Entry {
	if entries == nil {
		return []frontier.Entry{}
	}
	return entries
}
