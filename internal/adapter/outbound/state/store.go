// Package state persists the hub's advisory metadata: cached upstream
// capability listings (so restarts can serve tools/list before slow
// upstreams finish starting) and last-known-good config backups.
package state

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hatago-mcp/hatago/internal/port/outbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// Metadata is the on-disk document (metadata.json). It is advisory:
// the hub works without it, just with colder starts.
type Metadata struct {
	// UpdatedAt is when the document was last written (UTC).
	UpdatedAt time.Time `json:"updatedAt"`
	// Servers maps upstream ids to their cached state.
	Servers map[string]ServerMetadata `json:"servers"`
}

// ServerMetadata is the cached snapshot for one upstream.
type ServerMetadata struct {
	// Fingerprint ties the snapshot to a config definition; a changed
	// definition invalidates the cache.
	Fingerprint uint64 `json:"fingerprint"`
	// Capabilities is the last listing fetched from the upstream.
	Capabilities *mcp.Capabilities `json:"capabilities,omitempty"`
	// LastReadyAt is when the upstream last completed a handshake.
	LastReadyAt time.Time `json:"lastReadyAt,omitempty"`
}

// Store reads and writes metadata.json with atomic writes
// (write-tmp-then-rename) and file locking (flock cross-process, mutex
// in-process).
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewStore creates a store for the metadata file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Load reads and parses the metadata file. A missing file yields an
// empty document; a corrupt file is discarded with a warning, never an
// error, since the cache is advisory.
func (s *Store) Load() *Metadata {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("metadata read failed, starting cold", "path", s.path, "error", err)
		}
		return &Metadata{Servers: make(map[string]ServerMetadata)}
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		s.logger.Warn("metadata file corrupt, starting cold", "path", s.path, "error", err)
		return &Metadata{Servers: make(map[string]ServerMetadata)}
	}
	if meta.Servers == nil {
		meta.Servers = make(map[string]ServerMetadata)
	}
	return &meta
}

// Save writes the metadata atomically: tmp file, fsync, rename, under
// an flock so concurrent hub processes cannot interleave writes.
func (s *Store) Save(meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta.UpdatedAt = time.Now().UTC()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

var _ outbound.MetadataStore = (*Store)(nil)

// LoadServers implements outbound.MetadataStore.
func (s *Store) LoadServers() map[string]outbound.CachedServer {
	meta := s.Load()
	servers := make(map[string]outbound.CachedServer, len(meta.Servers))
	for id, sm := range meta.Servers {
		servers[id] = outbound.CachedServer{
			Fingerprint:  sm.Fingerprint,
			Capabilities: sm.Capabilities,
			LastReadyAt:  sm.LastReadyAt,
		}
	}
	return servers
}

// SaveServers implements outbound.MetadataStore.
func (s *Store) SaveServers(servers map[string]outbound.CachedServer) error {
	meta := &Metadata{Servers: make(map[string]ServerMetadata, len(servers))}
	for id, cs := range servers {
		meta.Servers[id] = ServerMetadata{
			Fingerprint:  cs.Fingerprint,
			Capabilities: cs.Capabilities,
			LastReadyAt:  cs.LastReadyAt,
		}
	}
	return s.Save(meta)
}

// BackupConfig copies a config file to path+".backup" before the hub
// adopts it, so an operator can roll back a bad edit.
func BackupConfig(path string) error {
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open config for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".backup", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write backup: %w", err)
	}
	return dst.Close()
}
