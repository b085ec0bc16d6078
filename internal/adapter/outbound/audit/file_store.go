// Package audit provides file-based audit persistence in JSON Lines
// format with size-based rotation and asynchronous writes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hatago-mcp/hatago/internal/domain/audit"
)

const (
	// DefaultMaxFileSize is the rotation threshold for one log file.
	DefaultMaxFileSize = 10 * 1024 * 1024 // 10MB

	// DefaultGenerations is how many rotated files are kept.
	DefaultGenerations = 5

	// writeQueueSize bounds the async write channel. When full, records
	// are dropped rather than blocking hub operations.
	writeQueueSize = 1024
)

// FileConfig holds configuration for the file-based audit store.
type FileConfig struct {
	// Path is the active log file; rotations get numeric suffixes
	// (audit.jsonl.1 is the newest rotated generation).
	Path string
	// MaxFileSize is the rotation threshold in bytes (default 10MB).
	MaxFileSize int64
	// Generations is how many rotated files to keep (default 5).
	Generations int
}

// FileStore implements audit.Store with JSONL appends, size rotation,
// and a background writer so callers never block on disk I/O.
type FileStore struct {
	path        string
	maxFileSize int64
	generations int
	logger      *slog.Logger

	mu      sync.Mutex
	file    *os.File
	size    int64
	closed  bool
	queue   chan audit.Record
	flushed chan chan struct{}
	done    chan struct{}
}

var _ audit.Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) the audit log and starts the
// background writer.
func NewFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Generations <= 0 {
		cfg.Generations = DefaultGenerations
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileStore{
		path:        cfg.Path,
		maxFileSize: cfg.MaxFileSize,
		generations: cfg.Generations,
		logger:      logger,
		queue:       make(chan audit.Record, writeQueueSize),
		flushed:     make(chan chan struct{}),
		done:        make(chan struct{}),
	}
	if err := s.open(); err != nil {
		return nil, err
	}

	go s.writeLoop()
	return s, nil
}

func (s *FileStore) open() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Record queues one audit record. Fire and forget: when the queue is
// full the record is dropped with a log line, never blocking the hub.
func (s *FileStore) Record(_ context.Context, rec audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Non-blocking send under the lock so Close cannot slam the queue
	// shut mid-send.
	select {
	case s.queue <- rec:
	default:
		s.logger.Warn("audit queue full, record dropped", "event", rec.Event)
	}
}

// Flush blocks until every queued record is on disk.
func (s *FileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	ack := make(chan struct{})
	select {
	case s.flushed <- ack:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the file. Safe to call more than
// once.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Sync()
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// writeLoop is the single writer goroutine.
func (s *FileStore) writeLoop() {
	defer close(s.done)

	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				return
			}
			s.write(rec)
		case ack := <-s.flushed:
			closed := s.drainQueued()
			_ = s.sync()
			close(ack)
			if closed {
				return
			}
		}
	}
}

// drainQueued writes everything already queued without blocking.
// Reports whether the queue has been closed.
func (s *FileStore) drainQueued() bool {
	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				return true
			}
			s.write(rec)
		default:
			return false
		}
	}
}

func (s *FileStore) write(rec audit.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("audit record marshal failed", "error", err)
		return
	}
	line := append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size+int64(len(line)) > s.maxFileSize {
		if err := s.rotateLocked(); err != nil {
			s.logger.Error("audit rotation failed", "error", err)
			// Keep appending to the oversized file rather than lose
			// the record.
		}
	}

	n, err := s.file.Write(line)
	if err != nil {
		s.logger.Error("audit write failed", "error", err)
		return
	}
	s.size += int64(n)
}

func (s *FileStore) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// rotateLocked shifts audit.jsonl.N up by one, dropping the oldest
// generation, and reopens a fresh active file. Must hold s.mu.
func (s *FileStore) rotateLocked() error {
	_ = s.file.Sync()
	_ = s.file.Close()
	s.file = nil

	// audit.jsonl.5 falls off; .4 -> .5, ..., active -> .1
	oldest := fmt.Sprintf("%s.%d", s.path, s.generations)
	_ = os.Remove(oldest)
	for i := s.generations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return fmt.Errorf("rotate active file: %w", err)
	}

	return s.open()
}
