// Package eventlog implements the durable append-only envelope log: an
// in-memory sequence of raw frames, optionally mirrored to a file, with
// count/byte retention and snapshot-driven compaction (spec §4.3).
//
// The on-disk format is a flat sequence of length-prefixed frames, plain
// files rather than an embedded engine except where ncruces/go-sqlite3 is a
// better fit (see pkg/hub's audit trail). When Options.Compress is set the frame
// stream is wrapped in a klauspost/compress/zstd stream, since compaction
// rewrites routinely replay the full history and CRDT operation payloads
// compress well (repeated peer ids, op kinds, small integers).
package eventlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/rubiojr/plutus/pkg/log"
)

// Options configures a Log. Path empty means memory-only: entries live only
// for the process lifetime. MaxEntries and MaxBytes of 0 mean unbounded.
// Compress wraps the on-disk frame stream in zstd; it only affects the file
// format, not the in-memory Replay/Index view.
type Options struct {
	Path       string
	MaxEntries int
	MaxBytes   int64
	Compress   bool
}

// Log is an append-only sequence of opaque frames guarded by a single lock
// (spec §4.3 "Concurrency"). Readers call Replay to get a point-in-time copy
// and iterate it without holding the lock.
type Log struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	entries    [][]byte
	totalBytes int64
	maxEntries int
	maxBytes   int64
	compress   bool
	logger     *log.Logger
}

// Open creates a Log per opts, loading any existing on-disk entries first
// (tolerating a truncated trailing frame, per spec §4.3 "File format").
func Open(opts Options) (*Log, error) {
	l := &Log{
		path:       opts.Path,
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		compress:   opts.Compress,
		logger:     log.ForService("eventlog"),
	}

	if opts.Path == "" {
		return l, nil
	}

	if err := l.loadFromDisk(); err != nil {
		return nil, err
	}
	l.enforceRetentionLocked()

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("eventlog: creating directory for %s: %w", opts.Path, err)
	}
	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening %s: %w", opts.Path, err)
	}
	l.file = f

	// Retention may have trimmed entries loaded from a file that had grown
	// past the configured caps since it was last written; rewrite now so the
	// on-disk state matches what Replay reports. Compressed logs also always
	// rewrite once here: every write to a compressed log goes through
	// rewriteLocked (see Append), so Open must leave the file in that shape
	// even when nothing was trimmed.
	if opts.MaxEntries > 0 || opts.MaxBytes > 0 || l.compress {
		if err := l.rewriteLocked(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l *Log) loadFromDisk() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("eventlog: reading %s: %w", l.path, err)
	}
	if len(raw) == 0 {
		return nil
	}

	data := raw
	if l.compress {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("eventlog: creating zstd reader: %w", err)
		}
		defer decoder.Close()
		decoded, err := decoder.DecodeAll(raw, nil)
		if err != nil {
			return fmt.Errorf("eventlog: decompressing %s: %w", l.path, err)
		}
		data = decoded
	}

	offset := 0
	for offset+4 <= len(data) {
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		start := offset + 4
		end := start + int(length)
		if end < start || end > len(data) {
			// Truncated trailing frame: a crash mid-write. Stop cleanly
			// rather than raising (spec §4.3, §8.6).
			break
		}
		entry := append([]byte(nil), data[start:end]...)
		l.entries = append(l.entries, entry)
		l.totalBytes += int64(len(entry))
		offset = end
	}
	return nil
}

// Append adds entry to the in-memory log and, if file-backed, to disk.
// Retention caps are enforced afterwards; if they drop anything, the backing
// file is rewritten in full rather than merely appended to. A compressed log
// has no incremental append format (there is no clean way to extend a
// zstd-compressed frame stream in place), so every Append on a compressed
// log goes through a full rewrite instead.
func (l *Log) Append(entry []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := append([]byte(nil), entry...)

	if l.file != nil && !l.compress {
		if err := writeFrame(l.file, stored); err != nil {
			return fmt.Errorf("eventlog: appending to %s: %w", l.path, err)
		}
	}
	l.entries = append(l.entries, stored)
	l.totalBytes += int64(len(stored))

	trimmed := l.enforceRetentionLocked()
	if l.file != nil && (trimmed || l.compress) {
		if err := l.rewriteLocked(); err != nil {
			return err
		}
	}
	return nil
}

// enforceRetentionLocked drops the oldest entries until both caps are
// satisfied, returning whether anything was dropped. Must be called with
// l.mu held.
func (l *Log) enforceRetentionLocked() bool {
	dropped := false
	for l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		l.totalBytes -= int64(len(l.entries[0]))
		l.entries = l.entries[1:]
		dropped = true
	}
	for l.maxBytes > 0 && l.totalBytes > l.maxBytes && len(l.entries) > 0 {
		l.totalBytes -= int64(len(l.entries[0]))
		l.entries = l.entries[1:]
		dropped = true
	}
	return dropped
}

// rewriteLocked replaces the backing file with exactly l.entries (an
// open-truncate-write), then reopens it for appending. Must be called with
// l.mu held and l.file non-nil.
func (l *Log) rewriteLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("eventlog: closing %s before rewrite: %w", l.path, err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("eventlog: truncating %s: %w", l.path, err)
	}

	if l.compress {
		encoder, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("eventlog: creating zstd writer for %s: %w", l.path, err)
		}
		for _, e := range l.entries {
			if err := writeFrame(encoder, e); err != nil {
				encoder.Close()
				f.Close()
				return fmt.Errorf("eventlog: rewriting %s: %w", l.path, err)
			}
		}
		if err := encoder.Close(); err != nil {
			f.Close()
			return fmt.Errorf("eventlog: flushing zstd stream for %s: %w", l.path, err)
		}
	} else {
		for _, e := range l.entries {
			if err := writeFrame(f, e); err != nil {
				f.Close()
				return fmt.Errorf("eventlog: rewriting %s: %w", l.path, err)
			}
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("eventlog: closing %s after rewrite: %w", l.path, err)
	}

	appendFile, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("eventlog: reopening %s for append: %w", l.path, err)
	}
	l.file = appendFile
	return nil
}

func writeFrame(w io.Writer, entry []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(entry)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(entry)
	return err
}

// Replay returns a snapshot of the current entries, in order. Callers
// iterate the returned slice without holding the log's lock.
func (l *Log) Replay() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.entries))
	for i, e := range l.entries {
		out[i] = append([]byte(nil), e...)
	}
	return out
}

// Len returns the current number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Index returns the entry at position i, or false if out of range.
func (l *Log) Index(i int) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.entries) {
		return nil, false
	}
	return append([]byte(nil), l.entries[i]...), true
}

// Compact drops every in-memory entry and, if file-backed, rewrites the
// backing file as empty. The snapshot itself is not stored here; the caller
// persists it elsewhere (spec §4.3). An empty snapshot is accepted but
// logged as suspicious, since it usually indicates a caller bug.
func (l *Log) Compact(snapshot []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(snapshot) == 0 {
		l.logger.Warnf("compact called with an empty snapshot")
	}

	l.entries = nil
	l.totalBytes = 0
	if l.file == nil {
		return nil
	}
	return l.rewriteLocked()
}

// Close releases the backing file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
