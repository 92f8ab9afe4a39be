// Package atomicfile gives every other contextd subsystem its durability
// primitive: a file is either the prior content or the new content, never
// partial, even under crash or concurrent reader. No teacher package
// implements this directly (BoltDB owns its own durability), but the
// temp-file-then-rename discipline here is the same one bbolt itself relies
// on at a lower level.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/idgen"
	"golang.org/x/sys/unix"
)

// WriteAtomic writes data to path such that readers only ever observe the
// prior content or the new content in full: write to a sibling temp file,
// fsync it, rename over path, then fsync the parent directory so the
// rename itself survives a crash.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return contexterr.Wrap(contexterr.KindIO, "create parent directory", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%s", filepath.Base(path), idgen.New()))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "create temp file", err)
	}
	defer os.Remove(tmp) // no-op once the rename below succeeds

	if _, err := f.Write(data); err != nil {
		f.Close()
		return contexterr.Wrap(contexterr.KindIO, "write temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return contexterr.Wrap(contexterr.KindIO, "sync temp file", err)
	}
	if err := f.Close(); err != nil {
		return contexterr.Wrap(contexterr.KindIO, "close temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return contexterr.Wrap(contexterr.KindIO, "rename into place", err)
	}

	if dirf, err := os.Open(dir); err == nil {
		_ = dirf.Sync()
		_ = dirf.Close()
	}
	return nil
}

// AppendHandle is a durable, per-line-synced append-only writer, optionally
// guarded by an advisory cross-process file lock.
type AppendHandle struct {
	mu      sync.Mutex
	f       *os.File
	locked  bool
	nextSeq uint64
}

// LockMode selects whether OpenAppend takes an advisory flock, matching the
// ledger_lock_mode configuration option.
type LockMode string

const (
	LockAdvisory LockMode = "advisory"
	LockNone     LockMode = "none"
)

// OpenAppend opens path for append, creating it if absent, and takes an
// advisory lock per mode. On platforms or filesystems that don't support
// flock, the lock attempt is best-effort: failure falls back to the
// single-writer assumption spec.md §4.2 allows rather than failing open.
func OpenAppend(path string, mode LockMode, startSeq uint64) (*AppendHandle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "create parent directory", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "open append handle", err)
	}

	h := &AppendHandle{f: f, nextSeq: startSeq}
	if mode == LockAdvisory {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == nil {
			h.locked = true
		}
	}
	return h, nil
}

// Append writes one line (without its trailing newline) with a per-line
// fsync and returns the sequence number assigned to it.
func (h *AppendHandle) Append(line []byte) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := h.nextSeq
	if _, err := h.f.Write(append(append([]byte{}, line...), '\n')); err != nil {
		return 0, contexterr.Wrap(contexterr.KindIO, "append line", err)
	}
	if err := h.f.Sync(); err != nil {
		return 0, contexterr.Wrap(contexterr.KindIO, "sync append", err)
	}
	h.nextSeq++
	return seq, nil
}

// Close releases the lock (if held) and closes the file.
func (h *AppendHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked {
		_ = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	}
	return h.f.Close()
}
