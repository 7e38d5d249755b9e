// Package buffer implements the block-oriented, cursor-addressed file I/O
// abstraction every other subsystem persists through (spec.md 4.1). It
// plays the role the teacher's store/primary/gsfaprimary.go and
// store/freelist/freelist.go play for their own formats: a single
// *os.File wrapped in a buffered writer, with little-endian primitives
// and explicit Flush/Sync semantics, generalized here to caller-named
// cursors instead of one implicit write position.
package buffer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/vectorhash/internal/errs"
)

var log = logging.Logger("vectorhash/buffer")

const writeBufferSize = 16 * 4096 // same rationale as the teacher's blockBufferSize: one Linux pipe page run

// CursorId names an open read/write position. It is opaque to callers;
// internally it is a uuid so cursors handed out by independent
// BufferManagers never collide when logged or compared across files.
type CursorId string

// SeekOrigin mirrors io.Seek's three origins without forcing callers to
// import "io" just to open a cursor.
type SeekOrigin int

const (
	SeekStart SeekOrigin = iota
	SeekCurrent
	SeekEnd
)

// BufIoError is the typed failure surfaced by every BufferManager method,
// per spec.md 4.1.
type BufIoError struct {
	Kind BufIoErrorKind
	Err  error
}

type BufIoErrorKind int

const (
	IoError BufIoErrorKind = iota
	LockingError
	EOFError
)

func (e *BufIoError) Error() string {
	switch e.Kind {
	case LockingError:
		return fmt.Sprintf("buffer manager: locking error: %v", e.Err)
	case EOFError:
		return "buffer manager: unexpected EOF"
	default:
		return fmt.Sprintf("buffer manager: io error: %v", e.Err)
	}
}

func (e *BufIoError) Unwrap() error { return e.Err }

func ioErr(err error) *BufIoError {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &BufIoError{Kind: EOFError, Err: err}
	}
	return &BufIoError{Kind: IoError, Err: err}
}

type cursor struct {
	mu  sync.Mutex
	pos int64
}

// Manager is concrete byte-level file I/O abstracted by named cursors so
// callers can interleave independent reads and writes against one
// underlying file. Per spec.md 4.1, write sessions are serialized per file
// (writeMu) while read cursors may proceed concurrently with each other.
type Manager struct {
	path string
	file *os.File

	writeMu sync.Mutex
	writer  *bufio.Writer

	cursorMu sync.RWMutex
	cursors  map[CursorId]*cursor
}

// Open opens (creating if necessary) the file at path for buffered,
// cursor-addressed access.
func Open(path string) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.StorageIOErr("buffer.Open", err)
	}
	return &Manager{
		path:    path,
		file:    f,
		writer:  bufio.NewWriterSize(f, writeBufferSize),
		cursors: make(map[CursorId]*cursor),
	}, nil
}

// OpenCursor allocates a new cursor positioned at the start of the file.
func (m *Manager) OpenCursor() CursorId {
	id := CursorId(uuid.NewString())
	m.cursorMu.Lock()
	m.cursors[id] = &cursor{}
	m.cursorMu.Unlock()
	return id
}

// CloseCursor releases a cursor. It is a no-op on an unknown id.
func (m *Manager) CloseCursor(id CursorId) {
	m.cursorMu.Lock()
	delete(m.cursors, id)
	m.cursorMu.Unlock()
}

func (m *Manager) getCursor(id CursorId) (*cursor, *BufIoError) {
	m.cursorMu.RLock()
	c, ok := m.cursors[id]
	m.cursorMu.RUnlock()
	if !ok {
		return nil, &BufIoError{Kind: LockingError, Err: fmt.Errorf("unknown cursor %q", id)}
	}
	return c, nil
}

// SeekWithCursor repositions id relative to origin and returns the
// resulting absolute offset.
func (m *Manager) SeekWithCursor(id CursorId, origin SeekOrigin, offset int64) (uint64, *BufIoError) {
	c, err := m.getCursor(id)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch origin {
	case SeekStart:
		c.pos = offset
	case SeekCurrent:
		c.pos += offset
	case SeekEnd:
		// Flush so file.Seek(End) accounts for buffered-but-unflushed writes.
		if ferr := m.flushLocked(); ferr != nil {
			return 0, ioErr(ferr)
		}
		info, serr := m.file.Stat()
		if serr != nil {
			return 0, ioErr(serr)
		}
		c.pos = info.Size() + offset
	}
	if c.pos < 0 {
		c.pos = 0
	}
	return uint64(c.pos), nil
}

// CursorPosition returns id's current absolute offset.
func (m *Manager) CursorPosition(id CursorId) (uint64, *BufIoError) {
	c, err := m.getCursor(id)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.pos), nil
}

// Read fills buf starting at id's position and advances the cursor by
// len(buf). Concurrent cursors reading different regions of the same file
// do not block each other; ReadAt on *os.File is inherently concurrency
// safe.
func (m *Manager) Read(id CursorId, buf []byte) *BufIoError {
	c, err := m.getCursor(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	pos := c.pos
	c.mu.Unlock()

	n, rerr := m.file.ReadAt(buf, pos)
	if rerr != nil && !(rerr == io.EOF && n == len(buf)) {
		return ioErr(rerr)
	}
	c.mu.Lock()
	c.pos += int64(n)
	c.mu.Unlock()
	return nil
}

// Write writes data at id's position directly with WriteAt (after flushing
// the buffered writer) and advances the cursor. Per spec.md 4.1 write
// sessions are serialized per file.
func (m *Manager) Write(id CursorId, data []byte) *BufIoError {
	c, err := m.getCursor(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	pos := c.pos
	c.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if werr := m.flushLocked(); werr != nil {
		return ioErr(werr)
	}
	n, werr := m.file.WriteAt(data, pos)
	if werr != nil {
		return ioErr(werr)
	}
	c.mu.Lock()
	c.pos += int64(n)
	c.mu.Unlock()
	return nil
}

func (m *Manager) ReadU8(id CursorId) (uint8, *BufIoError) {
	var b [1]byte
	if err := m.Read(id, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Manager) WriteU8(id CursorId, v uint8) *BufIoError {
	return m.Write(id, []byte{v})
}

func (m *Manager) ReadU32(id CursorId) (uint32, *BufIoError) {
	var b [4]byte
	if err := m.Read(id, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *Manager) WriteU32(id CursorId, v uint32) *BufIoError {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(id, b[:])
}

func (m *Manager) flushLocked() error {
	return m.writer.Flush()
}

// Sync fsyncs the backing file. Because Write above writes directly
// through WriteAt (needed so cursors can seek-and-overwrite placeholders,
// per the serializer's two-pass layout in spec.md 4.5), the buffered writer
// holds nothing to flush here and Sync only needs to fsync.
func (m *Manager) Sync() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.file.Sync(); err != nil {
		return errs.StorageIOErr("buffer.Sync", err)
	}
	return nil
}

func (m *Manager) Close() error {
	if err := m.Sync(); err != nil {
		log.Warnw("sync on close failed", "path", m.path, "err", err)
	}
	return m.file.Close()
}

// Size returns the current length of the backing file.
func (m *Manager) Size() (int64, error) {
	info, err := m.file.Stat()
	if err != nil {
		return 0, errs.StorageIOErr("buffer.Size", err)
	}
	return info.Size(), nil
}

func (m *Manager) Path() string { return m.path }
