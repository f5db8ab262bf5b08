package paging

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// RecordHeaderSize is the length prefix written before every payload.
const RecordHeaderSize = 4

// FileOffset is the StorageKey issued by FileController.
type FileOffset int64

func (o FileOffset) String() string {
	return "@" + strconv.FormatInt(int64(o), 10)
}

// FileConfig configures a FileController.
type FileConfig struct {
	// Dir holds the scratch file. Empty means os.TempDir().
	Dir string

	// Checksums keeps a BLAKE3 digest of every live record in memory and
	// verifies it on Read. Digests are never written to the scratch file.
	Checksums bool

	Policy Policy
}

// FileStats describes the scratch file and allocator.
type FileStats struct {
	Path      string
	EOF       int64 // Current end-of-file offset
	FreeSlots int   // Offsets waiting on the free list
	Writes    int64
	Reuses    int64 // Writes that landed on a freed slot
	Reads     int64
}

// FileController pages payloads into a scratch file using a segregated free
// list: freed offsets are bucketed by exact payload length and reused LIFO.
//
// A slot is freed the moment it is read back, on the expectation that the same
// entity will be evicted again at the same size. This is only sound because a
// key is read at most once; the directory drops a key as soon as it pages the
// entity in.
type FileController struct {
	mu sync.Mutex

	dir       string
	checksums bool
	policy    Policy

	db      uuid.UUID
	path    string
	file    *os.File
	eof     int64
	free    map[uint32][]int64
	digests map[int64][32]byte
	stats   FileStats
}

// NewFileController creates an unbound file-backed controller.
func NewFileController(cfg FileConfig) *FileController {
	dir := cfg.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return &FileController{
		dir:       dir,
		checksums: cfg.Checksums,
		policy:    cfg.Policy,
	}
}

func (c *FileController) Name() string { return "file" }

func (c *FileController) Mode() Mode { return c.policy.mode(ModeUnload | ModePage) }

// Bind creates the scratch file exclusively for db.
func (c *FileController) Bind(db uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file != nil {
		return errors.NewPaging("bind", "", fmt.Errorf("already bound to %s", c.db))
	}

	path := filepath.Join(c.dir, scratchName(db, ".swp"))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.NewPaging("bind", "", fmt.Errorf("%w: %w", errors.ErrBackingStoreUnavailable, err))
	}

	c.db = db
	c.path = path
	c.file = f
	c.eof = 0
	c.free = make(map[uint32][]int64)
	c.digests = make(map[int64][32]byte)
	c.stats = FileStats{Path: path}

	logging.ControllerLifecycle("bind", c.Name(), db.String(), "path", path)
	return nil
}

// Unbind closes and deletes the scratch file.
func (c *FileController) Unbind() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil
	}

	closeErr := c.file.Close()
	removeErr := os.Remove(c.path)
	logging.ControllerLifecycle("unbind", c.Name(), c.db.String(), "path", c.path, "eof", c.eof)

	c.file = nil
	c.free = nil
	c.digests = nil
	c.db = uuid.Nil

	if closeErr != nil {
		return errors.NewIO("close", c.path, closeErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return errors.NewIO("remove", c.path, removeErr)
	}
	return nil
}

// Path returns the scratch file path, or "" when unbound.
func (c *FileController) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return ""
	}
	return c.path
}

// Write stores payload at a reused slot of the same length or at end-of-file.
func (c *FileController) Write(payload []byte) (StorageKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil, errors.NewPaging("write", "", errors.ErrNotBound)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, errors.NewPaging("write", "", errors.ErrPayloadTooLarge)
	}

	n := uint32(len(payload))
	offset, reused := c.allocate(n)

	record := make([]byte, RecordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(record, n)
	copy(record[RecordHeaderSize:], payload)

	if _, err := c.file.WriteAt(record, offset); err != nil {
		if reused {
			c.free[n] = append(c.free[n], offset)
		}
		return nil, errors.NewPaging("write", FileOffset(offset).String(), errors.NewIO("write", c.path, err))
	}

	if reused {
		c.stats.Reuses++
	} else {
		c.eof += int64(len(record))
	}
	c.stats.Writes++
	if c.checksums {
		c.digests[offset] = blake3.Sum256(payload)
	}

	return FileOffset(offset), nil
}

// allocate pops the most recently freed slot of exactly n bytes, or returns
// the current end-of-file.
func (c *FileController) allocate(n uint32) (int64, bool) {
	slots := c.free[n]
	if len(slots) == 0 {
		return c.eof, false
	}
	offset := slots[len(slots)-1]
	if len(slots) == 1 {
		delete(c.free, n)
	} else {
		c.free[n] = slots[:len(slots)-1]
	}
	return offset, true
}

// Read returns the payload at key. The slot joins the free list as soon as its
// length prefix has been read. With checksums on, a key that is no longer live
// is rejected before it can be freed a second time.
func (c *FileController) Read(key StorageKey) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil, errors.NewPaging("read", keyString(key), errors.ErrNotBound)
	}
	k, ok := key.(FileOffset)
	if !ok {
		return nil, errors.NewPaging("read", keyString(key), fmt.Errorf("foreign storage key %T", key))
	}
	offset := int64(k)

	if offset < 0 || offset+RecordHeaderSize > c.eof {
		return nil, c.corrupt(offset, "offset outside scratch file")
	}
	var want [32]byte
	if c.checksums {
		digest, live := c.digests[offset]
		if !live {
			return nil, c.corrupt(offset, "no live record at offset")
		}
		want = digest
	}

	var hdr [RecordHeaderSize]byte
	if _, err := c.file.ReadAt(hdr[:], offset); err != nil {
		return nil, errors.NewPaging("read", k.String(), errors.NewIO("read", c.path, err))
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	c.free[n] = append(c.free[n], offset)
	delete(c.digests, offset)

	if offset+RecordHeaderSize+int64(n) > c.eof {
		return nil, c.corrupt(offset, fmt.Sprintf("record length %d runs past end of file", n))
	}

	payload := make([]byte, n)
	if _, err := c.file.ReadAt(payload, offset+RecordHeaderSize); err != nil && err != io.EOF {
		return nil, errors.NewPaging("read", k.String(), errors.NewIO("read", c.path, err))
	}
	c.stats.Reads++

	if c.checksums && blake3.Sum256(payload) != want {
		return nil, c.corrupt(offset, "digest mismatch")
	}

	return payload, nil
}

// Discard frees the slot at key without reading its payload.
func (c *FileController) Discard(key StorageKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return errors.NewPaging("discard", keyString(key), errors.ErrNotBound)
	}
	k, ok := key.(FileOffset)
	if !ok {
		return errors.NewPaging("discard", keyString(key), fmt.Errorf("foreign storage key %T", key))
	}
	offset := int64(k)
	if offset < 0 || offset+RecordHeaderSize > c.eof {
		return c.corrupt(offset, "offset outside scratch file")
	}
	if _, live := c.digests[offset]; c.checksums && !live {
		return c.corrupt(offset, "no live record at offset")
	}

	var hdr [RecordHeaderSize]byte
	if _, err := c.file.ReadAt(hdr[:], offset); err != nil {
		return errors.NewPaging("discard", k.String(), errors.NewIO("read", c.path, err))
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	c.free[n] = append(c.free[n], offset)
	delete(c.digests, offset)
	return nil
}

func (c *FileController) BeforePage(h handle.Handle) Verdict {
	return c.policy.verdict(h)
}

// Stats returns a snapshot of allocator counters.
func (c *FileController) Stats() FileStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.EOF = c.eof
	s.FreeSlots = 0
	for _, slots := range c.free {
		s.FreeSlots += len(slots)
	}
	return s
}

func (c *FileController) corrupt(offset int64, reason string) error {
	logging.CorruptionEvent(c.path, offset, reason)
	return errors.NewCorruption(c.path, offset, reason)
}

func keyString(key StorageKey) string {
	if key == nil {
		return ""
	}
	return key.String()
}
