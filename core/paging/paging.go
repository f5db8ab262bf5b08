// Package paging defines the page controller abstraction the object directory
// uses to move cold entities out of memory, together with its implementations.
//
// A controller is bound to exactly one database between Bind and Unbind. While
// bound, Write persists an opaque payload and returns a StorageKey that Read
// later resolves back to byte-identical content. The key's shape belongs to the
// controller: FileController issues file offsets, SQLiteController issues row
// ids, and the directory never looks inside either.
//
// Controllers are not safe for concurrent use by multiple databases; each
// database owns its own controller instance.
package paging

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/dwgcore/core/handle"
)

// Mode is the capability set a controller reports.
type Mode uint8

const (
	// ModeUnload means resident values may be dropped and rebuilt from source.
	ModeUnload Mode = 1 << iota
	// ModePage means Write/Read persist eviction payloads.
	ModePage
	// ModeSuppressAutoEnqueue stops idle entities being nominated automatically.
	ModeSuppressAutoEnqueue
)

// Has reports whether every capability in o is present in m.
func (m Mode) Has(o Mode) bool {
	return m&o == o
}

func (m Mode) String() string {
	var parts []string
	if m.Has(ModeUnload) {
		parts = append(parts, "unload")
	}
	if m.Has(ModePage) {
		parts = append(parts, "page")
	}
	if m.Has(ModeSuppressAutoEnqueue) {
		parts = append(parts, "suppress-auto-enqueue")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Verdict is a controller's answer to a proposed eviction.
type Verdict int

const (
	// Continue evicts the entity.
	Continue Verdict = iota
	// Skip leaves the entity resident and nominated for the next flush.
	Skip
	// StopBatch abandons the rest of the current flush.
	StopBatch
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Skip:
		return "skip"
	case StopBatch:
		return "stop-batch"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// BeforePageFunc vetoes or allows the eviction of one entity.
type BeforePageFunc func(h handle.Handle) Verdict

// StorageKey locates one paged payload. Only the controller that issued a key
// can interpret it.
type StorageKey interface {
	String() string
}

// Controller moves entity payloads between memory and a backing store.
type Controller interface {
	// Name identifies the controller in logs.
	Name() string

	// Mode reports the controller's capabilities.
	Mode() Mode

	// Bind attaches the controller to a database and acquires its backing store.
	Bind(db uuid.UUID) error

	// Unbind releases the backing store. It is safe to call when unbound.
	Unbind() error

	// Write persists payload and returns the key that reads it back.
	Write(payload []byte) (StorageKey, error)

	// Read returns the payload stored under key.
	Read(key StorageKey) ([]byte, error)

	// BeforePage is consulted by the orchestrator before each eviction.
	BeforePage(h handle.Handle) Verdict
}

// Discarder is implemented by controllers that can release a key whose
// payload will never be read, such as a paged-out entry replaced by undo.
type Discarder interface {
	Discard(key StorageKey) error
}

// Policy carries the hooks every controller shares.
type Policy struct {
	// BeforePage overrides the default Continue verdict.
	BeforePage BeforePageFunc

	// SuppressAutoEnqueue adds ModeSuppressAutoEnqueue to the controller's mode.
	SuppressAutoEnqueue bool
}

func (p Policy) verdict(h handle.Handle) Verdict {
	if p.BeforePage == nil {
		return Continue
	}
	return p.BeforePage(h)
}

func (p Policy) mode(base Mode) Mode {
	if p.SuppressAutoEnqueue {
		return base | ModeSuppressAutoEnqueue
	}
	return base
}

// scratchName derives the backing-store file name for a database.
func scratchName(db uuid.UUID, ext string) string {
	return "dwgpage-" + db.String() + ext
}
