package directory

import (
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/paging"
)

// EntityState is the sum of the four states a handle can be in:
// Resident, PagedOut, Erased and Pending. Consumers switch on the concrete
// type; no other implementations exist.
type EntityState interface {
	isEntityState()
	String() string
}

// Resident holds the live, mutable entity.
type Resident struct {
	Entity Entity
}

// PagedOut records where an evicted entity's payload lives.
type PagedOut struct {
	Key paging.StorageKey
}

// Erased is a tombstone. The handle stays resolvable for un-erase.
type Erased struct {
	prior EntityState
}

// Pending is a handle without a materialized entity: a forward reference
// during load, or an entity dropped for reconstruction from its source file.
type Pending struct{}

func (Resident) isEntityState() {}
func (PagedOut) isEntityState() {}
func (Erased) isEntityState()   {}
func (Pending) isEntityState()  {}

func (Resident) String() string { return "resident" }
func (PagedOut) String() string { return "paged-out" }
func (Erased) String() string   { return "erased" }
func (Pending) String() string  { return "pending" }

// entry is the directory's bookkeeping for one handle.
type entry struct {
	state EntityState

	// opens counts Open calls not yet matched by Close.
	opens int

	// edges are the hard references recorded when the entity was last
	// resident, so Purge can follow paged-out owners without paging them in.
	edges []handle.Handle

	// unloaded is set while the entity is Pending because Unload dropped it,
	// as opposed to a forward reference or a freshly minted handle.
	unloaded bool
}
