// Package directory maps handles to entity state and moves entities between
// memory and the bound page controller.
//
// Every handle the directory has seen maps to exactly one EntityState for the
// life of the database. Handles are never removed; Purge only reports which
// erase candidates are still owned by something live.
//
// A Directory is not safe for concurrent use. The database facade serializes
// access to it.
package directory

import (
	"fmt"
	"slices"

	"github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/paging"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// Entity is a database object as far as the runtime needs to know it.
type Entity interface {
	// Handle returns the entity's own handle.
	Handle() handle.Handle

	// HardReferences returns the handles this entity owns.
	HardReferences() []handle.Handle
}

// Codec converts entities to and from their paged byte form. The round trip
// must be faithful: Deserialize(Serialize(e)) is deep-equal to e.
type Codec interface {
	Serialize(e Entity) ([]byte, error)
	Deserialize(h handle.Handle, data []byte) (Entity, error)
}

// Reconstructor rebuilds an entity that was dropped rather than paged, by
// re-reading it from the drawing it was loaded from.
type Reconstructor interface {
	Reconstruct(h handle.Handle) (Entity, error)
}

// Options configures a Directory.
type Options struct {
	// Reconstructor materializes Pending handles on Resolve. Without one,
	// resolving a Pending handle fails with ErrEntityUnavailable.
	Reconstructor Reconstructor

	// OnIdle runs when an entity's open count drops to zero.
	OnIdle func(h handle.Handle)
}

// Counts tallies entries by state.
type Counts struct {
	Resident int
	PagedOut int
	Erased   int
	Pending  int
}

// Directory is the handle table of one database.
type Directory struct {
	alloc   *handle.Allocator
	codec   Codec
	ctrl    paging.Controller
	recon   Reconstructor
	onIdle  func(handle.Handle)
	entries map[handle.Handle]*entry
}

// New creates an empty directory. ctrl must already be bound.
func New(alloc *handle.Allocator, codec Codec, ctrl paging.Controller, opts Options) *Directory {
	return &Directory{
		alloc:   alloc,
		codec:   codec,
		ctrl:    ctrl,
		recon:   opts.Reconstructor,
		onIdle:  opts.OnIdle,
		entries: make(map[handle.Handle]*entry),
	}
}

// SetIdleHook replaces the function run when an entity becomes idle.
func (d *Directory) SetIdleHook(fn func(h handle.Handle)) {
	d.onIdle = fn
}

// Controller returns the page controller the directory pages through.
func (d *Directory) Controller() paging.Controller {
	return d.ctrl
}

// Allocator returns the directory's handle allocator.
func (d *Directory) Allocator() *handle.Allocator {
	return d.alloc
}

// NewHandle mints a handle and records it as Pending.
func (d *Directory) NewHandle() (handle.Handle, error) {
	h, err := d.alloc.Next()
	if err != nil {
		return handle.Null, err
	}
	d.entries[h] = &entry{state: Pending{}}
	return h, nil
}

// Materialize installs e as the resident entity for e.Handle(). The handle
// must be unknown (it is claimed) or Pending.
func (d *Directory) Materialize(e Entity) error {
	h := e.Handle()
	if h.IsNull() {
		return errors.NewHandle("materialize", uint64(h), fmt.Errorf("null handle"))
	}

	ent, ok := d.entries[h]
	if !ok {
		if _, err := d.alloc.Claim(h); err != nil {
			return err
		}
		ent = &entry{}
		d.entries[h] = ent
	} else if _, pending := ent.state.(Pending); !pending {
		return errors.NewHandle("materialize", uint64(h), errors.ErrAlreadyMaterialized)
	}

	ent.state = Resident{Entity: e}
	ent.edges = e.HardReferences()
	ent.unloaded = false
	return nil
}

// Resolve returns the resident entity for h, paging it in if necessary.
func (d *Directory) Resolve(h handle.Handle) (Entity, error) {
	ent, ok := d.entries[h]
	if !ok {
		return nil, errors.NewHandle("resolve", uint64(h), errors.ErrUnknownHandle)
	}
	return d.resolveEntry(h, ent)
}

// ResolveOrCreate is Resolve for forward references: an unknown handle is
// claimed and recorded as Pending. It returns a nil entity while h stays
// Pending and no Reconstructor is configured.
func (d *Directory) ResolveOrCreate(h handle.Handle) (Entity, error) {
	ent, ok := d.entries[h]
	if !ok {
		if _, err := d.alloc.Claim(h); err != nil {
			return nil, err
		}
		ent = &entry{state: Pending{}}
		d.entries[h] = ent
	}
	if _, pending := ent.state.(Pending); pending && d.recon == nil {
		return nil, nil
	}
	return d.resolveEntry(h, ent)
}

func (d *Directory) resolveEntry(h handle.Handle, ent *entry) (Entity, error) {
	switch s := ent.state.(type) {
	case Resident:
		return s.Entity, nil
	case PagedOut:
		return d.pageIn(h, ent, s.Key)
	case Erased:
		return nil, errors.NewHandle("resolve", uint64(h), errors.ErrErasedAccess)
	case Pending:
		if d.recon == nil {
			return nil, errors.NewHandle("resolve", uint64(h), errors.ErrEntityUnavailable)
		}
		e, err := d.recon.Reconstruct(h)
		if err != nil {
			return nil, errors.NewHandle("reconstruct", uint64(h), fmt.Errorf("%w: %w", errors.ErrEntityUnavailable, err))
		}
		ent.state = Resident{Entity: e}
		ent.edges = e.HardReferences()
		ent.unloaded = false
		return e, nil
	}
	panic(fmt.Sprintf("directory: unhandled state %T", ent.state))
}

func (d *Directory) pageIn(h handle.Handle, ent *entry, key paging.StorageKey) (Entity, error) {
	data, err := d.ctrl.Read(key)
	if err != nil {
		return nil, errors.NewHandle("page-in", uint64(h), fmt.Errorf("%w: %w", errors.ErrEntityUnavailable, err))
	}

	e, err := d.codec.Deserialize(h, data)
	if err != nil {
		// The read released the slot; put the bytes back so the entry
		// still points at a live record.
		rekey, werr := d.ctrl.Write(data)
		if werr != nil {
			// The payload is gone. Fall back to reconstruction rather than
			// keep a key to a freed slot.
			ent.state = Pending{}
			ent.unloaded = true
			reason := fmt.Sprintf("handle %s: undecodable payload at %s could not be written back: %v", h, key, werr)
			logging.CorruptionEvent(d.ctrl.Name(), -1, reason)
			return nil, errors.NewHandle("page-in", uint64(h), fmt.Errorf("%w: %w",
				errors.ErrEntityUnavailable, errors.NewCorruption(d.ctrl.Name(), -1, reason)))
		}
		ent.state = PagedOut{Key: rekey}
		return nil, errors.NewHandle("page-in", uint64(h), fmt.Errorf("%w: %w", errors.ErrEntityUnavailable, err))
	}

	ent.state = Resident{Entity: e}
	ent.edges = e.HardReferences()
	logging.PagingEvent("page-in", uint64(h), key.String(), len(data))
	return e, nil
}

// Open resolves h and counts an open reference against it.
func (d *Directory) Open(h handle.Handle) (Entity, error) {
	e, err := d.Resolve(h)
	if err != nil {
		return nil, err
	}
	d.entries[h].opens++
	return e, nil
}

// Close releases one open reference. When the last one goes, the idle hook
// runs for resident entities.
func (d *Directory) Close(h handle.Handle) error {
	ent, ok := d.entries[h]
	if !ok {
		return errors.NewHandle("close", uint64(h), errors.ErrUnknownHandle)
	}
	if ent.opens == 0 {
		return errors.NewHandle("close", uint64(h), errors.ErrNotOpen)
	}
	ent.opens--
	if ent.opens == 0 && d.onIdle != nil {
		if _, resident := ent.state.(Resident); resident {
			d.onIdle(h)
		}
	}
	return nil
}

// OpenCount returns the number of unmatched Open calls on h.
func (d *Directory) OpenCount(h handle.Handle) int {
	if ent, ok := d.entries[h]; ok {
		return ent.opens
	}
	return 0
}

// Evict serializes a resident, unopened entity through the controller and
// releases it. Under an unload-only controller Evict does nothing. A failed
// write leaves the entity resident.
func (d *Directory) Evict(h handle.Handle) error {
	ent, res, err := d.idleResident("evict", h)
	if err != nil {
		return err
	}
	if !d.ctrl.Mode().Has(paging.ModePage) {
		return nil
	}

	data, err := d.codec.Serialize(res.Entity)
	if err != nil {
		return errors.NewHandle("evict", uint64(h), err)
	}
	key, err := d.ctrl.Write(data)
	if err != nil {
		return errors.NewHandle("evict", uint64(h), err)
	}

	ent.edges = res.Entity.HardReferences()
	ent.state = PagedOut{Key: key}
	logging.PagingEvent("evict", uint64(h), key.String(), len(data))
	return nil
}

// Unload drops a resident, unopened entity without persisting it. The handle
// becomes Pending until the load subsystem reconstructs it.
func (d *Directory) Unload(h handle.Handle) error {
	ent, res, err := d.idleResident("unload", h)
	if err != nil {
		return err
	}
	ent.edges = res.Entity.HardReferences()
	ent.state = Pending{}
	ent.unloaded = true
	logging.PagingEvent("unload", uint64(h), "", 0)
	return nil
}

func (d *Directory) idleResident(op string, h handle.Handle) (*entry, Resident, error) {
	ent, ok := d.entries[h]
	if !ok {
		return nil, Resident{}, errors.NewHandle(op, uint64(h), errors.ErrUnknownHandle)
	}
	res, ok := ent.state.(Resident)
	if !ok {
		return nil, Resident{}, errors.NewHandle(op, uint64(h), fmt.Errorf("%w: %s", errors.ErrNotResident, ent.state))
	}
	if ent.opens > 0 {
		return nil, Resident{}, errors.NewHandle(op, uint64(h), errors.ErrInUse)
	}
	return ent, res, nil
}

// Erase sets or clears the tombstone on h. Un-erasing restores the backing the
// entity had when it was erased. Repeating the current setting is a no-op.
func (d *Directory) Erase(h handle.Handle, erased bool) error {
	ent, ok := d.entries[h]
	if !ok {
		return errors.NewHandle("erase", uint64(h), errors.ErrUnknownHandle)
	}

	tomb, isErased := ent.state.(Erased)
	switch {
	case erased && !isErased:
		ent.state = Erased{prior: ent.state}
	case !erased && isErased:
		if tomb.prior == nil {
			ent.state = Pending{}
		} else {
			ent.state = tomb.prior
		}
	}
	return nil
}

// State returns the current state of h.
func (d *Directory) State(h handle.Handle) (EntityState, bool) {
	ent, ok := d.entries[h]
	if !ok {
		return nil, false
	}
	return ent.state, true
}

// Len returns the number of handles in the directory.
func (d *Directory) Len() int {
	return len(d.entries)
}

// Handles returns every handle in ascending order.
func (d *Directory) Handles() []handle.Handle {
	hs := make([]handle.Handle, 0, len(d.entries))
	for h := range d.entries {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	return hs
}

// Counts tallies entries by state.
func (d *Directory) Counts() Counts {
	var c Counts
	for _, ent := range d.entries {
		switch ent.state.(type) {
		case Resident:
			c.Resident++
		case PagedOut:
			c.PagedOut++
		case Erased:
			c.Erased++
		case Pending:
			c.Pending++
		}
	}
	return c
}

// Ref returns a non-owning reference to h.
func (d *Directory) Ref(h handle.Handle) Ref {
	return Ref{Handle: h, dir: d}
}

// Ref is a handle bound to the directory that resolves it.
type Ref struct {
	Handle handle.Handle
	dir    *Directory
}

// Resolve returns the referenced entity, paging it in if needed.
func (r Ref) Resolve() (Entity, error) {
	if r.dir == nil {
		return nil, errors.NewHandle("resolve", uint64(r.Handle), errors.ErrUnknownHandle)
	}
	return r.dir.Resolve(r.Handle)
}

// IsNull reports whether the reference points nowhere.
func (r Ref) IsNull() bool {
	return r.dir == nil || r.Handle.IsNull()
}
