package directory

import (
	"slices"

	"github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/paging"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// Add mints a handle, builds the entity for it and installs it as resident.
func (d *Directory) Add(build func(h handle.Handle) Entity) (Entity, error) {
	h, err := d.alloc.Next()
	if err != nil {
		return nil, err
	}
	e := build(h)
	d.entries[h] = &entry{state: Resident{Entity: e}, edges: e.HardReferences()}
	return e, nil
}

// Snapshot returns the serialized form of h's current entity, or nil when h
// has no live entity (Erased, a forward reference or a freshly minted
// handle). A paged-out entity is paged in and an unloaded one is
// reconstructed. An unloaded entity without a Reconstructor cannot be
// captured and reports ErrEntityUnavailable.
func (d *Directory) Snapshot(h handle.Handle) ([]byte, error) {
	ent, ok := d.entries[h]
	if !ok {
		return nil, errors.NewHandle("snapshot", uint64(h), errors.ErrUnknownHandle)
	}

	switch ent.state.(type) {
	case Erased:
		return nil, nil
	case Pending:
		if !ent.unloaded {
			return nil, nil
		}
	}

	e, err := d.resolveEntry(h, ent)
	if err != nil {
		return nil, err
	}
	data, err := d.codec.Serialize(e)
	if err != nil {
		return nil, errors.NewHandle("snapshot", uint64(h), err)
	}
	return data, nil
}

// Restore puts h back to a snapshot. A nil image erases h. Otherwise the image
// becomes the resident entity, un-erasing h if needed; any storage key the
// entry held is released. Open counts are preserved, but callers holding the
// previous entity value must resolve again.
func (d *Directory) Restore(h handle.Handle, image []byte) error {
	ent, ok := d.entries[h]
	if !ok {
		if _, err := d.alloc.Claim(h); err != nil {
			return err
		}
		ent = &entry{state: Pending{}}
		d.entries[h] = ent
	}

	if image == nil {
		if _, erased := ent.state.(Erased); !erased {
			ent.state = Erased{prior: ent.state}
		}
		return nil
	}

	e, err := d.codec.Deserialize(h, image)
	if err != nil {
		return errors.NewHandle("restore", uint64(h), err)
	}

	d.discard(h, ent.state)
	ent.state = Resident{Entity: e}
	ent.edges = e.HardReferences()
	ent.unloaded = false
	return nil
}

// discard releases the storage behind a state that is being replaced.
func (d *Directory) discard(h handle.Handle, s EntityState) {
	switch st := s.(type) {
	case Erased:
		d.discard(h, st.prior)
	case PagedOut:
		dc, ok := d.ctrl.(paging.Discarder)
		if !ok {
			return
		}
		if err := dc.Discard(st.Key); err != nil {
			logging.Warn("discard failed", "handle", h.String(), "key", st.Key.String(), "error", err)
		}
	}
}

// Purge reports which of the erase candidates are still owned by a live
// entity. Live owners are Resident and PagedOut entities outside the
// candidate set, plus Pending entities that were unloaded with recorded
// edges. Ownership is followed transitively through candidates, so a
// candidate owned only by another retained candidate is retained too.
// Paged-out owners are read from the edges recorded at eviction; nothing is
// paged in. Purge does not change any state. The result is sorted.
func (d *Directory) Purge(candidates []handle.Handle) []handle.Handle {
	inSet := make(map[handle.Handle]bool, len(candidates))
	for _, h := range candidates {
		inSet[h] = true
	}

	retained := make(map[handle.Handle]bool)
	var queue []handle.Handle
	mark := func(edges []handle.Handle) {
		for _, to := range edges {
			if inSet[to] && !retained[to] {
				retained[to] = true
				queue = append(queue, to)
			}
		}
	}

	for h, ent := range d.entries {
		if inSet[h] || !live(ent) {
			continue
		}
		mark(edgesOf(ent))
	}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if ent, ok := d.entries[h]; ok {
			mark(edgesOf(ent))
		}
	}

	out := make([]handle.Handle, 0, len(retained))
	for h := range retained {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// edgesOf reads a resident entity's references directly; other states use
// the edges recorded when the entity last left memory.
func edgesOf(ent *entry) []handle.Handle {
	s := ent.state
	if tomb, ok := s.(Erased); ok {
		s = tomb.prior
	}
	if res, ok := s.(Resident); ok {
		return res.Entity.HardReferences()
	}
	return ent.edges
}

func live(ent *entry) bool {
	switch ent.state.(type) {
	case Resident, PagedOut:
		return true
	case Pending:
		return ent.edges != nil
	}
	return false
}
