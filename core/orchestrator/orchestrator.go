// Package orchestrator batches eviction of idle entities.
//
// Idle handles are nominated with Enqueue and evicted together by Flush, which
// asks the bound controller for a verdict before touching each entity. A flush
// processes nominees in the order they were enqueued.
package orchestrator

import (
	"time"

	"github.com/FocuswithJustin/dwgcore/core/directory"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/paging"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// Config configures an Orchestrator.
type Config struct {
	// FlushThreshold triggers a Flush from Enqueue once this many handles are
	// pending. Zero disables automatic flushing.
	FlushThreshold int
}

// Result summarizes one Flush.
type Result struct {
	Evicted  int  // written through the controller
	Unloaded int  // dropped for reconstruction
	Skipped  int  // vetoed by BeforePage, still pending
	Busy     int  // still open, still pending
	Dropped  int  // no longer resident, removed from the set
	Stopped  bool // BeforePage ended the batch early
}

// Orchestrator holds the set of eviction candidates for one directory.
type Orchestrator struct {
	dir       *directory.Directory
	threshold int

	pending []handle.Handle
	queued  map[handle.Handle]bool
}

// New creates an orchestrator over dir.
func New(dir *directory.Directory, cfg Config) *Orchestrator {
	return &Orchestrator{
		dir:       dir,
		threshold: cfg.FlushThreshold,
		queued:    make(map[handle.Handle]bool),
	}
}

// Enqueue nominates h for eviction. Nominating a pending handle again is a
// no-op. When the pending set reaches the flush threshold a Flush runs and its
// error, if any, is returned.
func (o *Orchestrator) Enqueue(h handle.Handle) error {
	if !o.queued[h] {
		o.queued[h] = true
		o.pending = append(o.pending, h)
	}
	if o.threshold > 0 && len(o.pending) >= o.threshold {
		_, err := o.Flush()
		return err
	}
	return nil
}

// Len returns the number of pending handles.
func (o *Orchestrator) Len() int {
	return len(o.pending)
}

// Pending returns the pending handles in nomination order.
func (o *Orchestrator) Pending() []handle.Handle {
	out := make([]handle.Handle, len(o.pending))
	copy(out, o.pending)
	return out
}

// Flush evicts every pending handle the controller allows. Handles that are
// skipped or still open stay pending, as does everything after a StopBatch.
// An eviction error ends the flush; the failing handle stays pending.
func (o *Orchestrator) Flush() (Result, error) {
	start := time.Now()
	ctrl := o.dir.Controller()
	pages := ctrl.Mode().Has(paging.ModePage)

	var (
		res  Result
		keep []handle.Handle
		err  error
	)

	i := 0
	for ; i < len(o.pending); i++ {
		h := o.pending[i]

		state, ok := o.dir.State(h)
		if _, resident := state.(directory.Resident); !ok || !resident {
			res.Dropped++
			delete(o.queued, h)
			continue
		}
		if o.dir.OpenCount(h) > 0 {
			res.Busy++
			keep = append(keep, h)
			continue
		}

		switch ctrl.BeforePage(h) {
		case paging.Skip:
			res.Skipped++
			keep = append(keep, h)
			continue
		case paging.StopBatch:
			res.Stopped = true
		}
		if res.Stopped {
			break
		}

		if pages {
			err = o.dir.Evict(h)
		} else {
			err = o.dir.Unload(h)
		}
		if err != nil {
			break
		}
		if pages {
			res.Evicted++
		} else {
			res.Unloaded++
		}
		delete(o.queued, h)
	}

	o.pending = append(keep, o.pending[i:]...)
	logging.FlushSummary(res.Evicted, res.Unloaded, res.Skipped, len(o.pending), res.Stopped, time.Since(start),
		"controller", ctrl.Name(), "busy", res.Busy, "dropped", res.Dropped)
	return res, err
}

// Forget removes h from the pending set without evicting it.
func (o *Orchestrator) Forget(h handle.Handle) {
	if !o.queued[h] {
		return
	}
	delete(o.queued, h)
	for i, p := range o.pending {
		if p == h {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}
