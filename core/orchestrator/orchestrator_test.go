package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/dwgcore/core/directory"
	dwgerrors "github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/paging"
	"github.com/FocuswithJustin/dwgcore/core/record"
)

func setup(t *testing.T, ctrl paging.Controller) *directory.Directory {
	t.Helper()
	if err := ctrl.Bind(uuid.New()); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	t.Cleanup(func() { ctrl.Unbind() })
	return directory.New(handle.NewAllocator(handle.Null), record.Codec{}, ctrl, directory.Options{})
}

func addRecords(t *testing.T, d *directory.Directory, n int) []handle.Handle {
	t.Helper()
	var hs []handle.Handle
	for i := 0; i < n; i++ {
		e, err := d.Add(func(h handle.Handle) directory.Entity {
			return record.New(h, fmt.Sprintf("record %d", i))
		})
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		hs = append(hs, e.Handle())
	}
	return hs
}

func stateOf(d *directory.Directory, h handle.Handle) string {
	s, _ := d.State(h)
	return s.String()
}

func TestFlushEvictsInOrder(t *testing.T) {
	d := setup(t, paging.NewFileController(paging.FileConfig{Dir: t.TempDir()}))
	hs := addRecords(t, d, 3)
	o := New(d, Config{})

	for _, h := range hs {
		o.Enqueue(h)
	}
	o.Enqueue(hs[0])
	if o.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (deduplicated)", o.Len())
	}

	res, err := o.Flush()
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if res.Evicted != 3 || o.Len() != 0 {
		t.Errorf("Flush() = %+v, pending %d; want 3 evicted, 0 pending", res, o.Len())
	}
	for _, h := range hs {
		if got := stateOf(d, h); got != "paged-out" {
			t.Errorf("State(%v) = %s, want paged-out", h, got)
		}
	}
}

func TestFlushVerdicts(t *testing.T) {
	tests := []struct {
		name        string
		verdicts    map[handle.Handle]paging.Verdict
		wantResult  Result
		wantPending []handle.Handle
	}{
		{
			name:        "all continue",
			wantResult:  Result{Evicted: 4},
			wantPending: nil,
		},
		{
			name:        "skip keeps handle pending",
			verdicts:    map[handle.Handle]paging.Verdict{2: paging.Skip},
			wantResult:  Result{Evicted: 3, Skipped: 1},
			wantPending: []handle.Handle{2},
		},
		{
			name:        "stop batch leaves the rest",
			verdicts:    map[handle.Handle]paging.Verdict{3: paging.StopBatch},
			wantResult:  Result{Evicted: 2, Stopped: true},
			wantPending: []handle.Handle{3, 4},
		},
		{
			name:        "skip then stop",
			verdicts:    map[handle.Handle]paging.Verdict{1: paging.Skip, 2: paging.StopBatch},
			wantResult:  Result{Skipped: 1, Stopped: true},
			wantPending: []handle.Handle{1, 2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := paging.NewFileController(paging.FileConfig{
				Dir: t.TempDir(),
				Policy: paging.Policy{BeforePage: func(h handle.Handle) paging.Verdict {
					return tt.verdicts[h]
				}},
			})
			d := setup(t, ctrl)
			o := New(d, Config{})
			for _, h := range addRecords(t, d, 4) {
				o.Enqueue(h)
			}

			res, err := o.Flush()
			if err != nil {
				t.Fatalf("Flush() error = %v", err)
			}
			if res != tt.wantResult {
				t.Errorf("Flush() = %+v, want %+v", res, tt.wantResult)
			}
			if got := o.Pending(); !slices.Equal(got, tt.wantPending) {
				t.Errorf("Pending() = %v, want %v", got, tt.wantPending)
			}
			for _, h := range tt.wantPending {
				if got := stateOf(d, h); got != "resident" {
					t.Errorf("State(%v) = %s, want resident", h, got)
				}
			}
		})
	}
}

func TestFlushStaleAndBusy(t *testing.T) {
	d := setup(t, paging.NewFileController(paging.FileConfig{Dir: t.TempDir()}))
	hs := addRecords(t, d, 3)
	o := New(d, Config{})
	for _, h := range hs {
		o.Enqueue(h)
	}

	d.Erase(hs[0], true)
	d.Open(hs[1])

	res, err := o.Flush()
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	want := Result{Evicted: 1, Busy: 1, Dropped: 1}
	if res != want {
		t.Errorf("Flush() = %+v, want %+v", res, want)
	}
	if got := o.Pending(); !slices.Equal(got, []handle.Handle{hs[1]}) {
		t.Errorf("Pending() = %v, want [%v]", got, hs[1])
	}

	// Dropped handles can be nominated again.
	d.Erase(hs[0], false)
	o.Enqueue(hs[0])
	if o.Len() != 2 {
		t.Errorf("Len() = %d, want 2", o.Len())
	}
}

func TestFlushUnloadOnly(t *testing.T) {
	d := setup(t, paging.NewUnloadController(paging.Policy{}))
	hs := addRecords(t, d, 2)
	o := New(d, Config{})
	for _, h := range hs {
		o.Enqueue(h)
	}

	res, err := o.Flush()
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if res.Unloaded != 2 || res.Evicted != 0 {
		t.Errorf("Flush() = %+v, want 2 unloaded", res)
	}
	for _, h := range hs {
		if got := stateOf(d, h); got != "pending" {
			t.Errorf("State(%v) = %s, want pending", h, got)
		}
	}
}

type brokenWrites struct {
	*paging.FileController
	failAfter int
}

func (b *brokenWrites) Write(p []byte) (paging.StorageKey, error) {
	if b.failAfter == 0 {
		return nil, dwgerrors.NewPaging("write", "", fmt.Errorf("disk full"))
	}
	b.failAfter--
	return b.FileController.Write(p)
}

func TestFlushStopsOnEvictError(t *testing.T) {
	ctrl := &brokenWrites{FileController: paging.NewFileController(paging.FileConfig{Dir: t.TempDir()}), failAfter: 1}
	d := setup(t, ctrl)
	hs := addRecords(t, d, 3)
	o := New(d, Config{})
	for _, h := range hs {
		o.Enqueue(h)
	}

	res, err := o.Flush()
	var pe *dwgerrors.PagingError
	if !errors.As(err, &pe) {
		t.Fatalf("Flush() error = %v, want PagingError", err)
	}
	if res.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", res.Evicted)
	}
	if got := o.Pending(); !slices.Equal(got, hs[1:]) {
		t.Errorf("Pending() = %v, want %v", got, hs[1:])
	}
}

func TestEnqueueThreshold(t *testing.T) {
	d := setup(t, paging.NewFileController(paging.FileConfig{Dir: t.TempDir()}))
	hs := addRecords(t, d, 3)
	o := New(d, Config{FlushThreshold: 2})

	o.Enqueue(hs[0])
	if got := stateOf(d, hs[0]); got != "resident" {
		t.Fatalf("State() = %s before threshold, want resident", got)
	}
	if err := o.Enqueue(hs[1]); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if o.Len() != 0 {
		t.Errorf("Len() = %d after threshold flush, want 0", o.Len())
	}
	for _, h := range hs[:2] {
		if got := stateOf(d, h); got != "paged-out" {
			t.Errorf("State(%v) = %s, want paged-out", h, got)
		}
	}
}

func TestForget(t *testing.T) {
	d := setup(t, paging.NewFileController(paging.FileConfig{Dir: t.TempDir()}))
	hs := addRecords(t, d, 3)
	o := New(d, Config{})
	for _, h := range hs {
		o.Enqueue(h)
	}
	o.Forget(hs[1])
	o.Forget(99)
	if got := o.Pending(); !slices.Equal(got, []handle.Handle{hs[0], hs[2]}) {
		t.Errorf("Pending() = %v", got)
	}
}
