package directory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"testing"

	"github.com/google/uuid"

	dwgerrors "github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/paging"
)

// node is a minimal entity: a text value plus owned handles.
type node struct {
	h    handle.Handle
	text string
	owns []handle.Handle
}

func (n *node) Handle() handle.Handle           { return n.h }
func (n *node) HardReferences() []handle.Handle { return n.owns }

type nodeCodec struct{}

func (nodeCodec) Serialize(e Entity) ([]byte, error) {
	n, ok := e.(*node)
	if !ok {
		return nil, fmt.Errorf("not a node: %T", e)
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(n.owns)))
	for _, o := range n.owns {
		binary.Write(&buf, binary.LittleEndian, uint64(o))
	}
	buf.WriteString(n.text)
	return buf.Bytes(), nil
}

func (nodeCodec) Deserialize(h handle.Handle, data []byte) (Entity, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	n := &node{h: h}
	for i := uint32(0); i < count; i++ {
		var o uint64
		if err := binary.Read(r, binary.LittleEndian, &o); err != nil {
			return nil, err
		}
		n.owns = append(n.owns, handle.Handle(o))
	}
	rest := make([]byte, r.Len())
	r.Read(rest)
	n.text = string(rest)
	return n, nil
}

func newTestDirectory(t *testing.T, ctrl paging.Controller, opts Options) *Directory {
	t.Helper()
	if err := ctrl.Bind(uuid.New()); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	t.Cleanup(func() { ctrl.Unbind() })
	return New(handle.NewAllocator(handle.Null), nodeCodec{}, ctrl, opts)
}

func newFileDirectory(t *testing.T) *Directory {
	t.Helper()
	return newTestDirectory(t, paging.NewFileController(paging.FileConfig{Dir: t.TempDir(), Checksums: true}), Options{})
}

func addNode(t *testing.T, d *Directory, text string, owns ...handle.Handle) handle.Handle {
	t.Helper()
	e, err := d.Add(func(h handle.Handle) Entity {
		return &node{h: h, text: text, owns: owns}
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return e.Handle()
}

func resolveText(t *testing.T, d *Directory, h handle.Handle) string {
	t.Helper()
	e, err := d.Resolve(h)
	if err != nil {
		t.Fatalf("Resolve(%v) error = %v", h, err)
	}
	return e.(*node).text
}

func TestEvictResolveRoundTrip(t *testing.T) {
	d := newFileDirectory(t)
	child := addNode(t, d, "child")
	h := addNode(t, d, "circle r=5", child)

	before, _ := d.Resolve(h)
	want := *before.(*node)

	if err := d.Evict(h); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	s, _ := d.State(h)
	if _, ok := s.(PagedOut); !ok {
		t.Fatalf("State() = %v, want paged-out", s)
	}

	got, err := d.Resolve(h)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(*got.(*node), want) {
		t.Errorf("Resolve() = %+v, want %+v", *got.(*node), want)
	}
	s, _ = d.State(h)
	if _, ok := s.(Resident); !ok {
		t.Errorf("State() after page-in = %v, want resident", s)
	}
}

func TestResolveErrors(t *testing.T) {
	d := newFileDirectory(t)
	h := addNode(t, d, "x")

	if _, err := d.Resolve(999); !errors.Is(err, dwgerrors.ErrUnknownHandle) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnknownHandle", err)
	}

	d.Erase(h, true)
	if _, err := d.Resolve(h); !errors.Is(err, dwgerrors.ErrErasedAccess) {
		t.Errorf("Resolve(erased) error = %v, want ErrErasedAccess", err)
	}

	p, _ := d.NewHandle()
	if _, err := d.Resolve(p); !errors.Is(err, dwgerrors.ErrEntityUnavailable) {
		t.Errorf("Resolve(pending) error = %v, want ErrEntityUnavailable", err)
	}

	var he *dwgerrors.HandleError
	_, err := d.Resolve(999)
	if !errors.As(err, &he) || he.Handle != 999 {
		t.Errorf("Resolve(unknown) error = %v, want HandleError for 999", err)
	}
}

func TestResolveFailedPageInLeavesEntryPagedOut(t *testing.T) {
	ctrl := paging.NewFileController(paging.FileConfig{Dir: t.TempDir()})
	d := newTestDirectory(t, ctrl, Options{})
	h := addNode(t, d, "x")
	if err := d.Evict(h); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	s, _ := d.State(h)
	key := s.(PagedOut).Key

	// Replace the record with one of the same length the codec rejects.
	if _, err := ctrl.Read(key); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if k, _ := ctrl.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0}); k != key {
		t.Fatalf("Write() = %v, want reused %v", k, key)
	}

	if _, err := d.Resolve(h); !errors.Is(err, dwgerrors.ErrEntityUnavailable) {
		t.Fatalf("Resolve() error = %v, want ErrEntityUnavailable", err)
	}
	s, _ = d.State(h)
	if _, ok := s.(PagedOut); !ok {
		t.Errorf("State() after failed page-in = %v, want paged-out", s)
	}
}

// refusingWrites fails every Write once refuse is set.
type refusingWrites struct {
	*paging.FileController
	refuse bool
}

func (r *refusingWrites) Write(payload []byte) (paging.StorageKey, error) {
	if r.refuse {
		return nil, fmt.Errorf("disk full")
	}
	return r.FileController.Write(payload)
}

func TestResolveFailedWriteBackReportsCorruption(t *testing.T) {
	ctrl := &refusingWrites{FileController: paging.NewFileController(paging.FileConfig{Dir: t.TempDir()})}
	d := newTestDirectory(t, ctrl, Options{})
	h := addNode(t, d, "x")
	if err := d.Evict(h); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	s, _ := d.State(h)
	key := s.(PagedOut).Key

	ctrl.Read(key)
	if k, _ := ctrl.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0}); k != key {
		t.Fatalf("Write() = %v, want reused %v", k, key)
	}
	ctrl.refuse = true

	_, err := d.Resolve(h)
	var ce *dwgerrors.CorruptionError
	if !errors.As(err, &ce) || !errors.Is(err, dwgerrors.ErrEntityUnavailable) {
		t.Fatalf("Resolve() error = %v, want ErrEntityUnavailable wrapping CorruptionError", err)
	}
	s, _ = d.State(h)
	if _, ok := s.(Pending); !ok {
		t.Errorf("State() = %v, want pending instead of a freed key", s)
	}
}

func TestResolveOrCreate(t *testing.T) {
	d := newFileDirectory(t)

	e, err := d.ResolveOrCreate(0x40)
	if err != nil || e != nil {
		t.Fatalf("ResolveOrCreate() = %v, %v; want nil, nil", e, err)
	}
	s, ok := d.State(0x40)
	if !ok {
		t.Fatal("forward reference not recorded")
	}
	if _, pending := s.(Pending); !pending {
		t.Errorf("State() = %v, want pending", s)
	}
	if got := d.Allocator().Last(); got != 0x40 {
		t.Errorf("Last() = %v, want 40", got)
	}

	if err := d.Materialize(&node{h: 0x40, text: "late"}); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if got := resolveText(t, d, 0x40); got != "late" {
		t.Errorf("Resolve() = %q, want late", got)
	}
	if err := d.Materialize(&node{h: 0x40}); !errors.Is(err, dwgerrors.ErrAlreadyMaterialized) {
		t.Errorf("second Materialize() error = %v, want ErrAlreadyMaterialized", err)
	}

	next := addNode(t, d, "after")
	if next <= 0x40 {
		t.Errorf("Add() after claim = %v, want > 40", next)
	}
}

type fakeReconstructor map[handle.Handle]string

func (f fakeReconstructor) Reconstruct(h handle.Handle) (Entity, error) {
	text, ok := f[h]
	if !ok {
		return nil, fmt.Errorf("not in source")
	}
	return &node{h: h, text: text}, nil
}

func TestUnloadAndReconstruct(t *testing.T) {
	recon := fakeReconstructor{}
	d := newTestDirectory(t, paging.NewUnloadController(paging.Policy{}), Options{Reconstructor: recon})
	h := addNode(t, d, "from source")
	recon[h] = "from source"

	if err := d.Unload(h); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	s, _ := d.State(h)
	if _, ok := s.(Pending); !ok {
		t.Fatalf("State() = %v, want pending", s)
	}
	if got := resolveText(t, d, h); got != "from source" {
		t.Errorf("Resolve() = %q, want reconstructed value", got)
	}

	missing := addNode(t, d, "gone")
	d.Unload(missing)
	if _, err := d.Resolve(missing); !errors.Is(err, dwgerrors.ErrEntityUnavailable) {
		t.Errorf("Resolve() error = %v, want ErrEntityUnavailable", err)
	}
}

func TestEvictUnderUnloadOnlyIsNoop(t *testing.T) {
	d := newTestDirectory(t, paging.NewUnloadController(paging.Policy{}), Options{})
	h := addNode(t, d, "x")
	if err := d.Evict(h); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	s, _ := d.State(h)
	if _, ok := s.(Resident); !ok {
		t.Errorf("State() = %v, want resident", s)
	}
}

func TestEvictRequiresIdleResident(t *testing.T) {
	d := newFileDirectory(t)
	h := addNode(t, d, "x")

	if _, err := d.Open(h); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := d.Evict(h); !errors.Is(err, dwgerrors.ErrInUse) {
		t.Errorf("Evict(open) error = %v, want ErrInUse", err)
	}
	d.Close(h)

	if err := d.Evict(h); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if err := d.Evict(h); !errors.Is(err, dwgerrors.ErrNotResident) {
		t.Errorf("Evict(paged-out) error = %v, want ErrNotResident", err)
	}
}

type failingController struct {
	*paging.FileController
}

func (failingController) Write([]byte) (paging.StorageKey, error) {
	return nil, dwgerrors.NewPaging("write", "", fmt.Errorf("disk full"))
}

func TestEvictWriteFailureLeavesResident(t *testing.T) {
	ctrl := failingController{paging.NewFileController(paging.FileConfig{Dir: t.TempDir()})}
	d := newTestDirectory(t, ctrl, Options{})
	h := addNode(t, d, "x")

	if err := d.Evict(h); err == nil {
		t.Fatal("Evict() should fail when Write fails")
	}
	if got := resolveText(t, d, h); got != "x" {
		t.Errorf("Resolve() = %q, want x", got)
	}
}

func TestOpenCloseIdleHook(t *testing.T) {
	var idle []handle.Handle
	d := newFileDirectory(t)
	d.SetIdleHook(func(h handle.Handle) { idle = append(idle, h) })
	h := addNode(t, d, "x")

	d.Open(h)
	d.Open(h)
	d.Close(h)
	if len(idle) != 0 {
		t.Fatalf("idle hook ran with %d opens outstanding", d.OpenCount(h))
	}
	d.Close(h)
	if !slices.Equal(idle, []handle.Handle{h}) {
		t.Errorf("idle = %v, want [%v]", idle, h)
	}

	if err := d.Close(h); !errors.Is(err, dwgerrors.ErrNotOpen) {
		t.Errorf("Close() without Open error = %v, want ErrNotOpen", err)
	}
}

func TestEraseUnerase(t *testing.T) {
	d := newFileDirectory(t)
	h := addNode(t, d, "x")
	if err := d.Evict(h); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}

	if err := d.Erase(h, true); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	d.Erase(h, true)
	s, _ := d.State(h)
	if _, ok := s.(Erased); !ok {
		t.Fatalf("State() = %v, want erased", s)
	}

	if err := d.Erase(h, false); err != nil {
		t.Fatalf("Erase(false) error = %v", err)
	}
	s, _ = d.State(h)
	if _, ok := s.(PagedOut); !ok {
		t.Errorf("State() after un-erase = %v, want prior paged-out backing", s)
	}
	if got := resolveText(t, d, h); got != "x" {
		t.Errorf("Resolve() = %q, want x", got)
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}
}

func TestPurge(t *testing.T) {
	tests := []struct {
		name string
		// build returns the candidate set and the expected retained set
		build func(t *testing.T, d *Directory) (candidates, want []handle.Handle)
	}{
		{
			name: "owned by live entity",
			build: func(t *testing.T, d *Directory) ([]handle.Handle, []handle.Handle) {
				b := addNode(t, d, "B")
				c := addNode(t, d, "C")
				addNode(t, d, "A", b)
				return []handle.Handle{b, c}, []handle.Handle{b}
			},
		},
		{
			name: "owned only by candidate",
			build: func(t *testing.T, d *Directory) ([]handle.Handle, []handle.Handle) {
				c := addNode(t, d, "C")
				b := addNode(t, d, "B", c)
				return []handle.Handle{b, c}, []handle.Handle{}
			},
		},
		{
			name: "transitive through retained candidate",
			build: func(t *testing.T, d *Directory) ([]handle.Handle, []handle.Handle) {
				c := addNode(t, d, "C")
				b := addNode(t, d, "B", c)
				addNode(t, d, "A", b)
				return []handle.Handle{b, c}, []handle.Handle{b, c}
			},
		},
		{
			name: "owner paged out",
			build: func(t *testing.T, d *Directory) ([]handle.Handle, []handle.Handle) {
				c := addNode(t, d, "C")
				a := addNode(t, d, "A", c)
				if err := d.Evict(a); err != nil {
					t.Fatalf("Evict() error = %v", err)
				}
				return []handle.Handle{c}, []handle.Handle{c}
			},
		},
		{
			name: "owner erased",
			build: func(t *testing.T, d *Directory) ([]handle.Handle, []handle.Handle) {
				c := addNode(t, d, "C")
				a := addNode(t, d, "A", c)
				d.Erase(a, true)
				return []handle.Handle{c}, []handle.Handle{}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFileDirectory(t)
			candidates, want := tt.build(t, d)
			got := d.Purge(candidates)
			if !slices.Equal(got, want) {
				t.Errorf("Purge(%v) = %v, want %v", candidates, got, want)
			}
		})
	}
}

func TestPurgeDoesNotPageIn(t *testing.T) {
	d := newFileDirectory(t)
	c := addNode(t, d, "C")
	a := addNode(t, d, "A", c)
	d.Evict(a)

	d.Purge([]handle.Handle{c})
	s, _ := d.State(a)
	if _, ok := s.(PagedOut); !ok {
		t.Errorf("State(owner) after Purge = %v, want still paged-out", s)
	}
}

func TestSnapshotRestore(t *testing.T) {
	d := newFileDirectory(t)
	h := addNode(t, d, "before")

	img, err := d.Snapshot(h)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	e, _ := d.Resolve(h)
	e.(*node).text = "after"
	if err := d.Restore(h, img); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := resolveText(t, d, h); got != "before" {
		t.Errorf("Resolve() after Restore = %q, want before", got)
	}

	if err := d.Restore(h, nil); err != nil {
		t.Fatalf("Restore(nil) error = %v", err)
	}
	s, _ := d.State(h)
	if _, ok := s.(Erased); !ok {
		t.Errorf("State() after Restore(nil) = %v, want erased", s)
	}
	if img, err := d.Snapshot(h); err != nil || img != nil {
		t.Errorf("Snapshot(erased) = %v, %v; want nil, nil", img, err)
	}

	if err := d.Restore(h, []byte{0, 0, 0, 0, 'z'}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := resolveText(t, d, h); got != "z" {
		t.Errorf("Resolve() after un-erasing Restore = %q, want z", got)
	}
}

func TestRestoreDiscardsPagedOutKey(t *testing.T) {
	ctrl := paging.NewFileController(paging.FileConfig{Dir: t.TempDir()})
	d := newTestDirectory(t, ctrl, Options{})
	h := addNode(t, d, "x")
	img, _ := d.Snapshot(h)
	d.Evict(h)

	if err := d.Restore(h, img); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := ctrl.Stats().FreeSlots; got != 1 {
		t.Errorf("FreeSlots = %d, want 1 after superseded key discarded", got)
	}
}

func TestSnapshotPagesIn(t *testing.T) {
	d := newFileDirectory(t)
	h := addNode(t, d, "x")
	want, _ := d.Snapshot(h)
	d.Evict(h)

	got, err := d.Snapshot(h)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Snapshot() = %v, want %v", got, want)
	}
}

func TestHandlesAndCounts(t *testing.T) {
	d := newFileDirectory(t)
	a := addNode(t, d, "a")
	b := addNode(t, d, "b")
	c := addNode(t, d, "c")
	d.NewHandle()
	d.Evict(b)
	d.Erase(c, true)

	if got := d.Handles(); !slices.Equal(got, []handle.Handle{a, b, c, 4}) {
		t.Errorf("Handles() = %v", got)
	}
	want := Counts{Resident: 1, PagedOut: 1, Erased: 1, Pending: 1}
	if got := d.Counts(); got != want {
		t.Errorf("Counts() = %+v, want %+v", got, want)
	}
}

func TestRef(t *testing.T) {
	d := newFileDirectory(t)
	h := addNode(t, d, "x")
	d.Evict(h)

	r := d.Ref(h)
	if r.IsNull() {
		t.Fatal("IsNull() = true for live ref")
	}
	e, err := r.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if e.Handle() != h {
		t.Errorf("Handle() = %v, want %v", e.Handle(), h)
	}

	var zero Ref
	if !zero.IsNull() {
		t.Error("zero Ref should be null")
	}
	if _, err := zero.Resolve(); err == nil {
		t.Error("zero Ref Resolve() should fail")
	}
}
