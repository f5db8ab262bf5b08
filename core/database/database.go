// Package database ties the object runtime together for one open drawing.
//
// A DB owns its handle allocator, object directory, page controller,
// paging orchestrator, transaction controller and undo stack. Nothing is
// shared between DB instances. All public methods are safe for concurrent
// use; they are serialized by a single mutex.
package database

import (
	"sync"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/dwgcore/core/directory"
	"github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/orchestrator"
	"github.com/FocuswithJustin/dwgcore/core/paging"
	"github.com/FocuswithJustin/dwgcore/core/record"
	"github.com/FocuswithJustin/dwgcore/core/txn"
	"github.com/FocuswithJustin/dwgcore/core/undo"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// DB is one open drawing database.
type DB struct {
	mu sync.Mutex

	id     uuid.UUID
	cfg    Config
	ctrl   paging.Controller
	dir    *directory.Directory
	orch   *orchestrator.Orchestrator
	tx     *txn.Controller
	undo   *undo.Stack
	closed bool
}

// Stats is a point-in-time summary of a database.
type Stats struct {
	ID         uuid.UUID
	Controller string
	Mode       paging.Mode
	Handles    int
	States     directory.Counts
	Pending    int
	TxDepth    int
	UndoDepth  int
	RedoDepth  int
	LastHandle handle.Handle
}

// Open creates a database and binds its page controller.
func Open(cfg Config) (*DB, error) {
	if cfg.Codec == nil {
		cfg.Codec = record.Codec{}
	}
	ctrl, err := cfg.newController()
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	if err := ctrl.Bind(id); err != nil {
		return nil, err
	}

	dir := directory.New(handle.NewAllocator(cfg.HandleSeed), cfg.Codec, ctrl, directory.Options{
		Reconstructor: cfg.Reconstructor,
	})
	stack := undo.NewStack(dir, undo.Config{CompressThreshold: cfg.UndoCompressThreshold})
	db := &DB{
		id:   id,
		cfg:  cfg,
		ctrl: ctrl,
		dir:  dir,
		orch: orchestrator.New(dir, orchestrator.Config{FlushThreshold: cfg.FlushThreshold}),
		tx:   txn.New(dir, stack),
		undo: stack,
	}
	if !ctrl.Mode().Has(paging.ModeSuppressAutoEnqueue) {
		dir.SetIdleHook(db.onIdle)
	}

	logging.ControllerLifecycle("open", ctrl.Name(), id.String(), "mode", ctrl.Mode().String())
	return db, nil
}

// onIdle runs with mu held, from Directory.Close.
func (db *DB) onIdle(h handle.Handle) {
	if err := db.orch.Enqueue(h); err != nil {
		logging.Warn("automatic flush failed", "handle", h.String(), "error", err)
	}
}

// Close unbinds the page controller, which removes any scratch storage.
// Open transactions are abandoned without being rolled back; their captured
// images go away with the database. Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	if db.tx.Depth() > 0 {
		logging.Warn("closing with open transactions", "database", db.id.String(), "depth", db.tx.Depth())
	}
	logging.ControllerLifecycle("close", db.ctrl.Name(), db.id.String())
	return db.ctrl.Unbind()
}

// ID returns the database's instance identifier.
func (db *DB) ID() uuid.UUID {
	return db.id
}

// Controller returns the bound page controller.
func (db *DB) Controller() paging.Controller {
	return db.ctrl
}

func (db *DB) lock() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return errors.ErrClosed
	}
	return nil
}

// Add creates a new entity. build receives the freshly minted handle.
func (db *DB) Add(build func(h handle.Handle) directory.Entity) (handle.Handle, error) {
	if err := db.lock(); err != nil {
		return handle.Null, err
	}
	defer db.mu.Unlock()

	h, err := db.dir.NewHandle()
	if err != nil {
		return handle.Null, err
	}
	if err := db.tx.OnMutation(h); err != nil {
		return handle.Null, err
	}
	if err := db.dir.Materialize(build(h)); err != nil {
		return handle.Null, err
	}
	return h, nil
}

// Materialize installs an entity read from a drawing file under its own
// handle, which may be a forward reference seen earlier.
func (db *DB) Materialize(e directory.Entity) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.dir.Materialize(e)
}

// Reference records a forward reference to h.
func (db *DB) Reference(h handle.Handle) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	_, err := db.dir.ResolveOrCreate(h)
	return err
}

// Resolve returns the entity for h, paging it in if necessary. The returned
// value must not be mutated; use Modify.
func (db *DB) Resolve(h handle.Handle) (directory.Entity, error) {
	if err := db.lock(); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()
	return db.dir.Resolve(h)
}

// View opens h, runs fn on it and closes it again.
func (db *DB) View(h handle.Handle, fn func(directory.Entity) error) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.withOpen(h, fn)
}

// Modify captures h's before-image in the current transaction, then opens h
// for fn to mutate. Closing it afterwards nominates it for eviction.
func (db *DB) Modify(h handle.Handle, fn func(directory.Entity) error) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()

	if err := db.tx.OnMutation(h); err != nil {
		return err
	}
	return db.withOpen(h, fn)
}

func (db *DB) withOpen(h handle.Handle, fn func(directory.Entity) error) error {
	e, err := db.dir.Open(h)
	if err != nil {
		return err
	}
	fnErr := fn(e)
	if err := db.dir.Close(h); err != nil {
		return err
	}
	return fnErr
}

// Erase sets or clears the erased flag on h.
func (db *DB) Erase(h handle.Handle, erased bool) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()

	if err := db.tx.OnMutation(h); err != nil {
		return err
	}
	return db.dir.Erase(h, erased)
}

// Purge returns the erase candidates that are still owned by live entities.
func (db *DB) Purge(candidates []handle.Handle) ([]handle.Handle, error) {
	if err := db.lock(); err != nil {
		return nil, err
	}
	defer db.mu.Unlock()
	return db.dir.Purge(candidates), nil
}

// State returns the current state of h.
func (db *DB) State(h handle.Handle) (directory.EntityState, bool) {
	if err := db.lock(); err != nil {
		return nil, false
	}
	defer db.mu.Unlock()
	return db.dir.State(h)
}

// Handles returns every handle in ascending order.
func (db *DB) Handles() []handle.Handle {
	if err := db.lock(); err != nil {
		return nil
	}
	defer db.mu.Unlock()
	return db.dir.Handles()
}

// Evict pages h out immediately.
func (db *DB) Evict(h handle.Handle) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.dir.Evict(h)
}

// Unload drops h for reconstruction from source.
func (db *DB) Unload(h handle.Handle) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.dir.Unload(h)
}

// Enqueue nominates h for the next flush.
func (db *DB) Enqueue(h handle.Handle) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.orch.Enqueue(h)
}

// Flush evicts pending handles through the page controller.
func (db *DB) Flush() (orchestrator.Result, error) {
	if err := db.lock(); err != nil {
		return orchestrator.Result{}, err
	}
	defer db.mu.Unlock()
	return db.orch.Flush()
}

// Start opens a transaction frame.
func (db *DB) Start() error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	db.tx.Start()
	return nil
}

// End commits the innermost transaction frame.
func (db *DB) End() error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.tx.End()
}

// Abort rolls back the innermost transaction frame.
func (db *DB) Abort() error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.tx.Abort()
}

// AbortAll rolls back every open transaction frame.
func (db *DB) AbortAll() error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	return db.tx.AbortAll()
}

// Undo reverts the last recorded step.
func (db *DB) Undo() error {
	return db.history(db.undo.Undo)
}

// Redo reapplies the last undone step.
func (db *DB) Redo() error {
	return db.history(db.undo.Redo)
}

// UndoToLastMark reverts back to the most recent mark.
func (db *DB) UndoToLastMark() error {
	return db.history(db.undo.UndoToLastMark)
}

// SetMark records an undo mark.
func (db *DB) SetMark() error {
	return db.history(func() error {
		db.undo.SetMark()
		return nil
	})
}

// ClearUndo drops the undo history.
func (db *DB) ClearUndo() error {
	return db.history(func() error {
		db.undo.Clear()
		return nil
	})
}

// BlockUndo turns undo recording off or back on.
func (db *DB) BlockUndo(blocked bool) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()
	db.undo.Block(blocked)
	return nil
}

// history runs an undo stack operation. The stack is only touched between
// transactions.
func (db *DB) history(fn func() error) error {
	if err := db.lock(); err != nil {
		return err
	}
	defer db.mu.Unlock()

	if db.tx.Depth() > 0 {
		return errors.ErrTransactionActive
	}
	return fn()
}

// Stats summarizes the database.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()

	return Stats{
		ID:         db.id,
		Controller: db.ctrl.Name(),
		Mode:       db.ctrl.Mode(),
		Handles:    db.dir.Len(),
		States:     db.dir.Counts(),
		Pending:    db.orch.Len(),
		TxDepth:    db.tx.Depth(),
		UndoDepth:  db.undo.Len(),
		RedoDepth:  db.undo.RedoLen(),
		LastHandle: db.dir.Allocator().Last(),
	}
}
