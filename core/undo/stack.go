// Package undo keeps the user-visible undo and redo history of a database.
//
// Each Step holds the before and after images of every handle a committed
// command touched. Undo writes the before-images back, Redo the after-images.
// Marks are zero-length steps that UndoToLastMark rewinds to. The bottom of
// the undo stack is a base step that is never popped, so history always has a
// floor even after Clear.
package undo

import (
	"github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// Entry is the change to one handle within a step. A nil image means the
// handle had no live entity at that point.
type Entry struct {
	Handle handle.Handle
	Before []byte
	After  []byte
}

// Step is one undoable unit, normally one outermost transaction.
type Step struct {
	Entries []Entry
}

// Restorer installs an image for a handle. A nil image erases the handle.
type Restorer interface {
	Restore(h handle.Handle, image []byte) error
}

// Config configures a Stack.
type Config struct {
	// CompressThreshold is the image size in bytes at which images are held
	// xz-compressed. Zero disables compression.
	CompressThreshold int
}

type storedEntry struct {
	h      handle.Handle
	before image
	after  image
}

type frame struct {
	entries []storedEntry
	mark    bool
	base    bool
}

// Stack is the undo/redo history. It is not safe for concurrent use.
type Stack struct {
	target    Restorer
	threshold int

	undo    []*frame
	redo    []*frame
	blocked bool
}

// NewStack creates an empty history that applies images through target.
func NewStack(target Restorer, cfg Config) *Stack {
	return &Stack{
		target:    target,
		threshold: cfg.CompressThreshold,
		undo:      []*frame{{base: true}},
	}
}

// Push records step and discards the redo history. Empty steps are ignored.
// While recording is blocked the step is dropped and the redo history is
// discarded.
func (s *Stack) Push(step Step) error {
	if len(step.Entries) == 0 {
		return nil
	}
	if s.blocked {
		s.redo = nil
		return nil
	}

	f := &frame{entries: make([]storedEntry, 0, len(step.Entries))}
	for _, e := range step.Entries {
		before, err := pack(e.Before, s.threshold)
		if err != nil {
			return err
		}
		after, err := pack(e.After, s.threshold)
		if err != nil {
			return err
		}
		f.entries = append(f.entries, storedEntry{h: e.Handle, before: before, after: after})
	}

	s.redo = nil
	s.undo = append(s.undo, f)
	logging.UndoEvent("push", len(f.entries), s.Len(), 0)
	return nil
}

// SetMark pushes a mark for UndoToLastMark and discards the redo history.
func (s *Stack) SetMark() {
	if s.blocked {
		return
	}
	s.redo = nil
	s.undo = append(s.undo, &frame{mark: true})
	logging.UndoEvent("mark", 0, s.Len(), 0)
}

// Undo reverts the most recent step. Marks above it move to the redo stack
// with it.
func (s *Stack) Undo() error {
	marks := 0
	for s.top().mark {
		s.moveToRedo()
		marks++
	}
	if s.top().base {
		s.restoreMarks(marks)
		return errors.ErrNoUndoAvailable
	}
	if err := s.undoTop(); err != nil {
		s.restoreMarks(marks)
		return err
	}
	return nil
}

// restoreMarks moves n marks from the redo stack back on top of the undo stack.
func (s *Stack) restoreMarks(n int) {
	for ; n > 0; n-- {
		s.moveToUndo()
	}
}

// UndoToLastMark reverts steps until the most recent mark, then removes the
// mark. Without a mark it reverts everything down to the base step.
func (s *Stack) UndoToLastMark() error {
	if s.top().base {
		return errors.ErrNoUndoAvailable
	}
	for !s.top().base && !s.top().mark {
		if err := s.undoTop(); err != nil {
			return err
		}
	}
	if s.top().mark {
		s.moveToRedo()
	}
	logging.UndoEvent("undo-to-mark", 0, s.Len(), s.RedoLen())
	return nil
}

// Redo reapplies the most recently undone step, along with any marks that
// were undone immediately before it.
func (s *Stack) Redo() error {
	if len(s.redo) == 0 {
		return errors.ErrNoRedoAvailable
	}

	f := s.redo[len(s.redo)-1]
	if !f.mark {
		for i, e := range f.entries {
			raw, err := e.after.unpack()
			if err != nil {
				return err
			}
			if err := s.target.Restore(e.h, raw); err != nil {
				s.rollback(f.entries[:i], false)
				return errors.Wrapf(err, "redo %s", e.h)
			}
		}
	}
	s.moveToUndo()
	for len(s.redo) > 0 && s.redo[len(s.redo)-1].mark {
		s.moveToUndo()
	}
	logging.UndoEvent("redo", len(f.entries), s.Len(), s.RedoLen())
	return nil
}

// undoTop applies the top step's before-images in reverse order and moves it
// to the redo stack. The top must be a real step.
func (s *Stack) undoTop() error {
	f := s.top()
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		raw, err := e.before.unpack()
		if err != nil {
			return err
		}
		if err := s.target.Restore(e.h, raw); err != nil {
			s.rollback(f.entries[i+1:], true)
			return errors.Wrapf(err, "undo %s", e.h)
		}
	}
	s.moveToRedo()
	logging.UndoEvent("undo", len(f.entries), s.Len(), s.RedoLen())
	return nil
}

// rollback reinstates images already applied by a failed undo or redo so
// the step stays where it was.
func (s *Stack) rollback(applied []storedEntry, undoing bool) {
	for _, e := range applied {
		im := e.before
		if undoing {
			im = e.after
		}
		raw, err := im.unpack()
		if err == nil {
			err = s.target.Restore(e.h, raw)
		}
		if err != nil {
			logging.Error("undo rollback failed", "handle", e.h.String(), "error", err)
		}
	}
}

func (s *Stack) top() *frame {
	return s.undo[len(s.undo)-1]
}

func (s *Stack) moveToRedo() {
	f := s.top()
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, f)
}

func (s *Stack) moveToUndo() {
	f := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, f)
}

// Block turns recording off (true) or back on (false).
func (s *Stack) Block(blocked bool) {
	s.blocked = blocked
}

// Blocked reports whether recording is off.
func (s *Stack) Blocked() bool {
	return s.blocked
}

// Clear drops all history except the base step.
func (s *Stack) Clear() {
	s.undo = []*frame{s.undo[0]}
	s.redo = nil
	logging.UndoEvent("clear", 0, 0, 0)
}

// Len returns the number of steps and marks that can be undone.
func (s *Stack) Len() int {
	return len(s.undo) - 1
}

// RedoLen returns the number of steps and marks that can be redone.
func (s *Stack) RedoLen() int {
	return len(s.redo)
}
