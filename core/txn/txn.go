// Package txn captures before-images of mutated entities in nested
// transaction frames and turns committed work into undo steps.
//
// The controller moves Idle -> Active(1) -> ... -> Active(N) and back. A
// handle's before-image is captured once, by the first mutation under any
// open frame. Ending an inner frame hands its captures to the enclosing one;
// ending the outermost frame records one undo step.
package txn

import (
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/undo"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// Images reads and writes entity snapshots. The object directory implements
// it.
type Images interface {
	Snapshot(h handle.Handle) ([]byte, error)
	Restore(h handle.Handle, image []byte) error
}

// Recorder receives the step produced by an outermost commit. The undo stack
// implements it.
type Recorder interface {
	Push(step undo.Step) error
}

type capture struct {
	h      handle.Handle
	before []byte
	sum    [32]byte // BLAKE3 of before, zero when before is nil
}

func newCapture(h handle.Handle, before []byte) capture {
	c := capture{h: h, before: before}
	if before != nil {
		c.sum = blake3.Sum256(before)
	}
	return c
}

// unchanged reports whether after is the image that was captured.
func (c capture) unchanged(after []byte) bool {
	if (c.before == nil) != (after == nil) {
		return false
	}
	return after == nil || blake3.Sum256(after) == c.sum
}

type frame struct {
	captures []capture
	has      map[handle.Handle]bool
}

func newFrame() *frame {
	return &frame{has: make(map[handle.Handle]bool)}
}

func (f *frame) add(c capture) {
	f.captures = append(f.captures, c)
	f.has[c.h] = true
}

// Controller is the transaction stack of one database. It is not safe for
// concurrent use.
type Controller struct {
	images   Images
	recorder Recorder
	frames   []*frame
}

// New creates an idle controller.
func New(images Images, recorder Recorder) *Controller {
	return &Controller{images: images, recorder: recorder}
}

// Depth returns the number of open frames.
func (c *Controller) Depth() int {
	return len(c.frames)
}

// Start opens a frame.
func (c *Controller) Start() {
	c.frames = append(c.frames, newFrame())
	logging.TransactionEvent("start", len(c.frames), 0)
}

// OnMutation captures h's before-image unless an open frame already holds
// one. It must be called before the mutation is applied. Outside a
// transaction it does nothing.
func (c *Controller) OnMutation(h handle.Handle) error {
	if len(c.frames) == 0 {
		return nil
	}
	for _, f := range c.frames {
		if f.has[h] {
			return nil
		}
	}

	before, err := c.images.Snapshot(h)
	if err != nil {
		return errors.Wrapf(err, "capture %s", h)
	}
	c.inner().add(newCapture(h, before))
	return nil
}

// Captured reports whether any open frame holds a before-image for h.
func (c *Controller) Captured(h handle.Handle) bool {
	for _, f := range c.frames {
		if f.has[h] {
			return true
		}
	}
	return false
}

// End commits the innermost frame. An inner frame's captures move to its
// parent. The outermost frame becomes an undo step holding each handle's
// before-image and its current after-image; handles whose images are
// identical are left out, and an empty step is not recorded.
func (c *Controller) End() error {
	if len(c.frames) == 0 {
		return errors.ErrNoActiveTransaction
	}

	f := c.inner()
	if len(c.frames) > 1 {
		c.frames = c.frames[:len(c.frames)-1]
		parent := c.inner()
		for _, cp := range f.captures {
			parent.add(cp)
		}
		logging.TransactionEvent("end", len(c.frames), len(f.captures))
		return nil
	}

	var step undo.Step
	for _, cp := range f.captures {
		after, err := c.images.Snapshot(cp.h)
		if err != nil {
			return errors.Wrapf(err, "commit %s", cp.h)
		}
		if cp.unchanged(after) {
			continue
		}
		step.Entries = append(step.Entries, undo.Entry{Handle: cp.h, Before: cp.before, After: after})
	}

	c.frames = c.frames[:0]
	logging.TransactionEvent("commit", 0, len(step.Entries), "unchanged", len(f.captures)-len(step.Entries))
	return c.recorder.Push(step)
}

// Abort discards the innermost frame and restores its before-images in
// reverse capture order. Every capture is restored even if one fails; the
// first failure is returned.
func (c *Controller) Abort() error {
	if len(c.frames) == 0 {
		return errors.ErrNoActiveTransaction
	}

	f := c.inner()
	c.frames = c.frames[:len(c.frames)-1]

	var first error
	for i := len(f.captures) - 1; i >= 0; i-- {
		cp := f.captures[i]
		if err := c.images.Restore(cp.h, cp.before); err != nil && first == nil {
			first = errors.Wrapf(err, "abort %s", cp.h)
		}
	}
	logging.TransactionEvent("abort", len(c.frames), len(f.captures))
	return first
}

// AbortAll aborts every open frame, innermost first.
func (c *Controller) AbortAll() error {
	var first error
	for len(c.frames) > 0 {
		if err := c.Abort(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Controller) inner() *frame {
	return c.frames[len(c.frames)-1]
}
