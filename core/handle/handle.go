// Package handle mints the stable identifiers that address entities in a
// drawing database.
//
// Handles are strictly increasing within one database's lifetime and are never
// reused while the database is open. Zero is the null sentinel. The text form
// is upper-case hexadecimal, the notation drawing files use for handles.
package handle

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/FocuswithJustin/dwgcore/core/errors"
)

// Handle identifies one entity in a database.
type Handle uint64

// Null is the zero handle. It never addresses an entity.
const Null Handle = 0

// String returns the upper-case hex form of h.
func (h Handle) String() string {
	return strings.ToUpper(strconv.FormatUint(uint64(h), 16))
}

// IsNull reports whether h is the null sentinel.
func (h Handle) IsNull() bool {
	return h == Null
}

// Parse converts a hex handle ("1A3F", "0x1a3f") to a Handle.
func Parse(s string) (Handle, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return Null, fmt.Errorf("empty handle")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return Null, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	return Handle(v), nil
}

// Allocator hands out handles. It is not safe for concurrent use.
type Allocator struct {
	last Handle
}

// NewAllocator returns an allocator whose next handle is after seed.
// Pass the highest handle recorded by a previous save, or Null for a new database.
func NewAllocator(seed Handle) *Allocator {
	return &Allocator{last: seed}
}

// Next returns a fresh handle.
func (a *Allocator) Next() (Handle, error) {
	if a.last == math.MaxUint64 {
		return Null, errors.ErrHandleSpaceExhausted
	}
	a.last++
	return a.last, nil
}

// Claim reserves an externally supplied handle (read from a file, say).
// Null behaves like Next. Any other value is returned unchanged and the
// counter is advanced past it so later Next calls cannot collide with it.
func (a *Allocator) Claim(h Handle) (Handle, error) {
	if h.IsNull() {
		return a.Next()
	}
	if h > a.last {
		a.last = h
	}
	return h, nil
}

// Last returns the highest handle issued or claimed so far.
func (a *Allocator) Last() Handle {
	return a.last
}
