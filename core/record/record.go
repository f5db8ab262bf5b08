// Package record provides a small concrete entity and its binary codec. The
// CLI and the scenario scripts use it to drive the runtime without a host
// application.
package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/FocuswithJustin/dwgcore/core/directory"
	"github.com/FocuswithJustin/dwgcore/core/errors"
	"github.com/FocuswithJustin/dwgcore/core/handle"
)

// FormatVersion is the first byte of every encoded record.
const FormatVersion byte = 1

// Record is a named text value that may own other records.
type Record struct {
	ID   handle.Handle
	Text string
	Owns []handle.Handle
}

// New creates a record.
func New(h handle.Handle, text string, owns ...handle.Handle) *Record {
	return &Record{ID: h, Text: text, Owns: owns}
}

func (r *Record) Handle() handle.Handle { return r.ID }

func (r *Record) HardReferences() []handle.Handle { return r.Owns }

// Own adds h to the owned set if it is not already there.
func (r *Record) Own(h handle.Handle) {
	if !slices.Contains(r.Owns, h) {
		r.Owns = append(r.Owns, h)
	}
}

// Codec encodes records as: version byte, uvarint text length, text, uvarint
// owned count, then each owned handle as a uvarint.
type Codec struct{}

func (Codec) Serialize(e directory.Entity) ([]byte, error) {
	r, ok := e.(*Record)
	if !ok {
		return nil, fmt.Errorf("record: cannot serialize %T", e)
	}

	buf := make([]byte, 0, 1+binary.MaxVarintLen64*(2+len(r.Owns))+len(r.Text))
	buf = append(buf, FormatVersion)
	buf = binary.AppendUvarint(buf, uint64(len(r.Text)))
	buf = append(buf, r.Text...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Owns)))
	for _, o := range r.Owns {
		buf = binary.AppendUvarint(buf, uint64(o))
	}
	return buf, nil
}

func (Codec) Deserialize(h handle.Handle, data []byte) (directory.Entity, error) {
	rd := bytes.NewReader(data)

	version, err := rd.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "record: read version")
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("record: unsupported version %d", version)
	}

	n, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, errors.Wrap(err, "record: read text length")
	}
	if n > uint64(rd.Len()) {
		return nil, fmt.Errorf("record: text length %d exceeds payload", n)
	}
	text := make([]byte, n)
	rd.Read(text)

	count, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, errors.Wrap(err, "record: read owned count")
	}
	if count > uint64(rd.Len()) {
		return nil, fmt.Errorf("record: owned count %d exceeds payload", count)
	}
	var owns []handle.Handle
	for i := uint64(0); i < count; i++ {
		o, err := binary.ReadUvarint(rd)
		if err != nil {
			return nil, errors.Wrapf(err, "record: read owned handle %d", i)
		}
		owns = append(owns, handle.Handle(o))
	}
	if rd.Len() != 0 {
		return nil, fmt.Errorf("record: %d trailing bytes", rd.Len())
	}

	return &Record{ID: h, Text: string(text), Owns: owns}, nil
}
