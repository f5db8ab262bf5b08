package paging

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/FocuswithJustin/dwgcore/core/errors"
)

// RecordInfo locates one length-prefixed record in a scratch file.
type RecordInfo struct {
	Offset int64
	Length uint32
}

// ScanFile walks the records of a scratch file of the given size from offset
// zero. Slots are only ever reused at their exact length, so records tile the
// file with no gaps. A record that runs past size is reported as corruption.
func ScanFile(r io.ReaderAt, size int64) ([]RecordInfo, error) {
	var records []RecordInfo
	var hdr [RecordHeaderSize]byte

	for offset := int64(0); offset < size; {
		if offset+RecordHeaderSize > size {
			return records, errors.NewCorruption("", offset, "truncated length prefix")
		}
		if _, err := r.ReadAt(hdr[:], offset); err != nil {
			return records, fmt.Errorf("read header at %d: %w", offset, err)
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		end := offset + RecordHeaderSize + int64(n)
		if end > size {
			return records, errors.NewCorruption("", offset, fmt.Sprintf("record length %d runs past end of file", n))
		}
		records = append(records, RecordInfo{Offset: offset, Length: n})
		offset = end
	}
	return records, nil
}
