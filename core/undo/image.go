package undo

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/dwgcore/core/errors"
)

// Function variables for testing.
var (
	xzNewWriter = xz.NewWriter
	xzNewReader = xz.NewReader
)

// image is one stored snapshot. A nil image stays nil; images at or above the
// stack's compression threshold are held xz-compressed.
type image struct {
	data   []byte
	packed bool
}

func pack(raw []byte, threshold int) (image, error) {
	if raw == nil || threshold <= 0 || len(raw) < threshold {
		return image{data: raw}, nil
	}

	var buf bytes.Buffer
	w, err := xzNewWriter(&buf)
	if err != nil {
		return image{}, errors.Wrap(err, "undo: create xz writer")
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return image{}, errors.Wrap(err, "undo: compress image")
	}
	if err := w.Close(); err != nil {
		return image{}, errors.Wrap(err, "undo: compress image")
	}
	return image{data: buf.Bytes(), packed: true}, nil
}

func (im image) unpack() ([]byte, error) {
	if !im.packed {
		return im.data, nil
	}
	r, err := xzNewReader(bytes.NewReader(im.data))
	if err != nil {
		return nil, errors.Wrap(err, "undo: open xz reader")
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "undo: decompress image")
	}
	return raw, nil
}
