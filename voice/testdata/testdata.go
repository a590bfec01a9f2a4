// Package testdata streams the DCA sample files used by the voice tests and
// examples.
package testdata

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Sample is a short DCA file holding a second of Opus silence frames.
const Sample = "testdata/silence.dca"

// StreamDCA reads the DCA file at path and writes its Opus frames to w, one
// Write call per frame. DCA prefixes every frame with a little-endian int32
// length.
func StreamDCA(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open "+path)
	}
	defer f.Close()

	frame := make([]byte, 0, 1024)

	var lenbuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenbuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "failed to read the frame length")
		}

		n := int(binary.LittleEndian.Uint32(lenbuf[:]))
		if cap(frame) < n {
			frame = make([]byte, n)
		}
		frame = frame[:n]

		if _, err := io.ReadFull(f, frame); err != nil {
			return errors.Wrap(err, "failed to read the frame")
		}

		if _, err := w.Write(frame); err != nil {
			return errors.Wrap(err, "failed to write the frame")
		}
	}
}
