package vsockexec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize caps a single framed message.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is the ErrProtocol raised for frames over MaxFrameSize,
// and what a call returns when the peer's reply could not fit one.
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)

// WriteFrame writes payload prefixed with its length as a big-endian uint32.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. A clean EOF before the header is
// returned as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
