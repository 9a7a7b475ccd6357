package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/switchyard-io/switchyard/record"
)

// minFrameLen is the shortest legal frame: the length prefix plus one
// byte of body.
const minFrameLen = 5

// Reader pulls length-prefixed frames off a byte stream. It first reads
// the 4-byte little-endian length, validates it, then reads the remainder
// of the frame. Partial reads simply block inside io.ReadFull; the
// underlying connection's read deadline bounds how long that can take.
type Reader struct {
	r   io.Reader
	max int
}

// NewReader wraps a stream. max bounds the accepted frame length; zero
// means the record maximum.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 || max > record.MaxLen {
		max = record.MaxLen
	}
	return &Reader{r: r, max: max}
}

// ReadFrame returns the next complete frame including its length prefix.
func (r *Reader) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if n < minFrameLen {
		return nil, fmt.Errorf("codec: invalid frame length %d: %w", n, ErrFrameTooShort)
	}
	if n > r.max {
		return nil, fmt.Errorf("codec: frame length %d: %w", n, ErrFrameTooLarge)
	}

	frame := make([]byte, n)
	copy(frame, lenBuf[:])
	if _, err := io.ReadFull(r.r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// ValidateFrame checks the length prefix of an already-complete frame,
// as delivered by message-oriented transports.
func ValidateFrame(frame []byte, max int) error {
	if max <= 0 || max > record.MaxLen {
		max = record.MaxLen
	}
	if len(frame) < minFrameLen {
		return ErrFrameTooShort
	}
	if len(frame) > max {
		return ErrFrameTooLarge
	}
	if n := int(binary.LittleEndian.Uint32(frame[:4])); n != len(frame) {
		return fmt.Errorf("codec: frame length prefix %d does not match %d bytes", n, len(frame))
	}
	return nil
}
