package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// HMACTagLen is the length of the appended HMAC-SHA256 tag.
const HMACTagLen = sha256.Size

// ErrBadFrameMAC is returned when a frame's HMAC tag does not verify.
var ErrBadFrameMAC = errors.New("codec: frame hmac verification failed")

// FrameHMAC provides the alternative trust model for plaintext links: a
// keyed HMAC-SHA256 over each frame instead of encryption. The length
// prefix is rewritten to account for the 32-byte tag before the tag is
// computed, so the tag covers the final frame bytes.
type FrameHMAC struct {
	key []byte
}

// NewFrameHMAC returns a signer/verifier using the given key.
func NewFrameHMAC(key []byte) *FrameHMAC {
	k := make([]byte, len(key))
	copy(k, key)
	return &FrameHMAC{key: k}
}

// Sign appends the tag to a frame and returns the signed frame.
func (f *FrameHMAC) Sign(frame []byte) ([]byte, error) {
	if len(frame) <= 4 {
		return nil, ErrFrameTooShort
	}

	out := make([]byte, len(frame), len(frame)+HMACTagLen)
	copy(out, frame)
	binary.LittleEndian.PutUint32(out[:4], uint32(len(frame)+HMACTagLen))

	mac := hmac.New(sha256.New, f.key)
	mac.Write(out)
	return mac.Sum(out), nil
}

// Verify checks the tag and returns the original frame with its length
// restored.
func (f *FrameHMAC) Verify(frame []byte) ([]byte, error) {
	if len(frame) <= 4+HMACTagLen {
		return nil, ErrFrameTooShort
	}

	body, tag := frame[:len(frame)-HMACTagLen], frame[len(frame)-HMACTagLen:]

	mac := hmac.New(sha256.New, f.key)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, ErrBadFrameMAC
	}

	out := make([]byte, len(body))
	copy(out, body)
	binary.LittleEndian.PutUint32(out[:4], uint32(len(out)))
	return out, nil
}
