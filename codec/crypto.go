// Package codec frames records onto byte streams and optionally seals
// them with an authenticated cipher.
//
// Frame layout:
//
//	[ len:u32 le ][ serialized body ]                 plaintext
//	[ len:u32 le ][ ciphertext ][ tag ][ nonce ]      sealed
//
// The length always counts the whole frame including itself.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/switchyard-io/switchyard/record"
)

// NonceLen is the AEAD nonce size in bytes.
const NonceLen = 12

// TagLen is the AEAD tag size in bytes; all supported methods use 16.
const TagLen = 16

// Overhead is the total growth of a sealed frame.
const Overhead = TagLen + NonceLen

var (
	ErrFrameTooShort = errors.New("codec: frame too short")
	ErrFrameTooLarge = errors.New("codec: frame exceeds 64 MiB")
	ErrNonceMismatch = errors.New("codec: nonce out of sequence")
	ErrOpenFailed    = errors.New("codec: decryption failed")
)

// Method selects the AEAD used to seal frames.
type Method int

const (
	Aes128Gcm Method = iota
	Aes256Gcm
	ChaCha20Poly1305
)

const (
	methodAes128Gcm       = "AES_128_GCM"
	methodAes256Gcm       = "AES_256_GCM"
	methodChaCha20Poly130 = "CHACHA20_POLY1305"
)

// ParseMethod resolves the wire name of an AEAD method as negotiated in
// the _hand handshake.
func ParseMethod(s string) (Method, error) {
	switch s {
	case methodAes128Gcm:
		return Aes128Gcm, nil
	case methodAes256Gcm:
		return Aes256Gcm, nil
	case methodChaCha20Poly130:
		return ChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("codec: unknown crypto method %q", s)
	}
}

func (m Method) String() string {
	switch m {
	case Aes128Gcm:
		return methodAes128Gcm
	case Aes256Gcm:
		return methodAes256Gcm
	case ChaCha20Poly1305:
		return methodChaCha20Poly130
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

func (m Method) keyLen() int {
	if m == Aes128Gcm {
		return 16
	}
	return 32
}

// Crypto seals and opens frames for one connection. Nonces are 96-bit
// per-direction counters starting at zero and bumped before every
// operation; the receiver rejects any frame whose trailing nonce does not
// match its own expectation, which makes replayed ciphertext a hard
// transport error.
//
// A Crypto must only be used by the single goroutine owning its
// connection.
type Crypto struct {
	aead      cipher.AEAD
	method    Method
	sealNonce [NonceLen]byte
	openNonce [NonceLen]byte
}

// NewCrypto derives a connection key from the shared secret (the first
// keyLen bytes of its SHA-256 digest) and returns a ready Crypto.
func NewCrypto(method Method, secret []byte) (*Crypto, error) {
	sum := sha256.Sum256(secret)
	key := sum[:method.keyLen()]

	var aead cipher.AEAD
	var err error
	switch method {
	case Aes128Gcm, Aes256Gcm:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case ChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		err = fmt.Errorf("codec: unknown crypto method %d", method)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: init %s: %w", method, err)
	}

	return &Crypto{aead: aead, method: method}, nil
}

// Method returns the negotiated AEAD.
func (c *Crypto) Method() Method { return c.method }

// Seal encrypts a plaintext frame in the wire layout and returns the
// sealed frame with its length rewritten to include the overhead.
func (c *Crypto) Seal(frame []byte) ([]byte, error) {
	if len(frame) <= 4 {
		return nil, ErrFrameTooShort
	}

	bump(&c.sealNonce)

	out := make([]byte, 4, 4+len(frame)-4+Overhead)
	out = c.aead.Seal(out, c.sealNonce[:], frame[4:], nil)
	out = append(out, c.sealNonce[:]...)

	if len(out) > record.MaxLen {
		return nil, ErrFrameTooLarge
	}
	binary.LittleEndian.PutUint32(out[:4], uint32(len(out)))
	return out, nil
}

// Open authenticates and decrypts a sealed frame, verifying the nonce
// counter, and returns the plaintext frame with its length restored.
func (c *Crypto) Open(frame []byte) ([]byte, error) {
	if len(frame) <= 4+Overhead {
		return nil, ErrFrameTooShort
	}

	bump(&c.openNonce)

	nonce := frame[len(frame)-NonceLen:]
	if !equalNonce(nonce, c.openNonce[:]) {
		return nil, ErrNonceMismatch
	}

	body, err := c.aead.Open(nil, nonce, frame[4:len(frame)-NonceLen], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(out)))
	copy(out[4:], body)
	return out, nil
}

// bump increments a 96-bit little-endian counter nonce.
func bump(n *[NonceLen]byte) {
	for i := 0; i < NonceLen; i++ {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

func equalNonce(a, b []byte) bool {
	var diff byte
	for i := 0; i < NonceLen; i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
