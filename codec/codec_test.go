package codec

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard-io/switchyard/record"
)

func sealOpenPair(t *testing.T, method Method) (*Crypto, *Crypto) {
	t.Helper()
	sender, err := NewCrypto(method, []byte("secret"))
	require.NoError(t, err)
	receiver, err := NewCrypto(method, []byte("secret"))
	require.NoError(t, err)
	return sender, receiver
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, method := range []Method{Aes128Gcm, Aes256Gcm, ChaCha20Poly1305} {
		t.Run(method.String(), func(t *testing.T) {
			sender, receiver := sealOpenPair(t, method)

			rec := record.Record{"_chan": "room", "n": int32(42)}
			frame, err := RecordCodec{}.Encode(sender, rec)
			require.NoError(t, err)

			got, err := RecordCodec{}.Decode(receiver, frame)
			require.NoError(t, err)

			ch, _ := got.Str("_chan")
			assert.Equal(t, "room", ch)
			n, _ := got.Int32("n")
			assert.Equal(t, int32(42), n)
		})
	}
}

func TestReplayRejected(t *testing.T) {
	sender, receiver := sealOpenPair(t, Aes128Gcm)

	frame, err := RecordCodec{}.Encode(sender, record.Record{"n": int32(1)})
	require.NoError(t, err)

	replay := make([]byte, len(frame))
	copy(replay, frame)

	_, err = RecordCodec{}.Decode(receiver, frame)
	require.NoError(t, err)

	// The receiver's counter has moved on; the identical ciphertext must
	// now be refused.
	_, err = RecordCodec{}.Decode(receiver, replay)
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestTamperRejected(t *testing.T) {
	sender, receiver := sealOpenPair(t, ChaCha20Poly1305)

	frame, err := sender.Seal(mustMarshal(t, record.Record{"n": int32(7)}))
	require.NoError(t, err)

	frame[6] ^= 0xff

	_, err = receiver.Open(frame)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestWrongSecretRejected(t *testing.T) {
	sender, err := NewCrypto(Aes256Gcm, []byte("secret"))
	require.NoError(t, err)
	receiver, err := NewCrypto(Aes256Gcm, []byte("other"))
	require.NoError(t, err)

	frame, err := sender.Seal(mustMarshal(t, record.Record{"n": int32(7)}))
	require.NoError(t, err)

	_, err = receiver.Open(frame)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestSealShortFrame(t *testing.T) {
	sender, _ := sealOpenPair(t, Aes128Gcm)

	_, err := sender.Seal([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestParseMethod(t *testing.T) {
	for _, method := range []Method{Aes128Gcm, Aes256Gcm, ChaCha20Poly1305} {
		got, err := ParseMethod(method.String())
		require.NoError(t, err)
		assert.Equal(t, method, got)
	}

	_, err := ParseMethod("ROT13")
	assert.Error(t, err)
}

func TestFrameHMAC(t *testing.T) {
	signer := NewFrameHMAC([]byte("shared"))

	frame := mustMarshal(t, record.Record{"n": int32(5)})
	signed, err := signer.Sign(frame)
	require.NoError(t, err)
	assert.Len(t, signed, len(frame)+HMACTagLen)

	got, err := signer.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	signed[5] ^= 0x01
	_, err = signer.Verify(signed)
	assert.ErrorIs(t, err, ErrBadFrameMAC)
}

func TestReaderReassemblesSplitFrames(t *testing.T) {
	frameA := mustMarshal(t, record.Record{"n": int32(1)})
	frameB := mustMarshal(t, record.Record{"n": int32(2)})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// Dribble the bytes across frame boundaries.
		all := append(append([]byte{}, frameA...), frameB...)
		for len(all) > 0 {
			n := 3
			if n > len(all) {
				n = len(all)
			}
			if _, err := client.Write(all[:n]); err != nil {
				return
			}
			all = all[n:]
			time.Sleep(time.Millisecond)
		}
	}()

	r := NewReader(server, 0)

	got, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frameA, got)

	got, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frameB, got)
}

func TestReaderRejectsBadLength(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 0, 0, 0, 9}), 0)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooShort)

	r = NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 9}), 1024)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	r = NewReader(bytes.NewReader(nil), 0)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestValidateFrame(t *testing.T) {
	frame := mustMarshal(t, record.Record{"n": int32(1)})
	assert.NoError(t, ValidateFrame(frame, 0))

	assert.Error(t, ValidateFrame(frame[:3], 0))
	assert.Error(t, ValidateFrame(append(frame, 0), 0))
}

func mustMarshal(t *testing.T, rec record.Record) []byte {
	t.Helper()
	buf, err := rec.Marshal()
	require.NoError(t, err)
	return buf
}
