package codec

import (
	"github.com/switchyard-io/switchyard/record"
)

// Codec converts between records and wire frames. The crypto argument is
// nil on plaintext connections.
type Codec interface {
	Encode(crypto *Crypto, rec record.Record) ([]byte, error)
	Decode(crypto *Crypto, frame []byte) (record.Record, error)
}

// RecordCodec is the default Codec. The encoded record already carries
// the frame's length prefix, so encoding is marshal-then-seal and
// decoding is open-then-unmarshal.
type RecordCodec struct{}

func (RecordCodec) Encode(crypto *Crypto, rec record.Record) ([]byte, error) {
	frame, err := rec.Marshal()
	if err != nil {
		return nil, err
	}
	if crypto != nil {
		return crypto.Seal(frame)
	}
	return frame, nil
}

func (RecordCodec) Decode(crypto *Crypto, frame []byte) (record.Record, error) {
	if crypto != nil {
		var err error
		frame, err = crypto.Open(frame)
		if err != nil {
			return nil, err
		}
	}
	return record.Unmarshal(frame)
}
