// Package record implements the self-describing document exchanged through
// the broker: a string-keyed map of typed values with a binary encoding.
//
// Records are encoded as BSON documents. The encoded form is length
// prefixed with a 4-byte little-endian total length that includes the
// prefix itself, which is exactly the broker's frame layout: the encoded
// record IS the plaintext frame.
package record

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxLen bounds the encoded size of a single record.
const MaxLen = 64 * 1024 * 1024 // 64 MiB

// minLen is the size of an empty BSON document: length prefix plus the
// terminating zero byte.
const minLen = 5

var (
	ErrTooLarge    = errors.New("record: encoded record exceeds 64 MiB")
	ErrShortRecord = errors.New("record: encoded record shorter than minimum")
)

// ID is the 12-byte globally unique identifier used for slot ids, message
// ids and request ids.
type ID = primitive.ObjectID

// NilID is the zero ID.
var NilID = primitive.NilObjectID

// NewID returns a fresh globally unique ID.
func NewID() ID {
	return primitive.NewObjectID()
}

// Record is a schema-free document. Values are the BSON scalar types plus
// nested Records and arrays.
type Record map[string]any

// New returns an empty record.
func New() Record {
	return Record{}
}

// Marshal encodes the record. The result carries the 4-byte little-endian
// total length in its first four bytes.
func (r Record) Marshal() ([]byte, error) {
	buf, err := bson.Marshal(bson.M(r))
	if err != nil {
		return nil, fmt.Errorf("record: marshal: %w", err)
	}
	if len(buf) > MaxLen {
		return nil, ErrTooLarge
	}
	return buf, nil
}

// Unmarshal decodes an encoded record.
func Unmarshal(buf []byte) (Record, error) {
	if len(buf) < minLen {
		return nil, ErrShortRecord
	}
	if len(buf) > MaxLen {
		return nil, ErrTooLarge
	}
	var m bson.M
	if err := bson.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("record: unmarshal: %w", err)
	}
	return Record(m), nil
}

// Clone returns a copy of the record. Only the top level map is copied;
// the routing pipeline never mutates nested values in place.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Set inserts a key and returns the record for chaining.
func (r Record) Set(key string, v any) Record {
	r[key] = v
	return r
}

// Has reports whether key is present.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Del removes a key.
func (r Record) Del(key string) {
	delete(r, key)
}

// Str returns a string value.
func (r Record) Str(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

// Bool returns a boolean value.
func (r Record) Bool(key string) (bool, bool) {
	v, ok := r[key].(bool)
	return v, ok
}

// Int32 returns an int32 value.
func (r Record) Int32(key string) (int32, bool) {
	switch v := r[key].(type) {
	case int32:
		return v, true
	case int:
		return int32(v), true
	default:
		return 0, false
	}
}

// Int64 returns an integer value, widening from the narrower BSON types.
func (r Record) Int64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Uint64 returns a non-negative integer value.
func (r Record) Uint64(key string) (uint64, bool) {
	v, ok := r.Int64(key)
	if !ok || v < 0 {
		return 0, false
	}
	return uint64(v), true
}

// Bytes returns a binary value.
func (r Record) Bytes(key string) ([]byte, bool) {
	switch v := r[key].(type) {
	case []byte:
		return v, true
	case primitive.Binary:
		return v.Data, true
	default:
		return nil, false
	}
}

// GetID returns an ID value.
func (r Record) GetID(key string) (ID, bool) {
	v, ok := r[key].(primitive.ObjectID)
	return v, ok
}

// Rec returns a nested record.
func (r Record) Rec(key string) (Record, bool) {
	switch v := r[key].(type) {
	case Record:
		return v, true
	case bson.M:
		return Record(v), true
	case map[string]any:
		return Record(v), true
	default:
		return nil, false
	}
}

// Array returns an array value.
func (r Record) Array(key string) ([]any, bool) {
	switch v := r[key].(type) {
	case []any:
		return v, true
	case primitive.A:
		return []any(v), true
	default:
		return nil, false
	}
}

// Strings reads a value that may be a single string or an array of
// strings, the shape used by the _labe and _tags fields. The boolean is
// false when the key is present with any other shape.
func (r Record) Strings(key string) ([]string, bool) {
	v, present := r[key]
	if !present {
		return nil, true
	}
	switch v := v.(type) {
	case string:
		return []string{v}, true
	case []string:
		return v, true
	case []any, primitive.A:
		arr, _ := r.Array(key)
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// IDs reads a value that may be a single ID or an array of IDs, the shape
// used by the _to field. The boolean is false when the key is present
// with any other shape.
func (r Record) IDs(key string) ([]ID, bool) {
	v, present := r[key]
	if !present {
		return nil, true
	}
	switch v := v.(type) {
	case primitive.ObjectID:
		return []ID{v}, true
	case []any, primitive.A:
		arr, _ := r.Array(key)
		out := make([]ID, 0, len(arr))
		for _, item := range arr {
			id, ok := item.(primitive.ObjectID)
			if !ok {
				return nil, false
			}
			out = append(out, id)
		}
		return out, true
	default:
		return nil, false
	}
}
