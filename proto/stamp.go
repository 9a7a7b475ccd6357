package proto

import "github.com/switchyard-io/switchyard/record"

// Stamp writes the code into a record's _code field. Non-OK codes also
// carry the code name in _erro to ease debugging on the far side.
func Stamp(rec record.Record, c Code) {
	rec.Set(KeyCode, int32(c))
	if c != Ok {
		rec.Set(KeyError, c.String())
	} else {
		rec.Del(KeyError)
	}
}

// CodeOf reads the _code field. The boolean is false when no code is
// present.
func CodeOf(rec record.Record) (Code, bool) {
	v, ok := rec.Int32(KeyCode)
	if !ok {
		return Ok, false
	}
	return Code(v), true
}
