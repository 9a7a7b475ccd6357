package proto

import "fmt"

// Code is the protocol error code carried in the _code field of a reply.
// Codes are stable small non-negative integers; zero always means success.
type Code int32

const (
	Ok Code = iota
	InternalError
	UnsupportedFormat
	PermissionDenied
	Unauthorized
	AuthenticationFailed
	NoConsumers
	DuplicateSlotId
	TargetSlotIdNotExist
	RefuseReceiveMessage
	CannotGetChanField
	UnsupportedChan
	CannotGetValueField
	InvalidSlotIdFieldType
	InvalidLabelFieldType
	InvalidToFieldType
	InvalidToSocketFieldType
	InvalidTagsFieldType
	InvalidShareFieldType
	BrokenPipe

	maxCode
)

var codeNames = map[Code]string{
	Ok:                       "Ok",
	InternalError:            "InternalError",
	UnsupportedFormat:        "UnsupportedFormat",
	PermissionDenied:         "PermissionDenied",
	Unauthorized:             "Unauthorized",
	AuthenticationFailed:     "AuthenticationFailed",
	NoConsumers:              "NoConsumers",
	DuplicateSlotId:          "DuplicateSlotId",
	TargetSlotIdNotExist:     "TargetSlotIdNotExist",
	RefuseReceiveMessage:     "RefuseReceiveMessage",
	CannotGetChanField:       "CannotGetChanField",
	UnsupportedChan:          "UnsupportedChan",
	CannotGetValueField:      "CannotGetValueField",
	InvalidSlotIdFieldType:   "InvalidSlotIdFieldType",
	InvalidLabelFieldType:    "InvalidLabelFieldType",
	InvalidToFieldType:       "InvalidToFieldType",
	InvalidToSocketFieldType: "InvalidToSocketFieldType",
	InvalidTagsFieldType:     "InvalidTagsFieldType",
	InvalidShareFieldType:    "InvalidShareFieldType",
	BrokenPipe:               "BrokenPipe",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Valid reports whether c is a known code.
func (c Code) Valid() bool {
	return c >= Ok && c < maxCode
}

// Err converts a non-zero code into an error. Ok yields nil.
func (c Code) Err() error {
	if c == Ok {
		return nil
	}
	return &CodeError{Code: c}
}

// CodeError wraps a protocol code as a Go error for the client side.
type CodeError struct {
	Code Code
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("broker replied %s (%d)", e.Code, int32(e.Code))
}
