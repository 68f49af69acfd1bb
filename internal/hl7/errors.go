package hl7

import (
	"errors"
	"fmt"
)

// Kind classifies a processing failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindFrameDesync
	KindMalformedPayload
	KindUnsupportedMessageType
	KindNotImplemented
	KindMissingLinkage
	KindAnalysisNotFound
	KindStoreWrite
)

func (k Kind) String() string {
	switch k {
	case KindFrameDesync:
		return "FrameDesync"
	case KindMalformedPayload:
		return "MalformedPayload"
	case KindUnsupportedMessageType:
		return "UnsupportedMessageType"
	case KindNotImplemented:
		return "NotImplemented"
	case KindMissingLinkage:
		return "MissingLinkage"
	case KindAnalysisNotFound:
		return "AnalysisNotFound"
	case KindStoreWrite:
		return "StoreWrite"
	default:
		return "Unknown"
	}
}

// Retryable reports whether resending the same message could succeed.
// Only store failures (and unclassified errors) qualify.
func (k Kind) Retryable() bool {
	return k == KindStoreWrite || k == KindUnknown
}

// Error is a tagged processing failure. Message is the text sent back to the
// peer in the NACK.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrFrameDesync            = &Error{Kind: KindFrameDesync}
	ErrMalformedPayload       = &Error{Kind: KindMalformedPayload}
	ErrUnsupportedMessageType = &Error{Kind: KindUnsupportedMessageType}
	ErrNotImplemented         = &Error{Kind: KindNotImplemented}
	ErrMissingLinkage         = &Error{Kind: KindMissingLinkage}
	ErrAnalysisNotFound       = &Error{Kind: KindAnalysisNotFound}
	ErrStoreWrite             = &Error{Kind: KindStoreWrite}
)

func FrameDesync(format string, args ...any) *Error {
	return &Error{Kind: KindFrameDesync, Message: fmt.Sprintf(format, args...)}
}

func MalformedPayload(format string, args ...any) *Error {
	return &Error{Kind: KindMalformedPayload, Message: fmt.Sprintf(format, args...)}
}

func UnsupportedMessageType(messageType string) *Error {
	return &Error{
		Kind:    KindUnsupportedMessageType,
		Message: fmt.Sprintf("Unsupported message type: %s", messageType),
	}
}

func NotImplemented(messageType string) *Error {
	return &Error{
		Kind:    KindNotImplemented,
		Message: fmt.Sprintf("Message type %s not implemented", messageType),
	}
}

func MissingLinkage(format string, args ...any) *Error {
	return &Error{Kind: KindMissingLinkage, Message: fmt.Sprintf(format, args...)}
}

func AnalysisNotFound(code string) *Error {
	return &Error{
		Kind:    KindAnalysisNotFound,
		Message: fmt.Sprintf("Analysis not found for code: %s", code),
	}
}

// StoreWrite wraps a persistence failure. The underlying error text ends up
// in the NACK.
func StoreWrite(op string, err error) *Error {
	return &Error{Kind: KindStoreWrite, Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
