package hl7

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorSentinels(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		err      error
		sentinel error
		kind     Kind
	}{
		{FrameDesync("x"), ErrFrameDesync, KindFrameDesync},
		{MalformedPayload("x"), ErrMalformedPayload, KindMalformedPayload},
		{UnsupportedMessageType("ADT^A01"), ErrUnsupportedMessageType, KindUnsupportedMessageType},
		{NotImplemented("ORM^O01"), ErrNotImplemented, KindNotImplemented},
		{MissingLinkage("x"), ErrMissingLinkage, KindMissingLinkage},
		{AnalysisNotFound("GLU"), ErrAnalysisNotFound, KindAnalysisNotFound},
		{StoreWrite("op", cause), ErrStoreWrite, KindStoreWrite},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			wrapped := fmt.Errorf("handler: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false", wrapped)
			}
			if KindOf(wrapped) != tt.kind {
				t.Errorf("KindOf() = %v, want %v", KindOf(wrapped), tt.kind)
			}
			for _, other := range tests {
				if other.kind != tt.kind && errors.Is(tt.err, other.sentinel) {
					t.Errorf("%v matches %v sentinel", tt.kind, other.kind)
				}
			}
		})
	}
}

func TestStoreWriteUnwraps(t *testing.T) {
	cause := errors.New("duplicate key")
	err := StoreWrite("Failed to create patient P1", cause)
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if err.Error() != "Failed to create patient P1: duplicate key" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestKindRetryable(t *testing.T) {
	retryable := map[Kind]bool{
		KindUnknown:                true,
		KindStoreWrite:             true,
		KindFrameDesync:            false,
		KindMalformedPayload:       false,
		KindUnsupportedMessageType: false,
		KindNotImplemented:         false,
		KindMissingLinkage:         false,
		KindAnalysisNotFound:       false,
	}
	for kind, want := range retryable {
		if kind.Retryable() != want {
			t.Errorf("%v.Retryable() = %v", kind, !want)
		}
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("untagged error has a kind")
	}
}
