package hl7

import (
	"bytes"
	"testing"
)

func frame(payload string) []byte {
	return WrapMLLP([]byte(payload))
}

func TestFrameDecoderSplitPoints(t *testing.T) {
	payload := "MSH|^~\\&|A|B|C|D|20240811220000||ORU^R01|1|P|2.5.1"
	wire := frame(payload)

	for cut := 0; cut <= len(wire); cut++ {
		var d FrameDecoder
		d.Write(wire[:cut])
		if cut < len(wire) {
			if _, ok := d.Next(); ok {
				t.Fatalf("cut %d: frame reported before end marker", cut)
			}
		}
		d.Write(wire[cut:])
		got, ok := d.Next()
		if !ok {
			t.Fatalf("cut %d: no frame", cut)
		}
		if string(got) != payload {
			t.Fatalf("cut %d: payload %q", cut, got)
		}
		if d.Pending() != 0 {
			t.Fatalf("cut %d: %d bytes left", cut, d.Pending())
		}
	}
}

func TestFrameDecoderMultipleFrames(t *testing.T) {
	var d FrameDecoder
	wire := append(frame("first"), frame("second")...)
	wire = append(wire, StartBlock, 't')
	d.Write(wire)

	for _, want := range []string{"first", "second"} {
		got, ok := d.Next()
		if !ok || string(got) != want {
			t.Fatalf("Next() = %q, %v; want %q", got, ok, want)
		}
	}
	if _, ok := d.Next(); ok {
		t.Fatal("partial third frame returned")
	}
	if d.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", d.Pending())
	}
	if d.PendingSince().IsZero() {
		t.Fatal("PendingSince() is zero with bytes buffered")
	}
}

func TestFrameDecoderGarbagePrefixNeverFrames(t *testing.T) {
	var d FrameDecoder
	d.Write([]byte("noise"))
	d.Write(frame("MSH|x"))

	if _, ok := d.Next(); ok {
		t.Fatal("frame recognised behind garbage")
	}
	if !d.Desynced() {
		t.Fatal("Desynced() = false for garbage terminated by end marker")
	}

	d.Reset()
	if d.Pending() != 0 || !d.PendingSince().IsZero() {
		t.Fatal("Reset left state behind")
	}
	d.Write(frame("MSH|y"))
	if got, ok := d.Next(); !ok || string(got) != "MSH|y" {
		t.Fatalf("after reset Next() = %q, %v", got, ok)
	}
}

func TestFrameDecoderEndMarkerSplitAcrossWrites(t *testing.T) {
	var d FrameDecoder
	d.Write([]byte{StartBlock, 'a', 'b', EndBlock})
	if _, ok := d.Next(); ok {
		t.Fatal("frame without trailing CR")
	}
	if d.Desynced() {
		t.Fatal("Desynced() for a frame in progress")
	}
	d.Write([]byte{CarriageReturn})
	if got, ok := d.Next(); !ok || string(got) != "ab" {
		t.Fatalf("Next() = %q, %v", got, ok)
	}
}

func TestWrapUnwrapMLLP(t *testing.T) {
	msg := []byte("MSH|^~\\&|A")
	wrapped := WrapMLLP(msg)
	if wrapped[0] != StartBlock || !bytes.HasSuffix(wrapped, endMarker) {
		t.Fatalf("WrapMLLP() = %q", wrapped)
	}
	if again := WrapMLLP(wrapped); !bytes.Equal(again, wrapped) {
		t.Fatal("WrapMLLP wrapped an already framed message")
	}
	if got := UnwrapMLLP(wrapped); !bytes.Equal(got, msg) {
		t.Fatalf("UnwrapMLLP() = %q", got)
	}
	if got := WrapMLLP(nil); len(got) != 0 {
		t.Fatalf("WrapMLLP(nil) = %q", got)
	}
}
