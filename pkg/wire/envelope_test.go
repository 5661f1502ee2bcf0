package wire

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{
		Version: 1,
		Type:    CRDTUpdate,
		Sender:  12345,
		Target:  nil,
		Payload: []byte("hello world"),
	}

	got, err := Decode(e.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != e.Version || got.Type != e.Type || got.Sender != e.Sender {
		t.Fatalf("round trip mismatch: got %#v want %#v", got, e)
	}
	if got.Target != nil {
		t.Fatalf("expected nil target, got %v", *got.Target)
	}
	if !bytes.Equal(got.Payload, e.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, e.Payload)
	}
}

func TestEnvelopeRoundTripWithTarget(t *testing.T) {
	target := uint64(999)
	e := Envelope{Version: 3, Type: Heartbeat, Sender: 1, Target: &target, Payload: []byte{}}

	got, err := Decode(e.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Target == nil || *got.Target != target {
		t.Fatalf("target mismatch: got %v want %d", got.Target, target)
	}
	if got.Version != 3 {
		t.Fatalf("version mismatch: got %d", got.Version)
	}
}

func TestEnvelopeDefaultsVersionToOne(t *testing.T) {
	e := Envelope{Type: Join, Sender: 1, Payload: []byte("x")}
	got, err := Decode(e.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected default version 1, got %d", got.Version)
	}
}

func TestDecodeRejectsUnparseableInput(t *testing.T) {
	if _, err := Decode([]byte("not-framed")); err == nil {
		t.Fatal("expected DecodeError for unparseable input")
	} else if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	var buf bytes.Buffer
	writeField(&buf, tagVersion, encodeUint32(1))
	// missing t, s, r, p
	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("expected DecodeError for missing fields")
	}
}

func TestDecodeRejectsNonIntegerSender(t *testing.T) {
	var buf bytes.Buffer
	writeField(&buf, tagType, encodeUint32(uint32(CRDTUpdate)))
	writeField(&buf, tagSender, []byte{1, 2, 3}) // wrong length
	writeField(&buf, tagTarget, nil)
	writeField(&buf, tagPayload, []byte("x"))
	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("expected DecodeError for non-integer sender")
	}
}

func TestDecodeRejectsNonIntegerTarget(t *testing.T) {
	var buf bytes.Buffer
	writeField(&buf, tagType, encodeUint32(uint32(CRDTUpdate)))
	writeField(&buf, tagSender, encodeUint64(1))
	writeField(&buf, tagTarget, []byte{1, 2, 3}) // not 0 or 8 bytes
	writeField(&buf, tagPayload, []byte("x"))
	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("expected DecodeError for non-integer target")
	}
}

func TestDecodeRejectsNonPositiveVersion(t *testing.T) {
	var buf bytes.Buffer
	writeField(&buf, tagVersion, encodeUint32(0))
	writeField(&buf, tagType, encodeUint32(uint32(CRDTUpdate)))
	writeField(&buf, tagSender, encodeUint64(1))
	writeField(&buf, tagTarget, nil)
	writeField(&buf, tagPayload, []byte("x"))
	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("expected DecodeError for non-positive version")
	}
}

func TestDecodeRejectsUnknownMessageType(t *testing.T) {
	var buf bytes.Buffer
	writeField(&buf, tagType, encodeUint32(999))
	writeField(&buf, tagSender, encodeUint64(1))
	writeField(&buf, tagTarget, nil)
	writeField(&buf, tagPayload, []byte("x"))
	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("expected DecodeError for unknown message type")
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	var buf bytes.Buffer
	writeField(&buf, 'z', []byte("future-field"))
	writeField(&buf, tagType, encodeUint32(uint32(Heartbeat)))
	writeField(&buf, tagSender, encodeUint64(42))
	writeField(&buf, tagTarget, nil)
	writeField(&buf, tagPayload, []byte("ping"))

	got, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sender != 42 || got.Type != Heartbeat {
		t.Fatalf("unexpected envelope: %#v", got)
	}
}
