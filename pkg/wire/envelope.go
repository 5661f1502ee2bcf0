// Package wire implements the Plutus binary wire format: the self-describing
// Envelope record that every link (agent-to-hub, hub-to-agent, and the
// event log on disk) carries.
//
// There is no third-party binary serialization library anywhere in the
// retrieved reference corpus (no msgpack, no protobuf used for a contract
// like this one), so the codec is hand-rolled on top of encoding/binary. The
// format is a sequence of tagged, length-prefixed fields so that unknown
// tags can be skipped by a future decoder version without breaking older
// readers (mirrors the "unknown fields MUST be ignored" requirement).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MessageType enumerates the six envelope kinds routed across the system.
type MessageType uint32

const (
	CRDTUpdate       MessageType = 1
	Heartbeat        MessageType = 2
	Join             MessageType = 3
	Leave            MessageType = 4
	SnapshotRequest  MessageType = 5
	SnapshotResponse MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case CRDTUpdate:
		return "CRDT_UPDATE"
	case Heartbeat:
		return "HEARTBEAT"
	case Join:
		return "JOIN"
	case Leave:
		return "LEAVE"
	case SnapshotRequest:
		return "SNAPSHOT_REQUEST"
	case SnapshotResponse:
		return "SNAPSHOT_RESPONSE"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

func validMessageType(t uint32) bool {
	switch MessageType(t) {
	case CRDTUpdate, Heartbeat, Join, Leave, SnapshotRequest, SnapshotResponse:
		return true
	default:
		return false
	}
}

// Broadcast is used as Envelope.Target to mean "no specific recipient".
const Broadcast = ^uint64(0)

// Envelope is the routed message wrapping a CRDT (or control) payload with
// sender, target, and kind metadata. See spec §3/§6.
type Envelope struct {
	// Version is the protocol version; must be a positive integer. Absent on
	// the wire defaults to 1.
	Version uint32
	Type    MessageType
	Sender  uint64
	// Target is nil for a broadcast envelope, or the intended recipient's
	// peer-id otherwise.
	Target *uint64
	Payload []byte
}

// DecodeError is returned for any malformed or semantically invalid
// envelope encoding. It is never fatal to the caller's process: the receive
// boundary (hub message loop, broadcaster receive loop) logs and skips.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode envelope: %s", e.Reason)
}

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// field tags, one byte each.
const (
	tagVersion byte = 'v'
	tagType    byte = 't'
	tagSender  byte = 's'
	tagTarget  byte = 'r'
	tagPayload byte = 'p'
)

// Encode serializes the envelope as a sequence of tagged, length-prefixed
// fields: [1-byte tag][4-byte big-endian length][value]. Fields are written
// in a fixed order (v, t, s, r, p); the decoder does not require this order
// and will ignore any tag it does not recognise.
func (e Envelope) Encode() []byte {
	var buf bytes.Buffer

	version := e.Version
	if version == 0 {
		version = 1
	}
	writeField(&buf, tagVersion, encodeUint32(version))
	writeField(&buf, tagType, encodeUint32(uint32(e.Type)))
	writeField(&buf, tagSender, encodeUint64(e.Sender))
	if e.Target == nil {
		writeField(&buf, tagTarget, nil)
	} else {
		writeField(&buf, tagTarget, encodeUint64(*e.Target))
	}
	writeField(&buf, tagPayload, e.Payload)

	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, tag byte, value []byte) {
	buf.WriteByte(tag)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(value)))
	buf.Write(length[:])
	buf.Write(value)
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Decode parses a raw byte slice produced by Encode back into an Envelope,
// rejecting anything that doesn't satisfy the contract in spec §4.2/§8.5.
func Decode(data []byte) (Envelope, error) {
	fields := make(map[byte][]byte)

	offset := 0
	for offset < len(data) {
		if offset+5 > len(data) {
			return Envelope{}, decodeErrorf("truncated field header at offset %d", offset)
		}
		tag := data[offset]
		length := binary.BigEndian.Uint32(data[offset+1 : offset+5])
		offset += 5
		end := offset + int(length)
		if length > uint32(len(data)) || end > len(data) || end < offset {
			return Envelope{}, decodeErrorf("truncated field value for tag %q", tag)
		}
		fields[tag] = data[offset:end]
		offset = end
	}

	for _, tag := range []byte{tagType, tagSender, tagTarget, tagPayload} {
		if _, ok := fields[tag]; !ok {
			return Envelope{}, decodeErrorf("missing required field %q", tag)
		}
	}

	version := uint32(1)
	if raw, ok := fields[tagVersion]; ok {
		v, err := decodeUint32(raw)
		if err != nil {
			return Envelope{}, decodeErrorf("version must be an int: %v", err)
		}
		version = v
	}
	if version < 1 {
		return Envelope{}, decodeErrorf("version must be a positive int, got %d", version)
	}

	rawType, err := decodeUint32(fields[tagType])
	if err != nil {
		return Envelope{}, decodeErrorf("message type must be an int: %v", err)
	}
	if !validMessageType(rawType) {
		return Envelope{}, decodeErrorf("unknown message type %d", rawType)
	}

	sender, err := decodeUint64(fields[tagSender])
	if err != nil {
		return Envelope{}, decodeErrorf("sender must be an int: %v", err)
	}

	var target *uint64
	if raw := fields[tagTarget]; len(raw) > 0 {
		t, err := decodeUint64(raw)
		if err != nil {
			return Envelope{}, decodeErrorf("target must be null or an int: %v", err)
		}
		target = &t
	}

	payload := append([]byte(nil), fields[tagPayload]...)

	return Envelope{
		Version: version,
		Type:    MessageType(rawType),
		Sender:  sender,
		Target:  target,
		Payload: payload,
	}, nil
}

func decodeUint32(raw []byte) (uint32, error) {
	if len(raw) != 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(raw))
	}
	return binary.BigEndian.Uint32(raw), nil
}

func decodeUint64(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// EncodeMetadata serializes a flat string map as a sequence of
// length-prefixed key/value pairs, for use as a JOIN envelope's payload
// (spec.md §4.4 peer metadata, supplemented per SPEC_FULL.md §3).
func EncodeMetadata(m map[string]string) []byte {
	var buf bytes.Buffer
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(m)))
	buf.Write(count[:])

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)

	for _, k := range keys {
		writeLPString(&buf, k)
		writeLPString(&buf, m[k])
	}
	return buf.Bytes()
}

func writeLPString(buf *bytes.Buffer, s string) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(s)))
	buf.Write(length[:])
	buf.WriteString(s)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// DecodeMetadata parses a payload produced by EncodeMetadata. An empty
// payload decodes to a nil map with no error.
func DecodeMetadata(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, decodeErrorf("truncated metadata count")
	}
	count := binary.BigEndian.Uint32(data[:4])
	offset := 4
	// Every key/value pair carries two 4-byte length prefixes.
	if uint64(count) > uint64(len(data)-offset)/8 {
		return nil, decodeErrorf("metadata count %d exceeds payload size", count)
	}
	m := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		key, next, err := readLPString(data, offset)
		if err != nil {
			return nil, err
		}
		offset = next
		value, next, err := readLPString(data, offset)
		if err != nil {
			return nil, err
		}
		offset = next
		m[key] = value
	}
	return m, nil
}

func readLPString(data []byte, offset int) (string, int, error) {
	if offset+4 > len(data) {
		return "", 0, decodeErrorf("truncated metadata string length")
	}
	length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if length < 0 || offset+length > len(data) {
		return "", 0, decodeErrorf("truncated metadata string value")
	}
	return string(data[offset : offset+length]), offset + length, nil
}
