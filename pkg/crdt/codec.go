package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// DecodeError is returned by DecodeOperations (and therefore by
// Replica.ImportUpdates) for any malformed update or snapshot blob.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("crdt: decode update: %s", e.Reason)
}

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// EncodeOperations serializes a batch of operations into a single blob. The
// same format backs both export_updates and export_snapshot: a snapshot is
// simply the complete operation history, so a receiver can import either
// through the identical path (spec §4.1, §6 "Snapshot format").
func EncodeOperations(ops []Operation) []byte {
	var buf bytes.Buffer
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(ops)))
	buf.Write(count[:])
	for _, op := range ops {
		encoded := encodeOperation(op)
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(encoded)))
		buf.Write(length[:])
		buf.Write(encoded)
	}
	return buf.Bytes()
}

// DecodeOperations parses a blob produced by EncodeOperations.
func DecodeOperations(data []byte) ([]Operation, error) {
	if len(data) < 4 {
		return nil, decodeErrorf("truncated blob: missing operation count")
	}
	count := binary.BigEndian.Uint32(data[:4])
	offset := 4
	// Every operation carries at least a 4-byte length prefix.
	if uint64(count) > uint64(len(data)-offset)/4 {
		return nil, decodeErrorf("operation count %d exceeds blob size", count)
	}
	ops := make([]Operation, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(data) {
			return nil, decodeErrorf("truncated blob: missing length for operation %d", i)
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
		end := offset + int(length)
		if end < offset || end > len(data) {
			return nil, decodeErrorf("truncated blob: operation %d body", i)
		}
		op, err := decodeOperation(data[offset:end])
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		offset = end
	}
	return ops, nil
}

func encodeOperation(op Operation) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, op.ID.Peer)
	writeUint64(&buf, op.ID.Counter)
	writeBytes(&buf, []byte(op.Container))
	buf.WriteByte(byte(op.Kind))
	buf.WriteByte(byte(op.Type))
	writeBytes(&buf, []byte(op.Key))
	if op.After != nil {
		buf.WriteByte(1)
		writeUint64(&buf, op.After.Peer)
		writeUint64(&buf, op.After.Counter)
	} else {
		buf.WriteByte(0)
	}
	writeUint64(&buf, op.Target.Peer)
	writeUint64(&buf, op.Target.Counter)
	encodeValue(&buf, op.Value)
	return buf.Bytes()
}

func decodeOperation(data []byte) (Operation, error) {
	r := bytes.NewReader(data)

	peer, err := readUint64(r)
	if err != nil {
		return Operation{}, decodeErrorf("operation id peer: %v", err)
	}
	counter, err := readUint64(r)
	if err != nil {
		return Operation{}, decodeErrorf("operation id counter: %v", err)
	}
	container, err := readBytes(r)
	if err != nil {
		return Operation{}, decodeErrorf("container name: %v", err)
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return Operation{}, decodeErrorf("container kind: %v", err)
	}
	if kind := ContainerKind(kindByte); kind < KindMap || kind > KindCounter {
		return Operation{}, decodeErrorf("unknown container kind %d", kindByte)
	}
	typeByte, err := r.ReadByte()
	if err != nil {
		return Operation{}, decodeErrorf("operation type: %v", err)
	}
	key, err := readBytes(r)
	if err != nil {
		return Operation{}, decodeErrorf("key: %v", err)
	}
	hasAfter, err := r.ReadByte()
	if err != nil {
		return Operation{}, decodeErrorf("after marker: %v", err)
	}
	var after *OpID
	if hasAfter == 1 {
		afterPeer, err := readUint64(r)
		if err != nil {
			return Operation{}, decodeErrorf("after peer: %v", err)
		}
		afterCounter, err := readUint64(r)
		if err != nil {
			return Operation{}, decodeErrorf("after counter: %v", err)
		}
		after = &OpID{Peer: afterPeer, Counter: afterCounter}
	}
	targetPeer, err := readUint64(r)
	if err != nil {
		return Operation{}, decodeErrorf("target peer: %v", err)
	}
	targetCounter, err := readUint64(r)
	if err != nil {
		return Operation{}, decodeErrorf("target counter: %v", err)
	}
	value, err := decodeValue(r)
	if err != nil {
		return Operation{}, decodeErrorf("value: %v", err)
	}

	return Operation{
		ID:        OpID{Peer: peer, Counter: counter},
		Container: string(container),
		Kind:      ContainerKind(kindByte),
		Type:      OpType(typeByte),
		Key:       string(key),
		After:     after,
		Target:    OpID{Peer: targetPeer, Counter: targetCounter},
		Value:     value,
	}, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, v []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(v)))
	buf.Write(length[:])
	buf.Write(v)
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int(length) > r.Len() {
		return nil, fmt.Errorf("declared length %d exceeds remaining %d bytes", length, r.Len())
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeValue(buf *bytes.Buffer, v Value) {
	buf.WriteByte(byte(v.kind))
	switch v.kind {
	case valueNull:
	case valueBool:
		if v.b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case valueInt:
		writeUint64(buf, uint64(v.i))
	case valueFloat:
		writeUint64(buf, math.Float64bits(v.f))
	case valueString:
		writeBytes(buf, []byte(v.s))
	case valueBytes:
		writeBytes(buf, v.bytes)
	case valueList:
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(v.list)))
		buf.Write(count[:])
		for _, e := range v.list {
			encodeValue(buf, e)
		}
	case valueDict:
		keys := SortedKeys(v.dict)
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(keys)))
		buf.Write(count[:])
		for _, k := range keys {
			writeBytes(buf, []byte(k))
			encodeValue(buf, v.dict[k])
		}
	}
}

func decodeValue(r *bytes.Reader) (Value, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Value{}, err
	}
	switch valueKind(kindByte) {
	case valueNull:
		return Null(), nil
	case valueBool:
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		return Bool(b == 1), nil
	case valueInt:
		u, err := readUint64(r)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(u)), nil
	case valueFloat:
		u, err := readUint64(r)
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(u)), nil
	case valueString:
		b, err := readBytes(r)
		if err != nil {
			return Value{}, err
		}
		return String(string(b)), nil
	case valueBytes:
		b, err := readBytes(r)
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case valueList:
		var lengthBuf [4]byte
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			return Value{}, err
		}
		count := binary.BigEndian.Uint32(lengthBuf[:])
		if int64(count) > int64(r.Len()) {
			return Value{}, fmt.Errorf("list length %d exceeds remaining %d bytes", count, r.Len())
		}
		out := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			v, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			out = append(out, v)
		}
		return List(out), nil
	case valueDict:
		var lengthBuf [4]byte
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			return Value{}, err
		}
		count := binary.BigEndian.Uint32(lengthBuf[:])
		if int64(count) > int64(r.Len()) {
			return Value{}, fmt.Errorf("dict length %d exceeds remaining %d bytes", count, r.Len())
		}
		out := make(map[string]Value, count)
		for i := uint32(0); i < count; i++ {
			k, err := readBytes(r)
			if err != nil {
				return Value{}, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			out[string(k)] = v
		}
		return Dict(out), nil
	default:
		return Value{}, fmt.Errorf("unknown value kind %d", kindByte)
	}
}
