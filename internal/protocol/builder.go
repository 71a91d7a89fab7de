package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PayloadBuilder assembles little-endian packet payloads.
type PayloadBuilder struct {
	buf bytes.Buffer
}

// NewPayloadBuilder creates a new PayloadBuilder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

// Reset clears the builder for reuse.
func (b *PayloadBuilder) Reset() {
	b.buf.Reset()
}

// WriteUint8 writes a single byte.
func (b *PayloadBuilder) WriteUint8(v uint8) *PayloadBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PayloadBuilder) WriteUint16(v uint16) *PayloadBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PayloadBuilder) WriteUint32(v uint32) *PayloadBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PayloadBuilder) WriteInt32(v int32) *PayloadBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PayloadBuilder) WriteFloat32(v float32) *PayloadBuilder {
	binary.Write(&b.buf, binary.LittleEndian, math.Float32bits(v))
	return b
}

// WriteFixedString writes s into a zero-padded field of exactly size bytes.
// Longer strings are truncated, leaving room for the terminating zero.
func (b *PayloadBuilder) WriteFixedString(s string, size int) *PayloadBuilder {
	field := make([]byte, size)
	if size > 0 {
		copy(field[:size-1], s)
	}
	b.buf.Write(field)
	return b
}

// WriteBytes writes raw bytes.
func (b *PayloadBuilder) WriteBytes(data []byte) *PayloadBuilder {
	b.buf.Write(data)
	return b
}

// AppendField parses a "kind:value" token and writes it.
// Supported kinds: u8, u16, u32, i32, f32, str<N> (fixed size string).
func (b *PayloadBuilder) AppendField(field string) error {
	kind, value, ok := strings.Cut(field, ":")
	if !ok {
		return fmt.Errorf("field %q: expected kind:value", field)
	}

	switch {
	case kind == "u8" || kind == "u16" || kind == "u32":
		bits, _ := strconv.Atoi(kind[1:])
		v, err := strconv.ParseUint(value, 0, bits)
		if err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
		switch bits {
		case 8:
			b.WriteUint8(uint8(v))
		case 16:
			b.WriteUint16(uint16(v))
		default:
			b.WriteUint32(uint32(v))
		}
	case kind == "i32":
		v, err := strconv.ParseInt(value, 0, 32)
		if err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
		b.WriteInt32(int32(v))
	case kind == "f32":
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
		b.WriteFloat32(float32(v))
	case strings.HasPrefix(kind, "str"):
		size, err := strconv.Atoi(kind[3:])
		if err != nil || size <= 0 {
			return fmt.Errorf("field %q: invalid string size", field)
		}
		b.WriteFixedString(value, size)
	default:
		return fmt.Errorf("field %q: unknown kind %q", field, kind)
	}
	return nil
}

// Len returns the current payload length.
func (b *PayloadBuilder) Len() int {
	return b.buf.Len()
}

// Payload returns a copy of the accumulated payload.
func (b *PayloadBuilder) Payload() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Build serializes the accumulated payload into a frame of type t.
func (b *PayloadBuilder) Build(t PacketType) ([]byte, error) {
	if b.buf.Len() > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", b.buf.Len(), MaxPayloadSize)
	}
	return Serialize(t, b.buf.Bytes()), nil
}
