package protocol

import (
	"bytes"
	"encoding/binary"
)

// UpdateCRC folds one byte into a running CRC-16.
// The bit manipulation must stay exactly as is for compatibility with
// existing player firmware.
func UpdateCRC(b byte, crc uint16) uint16 {
	b ^= byte(crc & 0x00FF)
	b ^= b << 4
	return ((uint16(b) << 8) | uint16(byte(crc>>8))) ^ uint16(b>>4) ^ (uint16(b) << 3)
}

// CRC16 computes the checksum of data starting from InitialCRC.
func CRC16(data []byte) uint16 {
	crc := InitialCRC
	for _, b := range data {
		crc = UpdateCRC(b, crc)
	}
	return crc
}

// Serialize builds a complete frame for the given type and payload.
// It returns nil if the payload does not fit into a single frame.
func Serialize(t PacketType, payload []byte) []byte {
	if len(payload) > MaxPayloadSize {
		return nil
	}
	buf := make([]byte, len(payload)+PacketOverhead)
	SerializeInto(buf, t, payload)
	return buf
}

// SerializeInto writes a frame into dst and returns the number of bytes
// written. It returns 0 when the payload is too large or dst is too small.
func SerializeInto(dst []byte, t PacketType, payload []byte) int {
	if len(payload) > MaxPayloadSize {
		return 0
	}
	size := len(payload) + PacketOverhead
	if len(dst) < size {
		return 0
	}

	dst[0] = StartOfPacket
	dst[1] = byte(t)
	dst[2] = byte(len(payload))
	binary.LittleEndian.PutUint16(dst[3:5], CRC16(dst[1:3]))
	copy(dst[HeaderSize:], payload)
	binary.LittleEndian.PutUint16(dst[HeaderSize+len(payload):size], CRC16(payload))
	return size
}

// PacketHandler is called once for every valid frame found in the stream.
// The payload slice is only valid until the handler returns.
type PacketHandler func(p Packet)

// Receiver reassembles frames from an arbitrarily chunked byte stream.
//
// The result of feeding a stream is independent of how it is split into
// chunks: a decision about a frame is taken only once all of its bytes are
// buffered. A frame with a type outside the defined set, an oversized length
// or a failing checksum is discarded and scanning resumes
// at the byte following its start marker, so a corrupted frame never hides a
// valid one that follows it.
//
// A Receiver is not safe for concurrent use.
type Receiver struct {
	handler PacketHandler
	pending []byte
	dropped uint64
}

// NewReceiver creates a receiver bound to handler.
func NewReceiver(handler PacketHandler) *Receiver {
	r := &Receiver{}
	r.Init(handler)
	return r
}

// Init resets the parse state and binds a new handler.
func (r *Receiver) Init(handler PacketHandler) {
	r.handler = handler
	r.pending = r.pending[:0]
	r.dropped = 0
}

// Dropped returns how many malformed frames were discarded so far.
func (r *Receiver) Dropped() uint64 {
	return r.dropped
}

// Buffered returns the number of bytes held while waiting for a frame to complete.
func (r *Receiver) Buffered() int {
	return len(r.pending)
}

// Deserialize feeds a chunk of the stream into the receiver. The handler is
// invoked synchronously for every frame completed by this chunk and must not
// call Deserialize on the same receiver.
func (r *Receiver) Deserialize(data []byte) {
	r.pending = append(r.pending, data...)

	off := 0
	for off < len(r.pending) {
		advance, more := r.step(r.pending[off:])
		off += advance
		if more {
			break
		}
	}

	r.pending = r.pending[:copy(r.pending, r.pending[off:])]
}

// step examines buf and returns how many leading bytes are consumed and
// whether more input is required before progress can be made.
func (r *Receiver) step(buf []byte) (int, bool) {
	start := bytes.IndexByte(buf, StartOfPacket)
	if start < 0 {
		return len(buf), false
	}
	if start > 0 {
		return start, false
	}

	if len(buf) < HeaderSize {
		return 0, true
	}
	length := int(buf[2])
	if length > MaxPayloadSize || !PacketType(buf[1]).Known() || CRC16(buf[1:3]) != binary.LittleEndian.Uint16(buf[3:5]) {
		r.dropped++
		return 1, false
	}

	end := HeaderSize + length + ChecksumSize
	if len(buf) < end {
		return 0, true
	}
	payload := buf[HeaderSize : HeaderSize+length]
	if CRC16(payload) != binary.LittleEndian.Uint16(buf[HeaderSize+length:end]) {
		r.dropped++
		return 1, false
	}

	if r.handler != nil {
		r.handler(Packet{Type: PacketType(buf[1]), Payload: payload})
	}
	return end, false
}

// Decode runs a fresh receiver over data and returns the first valid packet.
// The returned payload is a copy.
func Decode(data []byte) (Packet, bool) {
	var (
		first Packet
		found bool
	)
	r := NewReceiver(func(p Packet) {
		if found {
			return
		}
		first = Packet{Type: p.Type, Payload: append([]byte(nil), p.Payload...)}
		found = true
	})
	r.Deserialize(data)
	return first, found
}
