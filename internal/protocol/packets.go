// Package protocol implements the framed, CRC-protected packet format spoken
// between the game host and its remote players. Frames are self-describing:
//
//	[0xA1][type:1][length:1][header crc:2 LE][payload:length][payload crc:2 LE]
//
// The header CRC covers the type and length bytes, the payload CRC covers the
// payload bytes only. Both use the CRC-16 variant implemented by UpdateCRC.
package protocol

import (
	"fmt"
	"strconv"
)

const (
	// StartOfPacket marks the first byte of every frame.
	StartOfPacket byte = 0xA1

	// InitialCRC seeds every checksum computation.
	InitialCRC uint16 = 0xFFFF

	// HeaderSize covers the start marker, type, length and header CRC.
	HeaderSize = 5

	// ChecksumSize is the size of a single CRC field.
	ChecksumSize = 2

	// PacketOverhead is the number of framing bytes added around a payload.
	PacketOverhead = HeaderSize + ChecksumSize

	// MaxPayloadSize bounds the payload of a single frame.
	MaxPayloadSize = 200

	// MaxPacketSize is the largest frame the codec will produce or accept.
	MaxPacketSize = MaxPayloadSize + PacketOverhead
)

// PacketType is the one-byte tag identifying a packet.
// Payload layouts belong to the game and are opaque to this package.
type PacketType uint8

const (
	NoPacket            PacketType = 0
	IdentifyRequest     PacketType = 1
	IdentifyResponse    PacketType = 2
	NewGameRequest      PacketType = 3
	NewGameResponse     PacketType = 4
	PlayerUpdateRequest PacketType = 5
	FoodUpdateRequest   PacketType = 6
	MoveRequest         PacketType = 7
	MoveResponse        PacketType = 8
	GameOverRequest     PacketType = 9
	GameOverResponse    PacketType = 10
)

var packetTypeNames = map[PacketType]string{
	NoPacket:            "none",
	IdentifyRequest:     "identify_request",
	IdentifyResponse:    "identify_response",
	NewGameRequest:      "new_game_request",
	NewGameResponse:     "new_game_response",
	PlayerUpdateRequest: "player_update_request",
	FoodUpdateRequest:   "food_update_request",
	MoveRequest:         "move_request",
	MoveResponse:        "move_response",
	GameOverRequest:     "game_over_request",
	GameOverResponse:    "game_over_response",
}

// String returns the lowercase name of the packet type.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(t))
}

// Known reports whether t belongs to the defined set of packet types.
func (t PacketType) Known() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// ParsePacketType resolves a packet type from its name or numeric value.
func ParsePacketType(s string) (PacketType, error) {
	for t, name := range packetTypeNames {
		if name == s {
			return t, nil
		}
	}
	if v, err := strconv.ParseUint(s, 10, 8); err == nil && PacketType(v).Known() {
		return PacketType(v), nil
	}
	return NoPacket, fmt.Errorf("unknown packet type: %q", s)
}

// Packet is one decoded frame.
type Packet struct {
	Type    PacketType
	Payload []byte
}
