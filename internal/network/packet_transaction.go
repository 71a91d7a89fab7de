package network

import (
	"fmt"

	"github.com/lkrzak/mniam-headless/internal/protocol"
)

// PacketTransaction is a Transaction whose request and response are framed
// packets. A response is accepted only if it decodes to the expected packet
// type with the expected payload size.
type PacketTransaction struct {
	*Transaction

	requestType  protocol.PacketType
	responseType protocol.PacketType
	payloadSize  int
}

// NewPacketTransaction frames payload as a requestType packet. When
// responsePayloadSize is negative no response is awaited.
func NewPacketTransaction(requestType protocol.PacketType, payload []byte, responseType protocol.PacketType, responsePayloadSize int) (*PacketTransaction, error) {
	frame := protocol.Serialize(requestType, payload)
	if frame == nil {
		return nil, fmt.Errorf("%s payload of %d bytes exceeds %d", requestType, len(payload), protocol.MaxPayloadSize)
	}
	if responsePayloadSize > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("%s response payload of %d bytes exceeds %d", responseType, responsePayloadSize, protocol.MaxPayloadSize)
	}

	pt := &PacketTransaction{
		requestType:  requestType,
		responseType: responseType,
		payloadSize:  responsePayloadSize,
	}

	responseSize := 0
	if responsePayloadSize >= 0 {
		responseSize = responsePayloadSize + protocol.PacketOverhead
	}
	pt.Transaction = NewTransaction(frame, responseSize, WithValidator(pt.validate))
	return pt, nil
}

// SetPayload reframes the request with a new payload for the next run.
func (pt *PacketTransaction) SetPayload(payload []byte) error {
	frame := protocol.Serialize(pt.requestType, payload)
	if frame == nil {
		return fmt.Errorf("%s payload of %d bytes exceeds %d", pt.requestType, len(payload), protocol.MaxPayloadSize)
	}
	pt.SetRequest(frame)
	return nil
}

// Payload returns the response payload clientID sent in the current run, or
// nil unless that client's transaction is done. It is decoded from the
// client transaction's own response, so a reply that arrives after Reset
// never shows up in a later run.
func (pt *PacketTransaction) Payload(clientID uint32) []byte {
	p, ok := protocol.Decode(pt.Response(clientID))
	if !ok {
		return nil
	}
	return p.Payload
}

// RequestType returns the packet type sent to clients.
func (pt *PacketTransaction) RequestType() protocol.PacketType { return pt.requestType }

// ResponseType returns the packet type expected back.
func (pt *PacketTransaction) ResponseType() protocol.PacketType { return pt.responseType }

func (pt *PacketTransaction) validate(_ uint32, response []byte) bool {
	p, ok := protocol.Decode(response)
	return ok && p.Type == pt.responseType && len(p.Payload) == pt.payloadSize
}
