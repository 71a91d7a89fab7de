package network

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/lkrzak/mniam-headless/internal/protocol"
)

// pipeClient starts a connection with id whose peer answers every request of
// reqSize bytes using reply. A nil reply reads requests and never answers.
func pipeClient(t *testing.T, id uint32, readTimeout time.Duration, reqSize int, reply func(req []byte) []byte) *Connection {
	t.Helper()
	local, peer := net.Pipe()
	c, err := NewConnection(id, local, ConnectionOptions{ReadTimeout: readTimeout})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	t.Cleanup(func() {
		peer.Close()
		c.Close()
	})

	go func() {
		req := make([]byte, reqSize)
		for {
			if _, err := io.ReadFull(peer, req); err != nil {
				return
			}
			if reply == nil {
				continue
			}
			if _, err := peer.Write(reply(req)); err != nil {
				return
			}
		}
	}()
	return c
}

func TestWaitForFinishUsesOneDeadline(t *testing.T) {
	tx := NewTransaction([]byte{1}, 4)
	for id := uint32(0); id < 5; id++ {
		tx.dispatch(pipeClient(t, id, 5*time.Second, 1, nil))
	}

	start := time.Now()
	done := tx.WaitForFinish(100 * time.Millisecond)
	elapsed := time.Since(start)

	if done != 0 {
		t.Errorf("done = %d, want 0", done)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("WaitForFinish took %v for 5 silent clients", elapsed)
	}
}

func TestTransactionResultsAndReset(t *testing.T) {
	tx := NewTransaction([]byte{5}, 1)

	echo := func(req []byte) []byte { return []byte{req[0] + 1} }
	tx.dispatch(pipeClient(t, 2, time.Second, 1, echo))
	tx.dispatch(pipeClient(t, 1, time.Second, 1, echo))

	if done := tx.WaitForFinish(time.Second); done != 2 {
		t.Fatalf("done = %d, want 2", done)
	}

	results := tx.Results()
	if len(results) != 2 || results[0].ClientID != 1 || results[1].ClientID != 2 {
		t.Fatalf("results = %+v", results)
	}
	for _, r := range results {
		if r.State != StateDone || r.ResponseSize != 1 {
			t.Errorf("result = %+v", r)
		}
	}
	if !bytes.Equal(tx.Response(1), []byte{6}) {
		t.Errorf("response = %x", tx.Response(1))
	}
	if tx.Response(42) != nil {
		t.Error("response for unknown client")
	}

	tx.Reset()
	if ids := tx.ClientIDs(); len(ids) != 0 {
		t.Errorf("ids after reset = %v", ids)
	}
	if tx.Response(1) != nil {
		t.Error("response survived reset")
	}
}

func TestDispatchToInactiveConnectionFailsFast(t *testing.T) {
	c := pipeClient(t, 0, time.Second, 1, nil)
	c.Close()

	tx := NewTransaction([]byte{1}, 0)
	if tx.dispatch(c) {
		t.Error("dispatch to a closed connection reported success")
	}

	start := time.Now()
	if tx.WaitForFinish(time.Second) != 0 {
		t.Error("inactive connection reported done")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("refused dispatch was not finalized immediately")
	}
}

func TestPacketTransaction(t *testing.T) {
	reqFrame := protocol.Serialize(protocol.MoveRequest, []byte{1, 2})

	reply := func(req []byte) []byte {
		p, ok := protocol.Decode(req)
		if !ok || p.Type != protocol.MoveRequest {
			return []byte("garbage..")
		}
		return protocol.Serialize(protocol.MoveResponse, []byte{p.Payload[0], p.Payload[1], 0xFF})
	}
	wrongType := func(req []byte) []byte {
		return protocol.Serialize(protocol.IdentifyResponse, []byte{0, 0, 0})
	}

	pt, err := NewPacketTransaction(protocol.MoveRequest, []byte{1, 2}, protocol.MoveResponse, 3)
	if err != nil {
		t.Fatalf("NewPacketTransaction: %v", err)
	}
	if pt.ResponseSize() != 3+protocol.PacketOverhead {
		t.Fatalf("response size = %d", pt.ResponseSize())
	}

	pt.Reset()
	pt.dispatch(pipeClient(t, 0, time.Second, len(reqFrame), reply))
	pt.dispatch(pipeClient(t, 1, time.Second, len(reqFrame), wrongType))

	if done := pt.WaitForFinish(time.Second); done != 1 {
		t.Fatalf("done = %d, want 1", done)
	}
	if !bytes.Equal(pt.Payload(0), []byte{1, 2, 0xFF}) {
		t.Errorf("payload(0) = %x", pt.Payload(0))
	}
	if pt.Payload(1) != nil {
		t.Errorf("payload(1) = %x, want nil for wrong response type", pt.Payload(1))
	}

	if err := pt.SetPayload([]byte{3, 4}); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	pt.Reset()
	if pt.Payload(0) != nil {
		t.Error("payloads survived reset")
	}
	if p, _ := protocol.Decode(pt.Request()); !bytes.Equal(p.Payload, []byte{3, 4}) {
		t.Errorf("request payload = %x", p.Payload)
	}
}

func TestPacketTransactionRejectsOversizedPayload(t *testing.T) {
	if _, err := NewPacketTransaction(protocol.MoveRequest, make([]byte, protocol.MaxPayloadSize+1), protocol.MoveResponse, 0); err == nil {
		t.Error("expected error for oversized request payload")
	}
	pt, err := NewPacketTransaction(protocol.NewGameRequest, nil, protocol.NoPacket, -1)
	if err != nil {
		t.Fatalf("NewPacketTransaction: %v", err)
	}
	if pt.ResponseSize() != 0 {
		t.Errorf("response size = %d, want 0", pt.ResponseSize())
	}
	if err := pt.SetPayload(make([]byte, protocol.MaxPayloadSize+1)); err == nil {
		t.Error("expected SetPayload error")
	}
}

func TestLateReplyDoesNotLeakIntoNextRun(t *testing.T) {
	pt, err := NewPacketTransaction(protocol.MoveRequest, []byte{1, 2}, protocol.MoveResponse, 2)
	if err != nil {
		t.Fatalf("NewPacketTransaction: %v", err)
	}

	// The first request is answered late but correctly, the second one with
	// bytes that fail validation.
	replies := 0
	reply := func(req []byte) []byte {
		replies++
		if replies == 1 {
			time.Sleep(150 * time.Millisecond)
			return protocol.Serialize(protocol.MoveResponse, []byte{0xAA, 0xBB})
		}
		return bytes.Repeat([]byte{0x55}, pt.ResponseSize())
	}
	c := pipeClient(t, 7, 500*time.Millisecond, len(pt.Request()), reply)

	pt.Reset()
	if !pt.dispatch(c) {
		t.Fatal("first dispatch refused")
	}
	if done := pt.WaitForFinish(50 * time.Millisecond); done != 0 {
		t.Fatalf("first run done = %d before the reply was sent", done)
	}

	pt.Reset()
	if !pt.dispatch(c) {
		t.Fatal("second dispatch refused")
	}
	if done := pt.WaitForFinish(time.Second); done != 0 {
		t.Fatalf("second run done = %d, want 0", done)
	}

	results := pt.Results()
	if len(results) != 1 || results[0].State != StateTimeout {
		t.Fatalf("second run results = %+v", results)
	}
	if p := pt.Payload(7); p != nil {
		t.Errorf("Payload(7) = %x, want nil after a failed run", p)
	}
	if !c.IsActive() {
		t.Error("validation failure deactivated the connection")
	}
}
