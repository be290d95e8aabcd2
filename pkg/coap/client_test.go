package coap

import (
	"errors"
	"fmt"
	"testing"
)

func makePayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('a' + i%26)
	}
	return p
}

func newTestClient(t *testing.T, vc *VirtualClock, sock *mockSocket, opts ...Opt) *Client {
	t.Helper()
	base := []Opt{WithClock(vc), WithRNG(&SequenceRNG{})}
	cl, err := NewClient(sock, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return cl
}

func ackFor(req Message, code Code, block *Block) Message {
	ack := Message{Type: ACK, Code: code, MID: req.MID, Token: req.Token}
	if block != nil {
		opt, err := BlockOption(OptionBlock1, *block)
		if err != nil {
			panic(err)
		}
		ack = ack.WithOption(opt)
	}
	return ack
}

// TestScenario1 covers spec.md §8 scenario 1: the server tries to grow
// the Block1 size mid-transfer and the client must ignore it entirely.
func TestScenario1_OutOfOrderSizeRenegotiationIgnored(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	cl := newTestClient(t, vc, sock)
	peer := StringPeer("server:5683")
	payload := makePayload(324) // three 128-byte blocks, so block 1 still has M set

	var events []EventType
	req := cl.Put(peer, "/blocks/put", payload, WithRequestBlockSize(128))
	for _, et := range []EventType{EventAcknowledged, EventBlockSent, EventTimeout, EventResponse} {
		et := et
		req.On(et, func(Event) { events = append(events, et) })
	}

	sent, n := sock.sentSince(0)
	if len(sent) != 1 {
		t.Fatalf("expected 1 datagram at t=0, got %d", len(sent))
	}
	blk, has, err := sent[0].msg.GetBlock(OptionBlock1)
	if !has || err != nil || blk.Num != 0 || !blk.M || blk.SZX != 3 {
		t.Fatalf("block0 = %+v, has=%v, err=%v", blk, has, err)
	}
	if string(sent[0].msg.Payload) != string(payload[:128]) {
		t.Fatalf("block0 payload mismatch")
	}

	vc.Advance(50)
	sock.deliver(ackFor(sent[0].msg, Changed, &Block{Num: 0, M: true, SZX: 3}), peer)

	sent, n = sock.sentSince(n)
	if len(sent) != 1 {
		t.Fatalf("expected 1 datagram for block1, got %d", len(sent))
	}
	blk, has, err = sent[0].msg.GetBlock(OptionBlock1)
	if !has || err != nil || blk.Num != 1 || !blk.M || blk.SZX != 3 {
		t.Fatalf("block1 = %+v, has=%v, err=%v", blk, has, err)
	}
	if string(sent[0].msg.Payload) != string(payload[128:256]) {
		t.Fatalf("block1 payload mismatch")
	}
	block1Req := sent[0].msg

	vc.Advance(50)
	sock.deliver(ackFor(block1Req, Changed, &Block{Num: 1, M: true, SZX: 4}), peer)

	if more, _ := sock.sentSince(n); len(more) != 0 {
		t.Fatalf("expected no datagram after growth attempt, got %d", len(more))
	}

	vc.Advance(300000) // past exchangeTimeout
	want := []EventType{EventAcknowledged, EventBlockSent, EventTimeout}
	if !eventsEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

// TestScenario2 covers spec.md §8 scenario 2: an unexpected Block1 option
// on a response to a non-blockwise request.
func TestScenario2_UnexpectedBlock1OnNonBlockwiseRequest(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	cl := newTestClient(t, vc, sock)
	peer := StringPeer("server:5683")
	payload := []byte("Lorem ipsum...")

	var events []EventType
	req := cl.Post(peer, "/unexpected-block1", payload)
	for _, et := range []EventType{EventAcknowledged, EventTimeout, EventResponse} {
		et := et
		req.On(et, func(Event) { events = append(events, et) })
	}

	sent, n := sock.sentSince(0)
	if len(sent) != 1 {
		t.Fatalf("expected 1 datagram, got %d", len(sent))
	}
	if _, has := sent[0].msg.GetOption(OptionBlock1); has {
		t.Fatal("non-blockwise request must not carry a Block1 option")
	}

	vc.Advance(1000)
	sock.deliver(ackFor(sent[0].msg, Created, &Block{Num: 0, M: false, SZX: 5}), peer)
	if more, _ := sock.sentSince(n); len(more) != 0 {
		t.Fatalf("expected no further datagram, got %d", len(more))
	}

	vc.Advance(300000)
	want := []EventType{EventAcknowledged, EventTimeout}
	if !eventsEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

// TestScenario3 covers spec.md §8 scenario 3: full retransmission timeout
// partway through a blockwise transfer.
func TestScenario3_FullRetransmissionTimeoutDuringBlock(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	cl := newTestClient(t, vc, sock)
	peer := StringPeer("server:5683")
	payload := makePayload(256)

	var events []EventType
	req := cl.Put(peer, "/blocks/put", payload, WithRequestBlockSize(128))
	for _, et := range []EventType{EventAcknowledged, EventBlockSent, EventTimeout} {
		et := et
		req.On(et, func(Event) { events = append(events, et) })
	}

	sent, n := sock.sentSince(0)
	vc.Advance(50)
	sock.deliver(ackFor(sent[0].msg, Changed, &Block{Num: 0, M: true, SZX: 3}), peer)

	sent, n = sock.sentSince(n)
	if len(sent) != 1 {
		t.Fatalf("expected block1 to be sent, got %d datagrams", len(sent))
	}
	block1Req := sent[0].msg

	// No ACK ever arrives for block 1: expect the fixed {2000,4000,8000,
	// 16000,32000}ms retransmit schedule (spec.md §4.C) then timeout.
	vc.Advance(62000)

	retransmits, _ := sock.sentSince(n)
	if len(retransmits) != 4 {
		t.Fatalf("expected 4 retransmits, got %d", len(retransmits))
	}
	for _, d := range retransmits {
		if d.msg.MID != block1Req.MID {
			t.Fatalf("retransmit MID mismatch: got %d, want %d", d.msg.MID, block1Req.MID)
		}
	}

	want := []EventType{EventAcknowledged, EventBlockSent, EventTimeout}
	if !eventsEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

// TestScenario5 covers spec.md §8 scenario 5: a duplicate ACK for an
// already-acknowledged transaction is silently ignored.
func TestScenario5_DuplicateConResponseIgnored(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	cl := newTestClient(t, vc, sock)
	peer := StringPeer("server:5683")
	payload := []byte("short")

	var acked int
	req := cl.Put(peer, "/echo", payload)
	req.On(EventAcknowledged, func(Event) { acked++ })

	sent, _ := sock.sentSince(0)
	ack := ackFor(sent[0].msg, Changed, nil)
	sock.deliver(ack, peer)
	sock.deliver(ack, peer) // duplicate

	if acked != 1 {
		t.Fatalf("acked = %d, want 1", acked)
	}
}

// TestSendErrorSurfacesAsEventError covers spec.md §6/§7: a Socket.Send
// failure on the initial datagram must reach the owning Request as an
// error(err) event wrapping ErrSocket, not just the endpoint-wide onSend
// hook.
func TestSendErrorSurfacesAsEventError(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	sock.sendErr = fmt.Errorf("write udp: connection refused")
	cl := newTestClient(t, vc, sock)
	peer := StringPeer("server:5683")

	var errs []error
	req := cl.Put(peer, "/echo", []byte("short"))
	req.On(EventError, func(ev Event) { errs = append(errs, ev.Err) })

	// The failing send happens synchronously inside cl.Put, before this
	// test had a chance to register the listener above; the error event
	// is deferred one tick so it only fires once the clock advances.
	vc.Advance(0)

	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly 1 EventError", errs)
	}
	if !errors.Is(errs[0], ErrSocket) {
		t.Fatalf("err = %v, want wrapped ErrSocket", errs[0])
	}

	if sent, _ := sock.sentSince(0); len(sent) != 0 {
		t.Fatalf("expected no datagram recorded on a failed send, got %d", len(sent))
	}
}

func eventsEqual(got, want []EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
