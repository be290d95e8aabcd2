package coap

import (
	"fmt"
	"sync"
)

// PeerAddr is an opaque remote-endpoint identifier. The core never dials or
// resolves addresses; it only uses PeerAddr as half of the (peer, mid) and
// (peer, token) dispatch keys (spec.md §4.B).
type PeerAddr interface {
	String() string
}

// StringPeer is the simplest PeerAddr, usable by any caller that already
// has a host:port (or any other stable) string identifying the remote
// endpoint.
type StringPeer string

func (p StringPeer) String() string { return string(p) }

// Socket is the external collaborator through which the core sends and
// receives opaque datagrams (spec.md §6). Send is synchronous and
// infallible from the core's perspective: a non-nil error becomes a
// `SocketError`/error(err) event on the owning Request rather than a
// panic or a blocking retry.
type Socket interface {
	Send(b []byte, peer PeerAddr) error
	// SetReceiver installs the callback invoked for every inbound
	// datagram. Implementations call it from whatever goroutine is
	// reading the underlying connection; the Endpoint processes the
	// datagram on that goroutine, holding its serialization lock, and
	// returns once dispatch is complete.
	SetReceiver(func(b []byte, peer PeerAddr))
}

// mockSocket is the in-memory test socket: it records every successfully
// sent outbound datagram (read back with sentSince), can be made to fail
// every Send via sendErr, and lets tests inject inbound datagrams directly
// with deliver. It holds no scripted expectations. Grounded on the
// TransportSender/TimerScheduler capability-interface test-double pattern
// in appnet-org-arpc's reliable package (see DESIGN.md).
type mockSocket struct {
	mu       sync.Mutex
	receiver func([]byte, PeerAddr)
	sent     []sentDatagram
	sendErr  error
}

type sentDatagram struct {
	bytes []byte
	peer  PeerAddr
	msg   Message
}

func newMockSocket() *mockSocket {
	return &mockSocket{}
}

func (m *mockSocket) Send(b []byte, peer PeerAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	msg, _ := Decode(b)
	m.sent = append(m.sent, sentDatagram{bytes: append([]byte(nil), b...), peer: peer, msg: msg})
	return nil
}

func (m *mockSocket) SetReceiver(fn func([]byte, PeerAddr)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiver = fn
}

// deliver simulates an inbound datagram from peer.
func (m *mockSocket) deliver(msg Message, peer PeerAddr) {
	b, err := Encode(msg, 0)
	if err != nil {
		panic(fmt.Sprintf("mockSocket.deliver: %v", err))
	}
	m.mu.Lock()
	recv := m.receiver
	m.mu.Unlock()
	if recv != nil {
		recv(b, peer)
	}
}

// sentSince returns datagrams sent from index 'from' onward and the new
// length, for tests asserting on wire traffic incrementally.
func (m *mockSocket) sentSince(from int) ([]sentDatagram, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from >= len(m.sent) {
		return nil, len(m.sent)
	}
	out := append([]sentDatagram(nil), m.sent[from:]...)
	return out, len(m.sent)
}
