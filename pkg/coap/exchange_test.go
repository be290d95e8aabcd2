package coap

import "testing"

func newTestExchange(t *testing.T, vc *VirtualClock, sock *mockSocket, peer PeerAddr, owner exchangeOwner) *Exchange {
	t.Helper()
	msg := Message{Type: CON, Code: PUT, Token: []byte{0x01, 0x02}}
	ex, err := newExchange(exchangeParams{
		peer: peer, msg: msg, socket: sock, clock: vc,
		rng: &SequenceRNG{}, ackTimeout: 2000000000, ackRandomFactor: 1.5,
		maxRetransmit: 4, exchangeTimeout: 247000000000, owner: owner,
	})
	if err != nil {
		t.Fatalf("newExchange: %v", err)
	}
	return ex
}

// TestExchangeSeparateResponse covers the "ACK with empty payload, final
// response arrives later" path of spec.md §4.D.
func TestExchangeSeparateResponse(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")

	var acked, responded, timedOut int
	var lastResp Message
	ex := newTestExchange(t, vc, sock, peer, exchangeOwner{
		onAcknowledged: func(Message) { acked++ },
		onResponse:     func(m Message) bool { responded++; lastResp = m; return true },
		onTimeout:      func() { timedOut++ },
	})

	ex.handleAcked(Message{Type: ACK, Code: CodeEmpty, MID: 0})
	if acked != 1 || responded != 0 {
		t.Fatalf("acked=%d responded=%d, want 1,0", acked, responded)
	}
	if ex.status != ExchangeOpen {
		t.Fatalf("status = %v, want Open", ex.status)
	}

	final := Message{Type: CON, Code: Changed, Payload: []byte("done")}
	ex.DeliverResponse(final)
	if responded != 1 || lastResp.Code != Changed {
		t.Fatalf("responded=%d lastResp=%v", responded, lastResp)
	}
	if ex.status != ExchangeCompleted {
		t.Fatalf("status = %v, want Completed", ex.status)
	}

	vc.Advance(300000)
	if timedOut != 0 {
		t.Fatal("timeout must not fire after completion")
	}
}

// TestExchangeUnexpectedResponseStaysOpen covers the "acknowledged but
// not complete" policy of spec.md §4.D.
func TestExchangeUnexpectedResponseStaysOpen(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")

	var acked, responded, timedOut int
	ex := newTestExchange(t, vc, sock, peer, exchangeOwner{
		onAcknowledged: func(Message) { acked++ },
		onResponse:     func(Message) bool { responded++; return false },
		onTimeout:      func() { timedOut++ },
	})

	// Acknowledge through the transaction, as the Endpoint does, so its
	// retransmit budget cannot time the exchange out before the deadline.
	ex.txn.handleAck(Message{Type: ACK, Code: Changed, MID: 0})
	if acked != 1 || responded != 1 {
		t.Fatalf("acked=%d responded=%d, want 1,1", acked, responded)
	}
	if ex.status != ExchangeOpen {
		t.Fatalf("status = %v, want Open (not completed)", ex.status)
	}

	vc.Advance(300000)
	if timedOut != 1 {
		t.Fatalf("timedOut = %d, want 1", timedOut)
	}
}

func TestExchangeResetSuppressesLaterTimeout(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")

	var reset, timedOut int
	ex := newTestExchange(t, vc, sock, peer, exchangeOwner{
		onReset:   func() { reset++ },
		onTimeout: func() { timedOut++ },
	})

	ex.handleReset()
	vc.Advance(300000)
	if reset != 1 || timedOut != 0 {
		t.Fatalf("reset=%d timedOut=%d, want 1,0", reset, timedOut)
	}
}

func TestExchangeCancel(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")

	var timedOut int
	ex := newTestExchange(t, vc, sock, peer, exchangeOwner{
		onTimeout: func() { timedOut++ },
	})
	ex.Cancel()
	vc.Advance(300000)
	if timedOut != 0 {
		t.Fatal("cancelled exchange must not emit timeout")
	}
	if ex.status != ExchangeCancelled {
		t.Fatalf("status = %v, want Cancelled", ex.status)
	}
}
