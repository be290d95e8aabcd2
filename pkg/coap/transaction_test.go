package coap

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func newFixedTransaction(t *testing.T, vc *VirtualClock, sock *mockSocket, peer PeerAddr) (*Transaction, *int, *int) {
	t.Helper()
	msg := Message{Type: CON, Code: GET, MID: 1, Token: []byte{0x01}}
	b, err := Encode(msg, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	acks, timeouts := 0, 0
	txn := newTransaction(txnParams{
		peer:          peer,
		msg:           msg,
		encoded:       b,
		clock:         vc,
		socket:        sock,
		ackTimeout:    2000000000, // 2s as a time.Duration (nanoseconds)
		ackRandom:     1.5,
		maxRetransmit: 4,
		rng:           &SequenceRNG{},
		onAcked:       func(Message) { acks++ },
		onTimeout:     func() { timeouts++ },
	})
	return txn, &acks, &timeouts
}

// TestTransactionFixedBackoffSchedule asserts the exact retransmit
// schedule {2000,4000,8000,16000,32000}ms required by spec.md §4.C,
// reproduced deterministically via a zero-jitter SequenceRNG.
func TestTransactionFixedBackoffSchedule(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")
	_, _, timeouts := newFixedTransaction(t, vc, sock, peer)

	sent, n := sock.sentSince(0)
	if len(sent) != 1 {
		t.Fatalf("expected 1 initial send, got %d\n%s", len(sent), spew.Sdump(sent))
	}

	schedule := []int64{2000, 4000, 8000, 16000, 32000}
	var elapsed int64
	for i, delay := range schedule {
		vc.Advance(Millis(delay))
		elapsed += delay
		if i < len(schedule)-1 {
			got, n2 := sock.sentSince(n)
			if len(got) != 1 {
				t.Fatalf("retransmit %d: expected 1 new send at elapsed=%dms, got %d\n%s", i+1, elapsed, len(got), spew.Sdump(got))
			}
			n = n2
		}
	}

	if *timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", *timeouts)
	}
	got, _ := sock.sentSince(n)
	if len(got) != 0 {
		t.Fatalf("expected no send on the final (timeout) fire, got %d", len(got))
	}
}

func TestTransactionAckCancelsRetransmit(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")
	txn, acks, _ := newFixedTransaction(t, vc, sock, peer)

	txn.handleAck(Message{Type: ACK, Code: CodeEmpty, MID: 1})
	if *acks != 1 {
		t.Fatalf("acks = %d, want 1", *acks)
	}
	if txn.state != TxnAcked {
		t.Fatalf("state = %v, want Acked", txn.state)
	}

	vc.Advance(100000)
	if sent, _ := sock.sentSince(1); len(sent) != 0 {
		t.Fatalf("expected no retransmits after ack, got %d", len(sent))
	}
}

func TestTransactionDuplicateAckIgnored(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")
	txn, acks, _ := newFixedTransaction(t, vc, sock, peer)

	txn.handleAck(Message{Type: ACK, Code: CodeEmpty, MID: 1})
	txn.handleAck(Message{Type: ACK, Code: CodeEmpty, MID: 1})
	if *acks != 1 {
		t.Fatalf("acks = %d, want 1 (duplicate must be ignored)", *acks)
	}
}

func TestTransactionReset(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")
	msg := Message{Type: CON, Code: GET, MID: 9}
	b, _ := Encode(msg, 0)
	reset := false
	txn := newTransaction(txnParams{
		peer: peer, msg: msg, encoded: b, clock: vc, socket: sock,
		ackTimeout: 2000000000, ackRandom: 1.5, maxRetransmit: 4,
		rng: &SequenceRNG{}, onReset: func() { reset = true },
	})
	txn.handleReset()
	if !reset || txn.state != TxnReset {
		t.Fatalf("reset=%v state=%v", reset, txn.state)
	}
	vc.Advance(100000)
	if sent, _ := sock.sentSince(1); len(sent) != 0 {
		t.Fatal("expected no retransmits after reset")
	}
}

func TestTransactionCancel(t *testing.T) {
	vc := NewVirtualClock()
	sock := newMockSocket()
	peer := StringPeer("peer")
	txn, _, timeouts := newFixedTransaction(t, vc, sock, peer)
	txn.cancelTxn()
	vc.Advance(100000)
	if *timeouts != 0 {
		t.Fatalf("timeouts = %d, want 0 after cancel", *timeouts)
	}
}
