package coap

import "time"

// TxnState is a Transaction's retransmission-FSM state (spec.md §4.C):
// Pending -> Acked | Reset | TimedOut.
type TxnState uint8

const (
	TxnPending TxnState = iota
	TxnAcked
	TxnReset
	TxnTimedOut
)

func (s TxnState) String() string {
	switch s {
	case TxnPending:
		return "Pending"
	case TxnAcked:
		return "Acked"
	case TxnReset:
		return "Reset"
	case TxnTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// Transaction is the retransmission state machine for a single CON
// datagram on the wire (spec.md §4.C). It is exclusively owned and driven
// by its Endpoint's dispatch loop; there is no internal locking.
type Transaction struct {
	peer    PeerAddr
	mid     uint16
	token   []byte
	encoded []byte

	state      TxnState
	retransmit int // count of retransmissions sent so far (0..maxRetransmit)

	nextFireAt Millis
	lastDelay  time.Duration
	cancel     CancelHandle

	clock         Clock
	socket        Socket
	maxRetransmit int
	hooks         hookList

	onAcked   func(ack Message)
	onReset   func()
	onTimeout func()
	onError   func(err error)

	cancelled bool
}

// txnParams bundles construction inputs for newTransaction.
type txnParams struct {
	peer          PeerAddr
	msg           Message // already stamped with MID/token
	encoded       []byte
	clock         Clock
	socket        Socket
	ackTimeout    time.Duration
	ackRandom     float64
	maxRetransmit int
	rng           RNG
	hooks         hookList

	onAcked   func(ack Message)
	onReset   func()
	onTimeout func()
	onError   func(err error)
}

// newTransaction creates a Pending Transaction, sends the first datagram,
// and schedules the first retransmit timer per spec.md §4.C: T0 uniform in
// [ackTimeout, ackTimeout*ackRandomFactor].
func newTransaction(p txnParams) *Transaction {
	t := &Transaction{
		peer:          p.peer,
		mid:           p.msg.MID,
		token:         p.msg.Token,
		encoded:       p.encoded,
		state:         TxnPending,
		clock:         p.clock,
		socket:        p.socket,
		maxRetransmit: p.maxRetransmit,
		hooks:         p.hooks,
		onAcked:       p.onAcked,
		onReset:       p.onReset,
		onTimeout:     p.onTimeout,
		onError:       p.onError,
	}

	jitterRange := float64(p.ackRandom-1.0) * float64(p.ackTimeout)
	t0 := p.ackTimeout + time.Duration(p.rng.Float64()*jitterRange)

	err := p.socket.Send(p.encoded, p.peer)
	t.hooks.onSend(p.peer, p.msg, err)
	if err != nil && t.onError != nil {
		// Deferred one tick: this runs synchronously inside the caller's
		// Put/Post, before it has had a chance to return the *Request and
		// let the caller attach listeners. Scheduling it for "now" lets it
		// fire on the clock's next Advance instead of being lost.
		sendErr := err
		t.clock.Schedule(t.clock.Now(), func() { t.onError(sendErr) })
	}

	t.lastDelay = t0
	t.scheduleNext(t0)
	return t
}

func (t *Transaction) scheduleNext(delay time.Duration) {
	deadline := t.clock.Now() + Millis(delay.Milliseconds())
	t.nextFireAt = deadline
	t.cancel = t.clock.Schedule(deadline, t.fire)
}

// fire is invoked by the Clock when a retransmit timer matures.
func (t *Transaction) fire() {
	if t.cancelled || t.state != TxnPending {
		return
	}
	if t.retransmit >= t.maxRetransmit {
		t.state = TxnTimedOut
		t.hooks.onTimeout(t.peer, t.token, ErrTransactionTimeout)
		if t.onTimeout != nil {
			t.onTimeout()
		}
		return
	}

	t.retransmit++
	err := t.socket.Send(t.encoded, t.peer)
	t.hooks.onSend(t.peer, Message{}, err)
	if err != nil && t.onError != nil {
		t.onError(err)
	}
	t.hooks.onRetransmit(t.peer, t.mid, t.retransmit, t.lastDelay*2)

	// Tn+1 = 2*Tn (spec.md §4.C).
	t.lastDelay *= 2
	t.scheduleNext(t.lastDelay)
}

// handleAck transitions Pending -> Acked and cancels the retransmit timer.
// ack may carry a response code (piggybacked) or be empty (separate
// response promise); the caller (Exchange) distinguishes the two.
func (t *Transaction) handleAck(ack Message) {
	if t.state != TxnPending {
		return // already terminal; duplicate ACK, spec.md §8 scenario 5
	}
	t.state = TxnAcked
	if t.cancel != nil {
		t.cancel.Cancel()
	}
	if t.onAcked != nil {
		t.onAcked(ack)
	}
}

// handleReset transitions Pending -> Reset and cancels the retransmit timer.
func (t *Transaction) handleReset() {
	if t.state != TxnPending {
		return
	}
	t.state = TxnReset
	if t.cancel != nil {
		t.cancel.Cancel()
	}
	if t.onReset != nil {
		t.onReset()
	}
}

// cancelTxn tears down the transaction with no further events (spec.md
// §4.C "Cancellation").
func (t *Transaction) cancelTxn() {
	t.cancelled = true
	if t.cancel != nil {
		t.cancel.Cancel()
	}
}
