package coap

import (
	"fmt"
	"time"
)

// ExchangeStatus is the lifecycle status of an Exchange.
type ExchangeStatus uint8

const (
	ExchangeOpen ExchangeStatus = iota
	ExchangeCompleted
	ExchangeTimedOut
	ExchangeReset
	ExchangeCancelled
)

// exchangeOwner receives the events an Exchange raises, generalized so both
// a plain (non-blockwise) Request and a BlockwiseRequest's per-block driver
// can own one (spec.md §4.D/§4.E). onResponse returns whether the response
// completes the exchange at the application level: a plain request
// completes unless the response carries a Block1 option; a
// BlockwiseRequest may decline (return false) per the
// "unexpected option"/renegotiation policy in spec.md §4.E, in which case
// the Exchange stays open until its own exchangeTimeout fires.
type exchangeOwner struct {
	onAcknowledged func(ack Message)
	onResponse     func(resp Message) (complete bool)
	onTimeout      func()
	onTxnTimeout   func()
	onReset        func()

	// onError is called whenever the underlying Socket reports a send
	// failure (spec.md §6/§7: "a non-nil error becomes a SocketError/
	// error(err) event on the owning Request"). The exchange itself is not
	// torn down by a send error: its transaction keeps retrying on its own
	// schedule exactly as if the send had succeeded.
	onError func(err error)
}

// Exchange pairs one logical request with, at any instant, exactly one
// Transaction (spec.md §3/§4.D). It owns an exchange-lifetime deadline
// independent of the transaction's own retransmit timer.
type Exchange struct {
	token  []byte
	peer   PeerAddr
	status ExchangeStatus

	txn *Transaction

	clock    Clock
	deadline CancelHandle

	owner exchangeOwner

	// onDone, if set, is called exactly once when the exchange reaches any
	// terminal status, so the owning Endpoint can drop its dispatch-table
	// entries (spec.md §4.B).
	onDone func()
}

type exchangeParams struct {
	peer            PeerAddr
	msg             Message
	socket          Socket
	clock           Clock
	rng             RNG
	ackTimeout      time.Duration
	ackRandomFactor float64
	maxRetransmit   int
	exchangeTimeout time.Duration
	hooks           hookList
	owner           exchangeOwner
}

// newExchange encodes msg, opens its Transaction, and starts the
// exchange-lifetime deadline immediately (spec.md §3: "exchange-deadline"
// runs for the exchange's whole life, not just after the first ACK — the
// transaction's own, much shorter, retransmit budget is what usually
// resolves first).
func newExchange(p exchangeParams) (*Exchange, error) {
	encoded, err := Encode(p.msg, 0)
	if err != nil {
		return nil, err
	}

	e := &Exchange{
		token:  p.msg.Token,
		peer:   p.peer,
		status: ExchangeOpen,
		clock:  p.clock,
		owner:  p.owner,
	}

	e.deadline = p.clock.Schedule(p.clock.Now()+Millis(p.exchangeTimeout.Milliseconds()), e.fireTimeout)

	e.txn = newTransaction(txnParams{
		peer:          p.peer,
		msg:           p.msg,
		encoded:       encoded,
		clock:         p.clock,
		socket:        p.socket,
		ackTimeout:    p.ackTimeout,
		ackRandom:     p.ackRandomFactor,
		maxRetransmit: p.maxRetransmit,
		rng:           p.rng,
		hooks:         p.hooks,
		onAcked:       e.handleAcked,
		onReset:       e.handleReset,
		onTimeout:     e.handleTxnTimeout,
		onError:       e.handleSendError,
	})
	return e, nil
}

// handleSendError wraps a Socket send failure as ErrSocket and surfaces it
// to the owner as a SocketError event, per spec.md §7.
func (e *Exchange) handleSendError(err error) {
	if e.owner.onError != nil {
		e.owner.onError(fmt.Errorf("%w: %v", ErrSocket, err))
	}
}

func (e *Exchange) fireTimeout() {
	if e.status != ExchangeOpen {
		return
	}
	e.status = ExchangeTimedOut
	e.finish()
	if e.owner.onTimeout != nil {
		e.owner.onTimeout()
	}
}

func (e *Exchange) handleAcked(ack Message) {
	if e.status != ExchangeOpen {
		return
	}
	if e.owner.onAcknowledged != nil {
		e.owner.onAcknowledged(ack)
	}

	if ack.Code.IsResponse() {
		e.deliverResponse(ack)
		return
	}
	// Empty ACK: a separate response is expected later, delivered via
	// DeliverResponse when Endpoint matches an inbound CON/NON by token.
	// The exchange stays open; its deadline (already running) is what
	// eventually closes it if no response ever arrives.
}

// DeliverResponse is called by the Endpoint when an inbound CON/NON
// response matches this Exchange's token (spec.md §4.B dispatch rule 2),
// i.e. the "separate response" case.
func (e *Exchange) DeliverResponse(resp Message) {
	e.deliverResponse(resp)
}

func (e *Exchange) deliverResponse(resp Message) {
	if e.status != ExchangeOpen {
		return
	}
	complete := true
	if e.owner.onResponse != nil {
		complete = e.owner.onResponse(resp)
	}
	if complete {
		e.complete()
	}
	// else: leave status Open; deadline timer remains armed and will
	// eventually fire fireTimeout per spec.md §4.D's "unexpected response"
	// policy.
}

func (e *Exchange) handleTxnTimeout() {
	if e.status != ExchangeOpen {
		return
	}
	e.status = ExchangeTimedOut
	e.cancelDeadline()
	e.finish()
	if e.owner.onTxnTimeout != nil {
		e.owner.onTxnTimeout()
	}
}

func (e *Exchange) handleReset() {
	if e.status != ExchangeOpen {
		return
	}
	e.status = ExchangeReset
	e.cancelDeadline()
	e.finish()
	if e.owner.onReset != nil {
		e.owner.onReset()
	}
}

func (e *Exchange) complete() {
	e.status = ExchangeCompleted
	e.cancelDeadline()
	e.finish()
}

func (e *Exchange) cancelDeadline() {
	if e.deadline != nil {
		e.deadline.Cancel()
	}
}

func (e *Exchange) finish() {
	if e.onDone != nil {
		e.onDone()
	}
}

// Cancel tears the exchange (and its active transaction) down with no
// further events (spec.md §5 "Cancellation").
func (e *Exchange) Cancel() {
	if e.status != ExchangeOpen {
		return
	}
	e.status = ExchangeCancelled
	e.cancelDeadline()
	if e.txn != nil {
		e.txn.cancelTxn()
	}
	e.finish()
}
