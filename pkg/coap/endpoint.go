package coap

import (
	"encoding/hex"
	"strconv"
	"sync"
)

// Endpoint is the single dispatch point for one Socket: it allocates
// Message-IDs and Tokens, maintains the (peer,mid)/(peer,token) dispatch
// tables, and funnels every external trigger — inbound datagrams, fired
// timers, user submissions — through one mutex-serialized entry point, so
// that Transaction/Exchange/BlockwiseRequest state never needs its own
// locking (spec.md §4.B, §5), generalized from the single
// channel-draining goroutine in teacher's `broker.handleReqs()` (see
// DESIGN.md) to a directly-reentrant serialization primitive, since here
// the "loop" has no queue to drain asynchronously — every trigger runs to
// completion before the call that raised it returns.
type Endpoint struct {
	mu sync.Mutex

	socket Socket
	clock  Clock // wraps cfg.clock so every fired callback re-enters through mu
	cfg    Config

	midCounter uint16

	txns      map[string]*Transaction
	exchanges map[string]*Exchange
	tokens    map[string]struct{}
	dedup     map[string]*dedupEntry
}

type dedupEntry struct {
	ackBytes []byte
}

// NewEndpoint constructs an Endpoint bound to socket and installs its
// inbound-datagram receiver. cfg should already be validated (newConfig).
func NewEndpoint(socket Socket, cfg Config) *Endpoint {
	ep := &Endpoint{
		socket:    socket,
		cfg:       cfg,
		midCounter: cfg.rng.SeedMID(),
		txns:      make(map[string]*Transaction),
		exchanges: make(map[string]*Exchange),
		tokens:    make(map[string]struct{}),
		dedup:     make(map[string]*dedupEntry),
	}
	ep.clock = endpointClock{inner: cfg.clock, ep: ep}
	socket.SetReceiver(func(b []byte, peer PeerAddr) {
		ep.enqueue(func() { ep.handleDatagram(b, peer) })
	})
	return ep
}

// enqueue is the serialization boundary every external trigger passes
// through: socket deliveries, fired timers, and (via Submit) user
// operations. Holding ep.mu for the triggering call's whole duration is
// what gives the rest of the package its "no lock needed" property.
func (ep *Endpoint) enqueue(fn func()) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	fn()
}

// Submit runs fn serialized with every other Endpoint trigger and returns
// once it completes (spec.md §5 "user-submitted operations" is one of the
// three sources the single dispatch loop services).
func (ep *Endpoint) Submit(fn func()) {
	ep.enqueue(fn)
}

// endpointClock rewraps a Clock so that every fired callback re-enters
// through the Endpoint's serialization point instead of running on
// whatever goroutine the underlying Clock happened to fire it from
// (a real-socket RealClock fires on its own timer goroutine).
type endpointClock struct {
	inner Clock
	ep    *Endpoint
}

func (c endpointClock) Now() Millis { return c.inner.Now() }

func (c endpointClock) Schedule(deadline Millis, cb func()) CancelHandle {
	return c.inner.Schedule(deadline, func() { c.ep.enqueue(cb) })
}

func txnKey(peer PeerAddr, mid uint16) string {
	return peer.String() + "|" + strconv.Itoa(int(mid))
}

func exchKey(peer PeerAddr, token []byte) string {
	return peer.String() + "|" + hex.EncodeToString(token)
}

func tokenKey(token []byte) string { return hex.EncodeToString(token) }

// nextMID returns the next Message-ID from the per-Endpoint counter
// (spec.md §4.B: "monotonically increasing 16-bit counter ... wraparound
// is legal" — uint16 overflow wraps on its own).
func (ep *Endpoint) nextMID() uint16 {
	m := ep.midCounter
	ep.midCounter++
	return m
}

// nextToken returns 4 random bytes not already in use by a live Exchange
// on this Endpoint, regenerating on collision (spec.md §5).
func (ep *Endpoint) nextToken() []byte {
	for {
		tok := ep.cfg.rng.TokenBytes(4)
		if _, taken := ep.tokens[tokenKey(tok)]; !taken {
			return tok
		}
	}
}

// OpenExchange stamps msg with a fresh MID (and Token, if msg.Token is
// empty), opens its Transaction, registers both in the dispatch tables,
// and arranges for them to be dropped when the Exchange reaches a
// terminal state. Must be called from inside Submit/enqueue.
func (ep *Endpoint) OpenExchange(msg Message, peer PeerAddr, owner exchangeOwner) (*Exchange, error) {
	msg.MID = ep.nextMID()
	if len(msg.Token) == 0 {
		msg.Token = ep.nextToken()
	}

	ex, err := newExchange(exchangeParams{
		peer:            peer,
		msg:             msg,
		socket:          ep.socket,
		clock:           ep.clock,
		rng:             ep.cfg.rng,
		ackTimeout:      ep.cfg.ackTimeout,
		ackRandomFactor: ep.cfg.ackRandomFactor,
		maxRetransmit:   ep.cfg.maxRetransmit,
		exchangeTimeout: ep.cfg.exchangeTimeout,
		hooks:           ep.cfg.hooks,
		owner:           owner,
	})
	if err != nil {
		return nil, err
	}

	mid, token, peerCopy := msg.MID, msg.Token, peer
	ex.onDone = func() { ep.unregister(peerCopy, mid, token) }

	ep.txns[txnKey(peer, mid)] = ex.txn
	ep.exchanges[exchKey(peer, token)] = ex
	ep.tokens[tokenKey(token)] = struct{}{}
	return ex, nil
}

func (ep *Endpoint) unregister(peer PeerAddr, mid uint16, token []byte) {
	delete(ep.txns, txnKey(peer, mid))
	delete(ep.exchanges, exchKey(peer, token))
	delete(ep.tokens, tokenKey(token))
}

// SendNonConfirmable fire-and-forgets msg (spec.md §4.B): no Transaction,
// no retransmission, no dispatch-table entry.
func (ep *Endpoint) SendNonConfirmable(msg Message, peer PeerAddr) error {
	msg.Type = NON
	msg.MID = ep.nextMID()
	if len(msg.Token) == 0 {
		msg.Token = ep.nextToken()
	}
	b, err := Encode(msg, 0)
	if err != nil {
		return err
	}
	err = ep.socket.Send(b, peer)
	ep.cfg.hooks.onSend(peer, msg, err)
	return err
}

// handleDatagram implements the dispatch rules of spec.md §4.B.
func (ep *Endpoint) handleDatagram(b []byte, peer PeerAddr) {
	msg, err := Decode(b)
	if err != nil {
		ep.cfg.logger.Log(LogLevelWarn, "coap: dropping malformed datagram", "peer", peer.String(), "err", err)
		return
	}

	switch msg.Type {
	case ACK, RST:
		ep.handleAckOrReset(msg, peer)
	case CON, NON:
		if msg.Code.IsResponse() {
			ep.handleInboundResponse(msg, peer)
		}
		// Requests inbound to a client-side endpoint have no handler
		// (spec.md §1 scope is client-side only); silently dropped.
	}
}

// handleAckOrReset is dispatch rule 1: look up the Transaction by
// (peer, mid); if absent, silently drop (stale).
func (ep *Endpoint) handleAckOrReset(msg Message, peer PeerAddr) {
	txn, ok := ep.txns[txnKey(peer, msg.MID)]
	if !ok {
		return
	}
	if msg.Type == ACK {
		txn.handleAck(msg)
	} else {
		txn.handleReset()
	}
}

// handleInboundResponse implements dispatch rules 2 and 3: duplicate
// suppression (with cached-ACK replay for CON) followed by matching the
// Exchange by (peer, token).
func (ep *Endpoint) handleInboundResponse(msg Message, peer PeerAddr) {
	if msg.Type == CON {
		dkey := txnKey(peer, msg.MID)
		if entry, dup := ep.dedup[dkey]; dup {
			if entry.ackBytes != nil {
				ep.socket.Send(entry.ackBytes, peer)
			}
			ep.cfg.hooks.onDuplicate(peer, msg.MID)
			return
		}
		ack := Message{Type: ACK, Code: CodeEmpty, MID: msg.MID}
		ackBytes, err := Encode(ack, 0)
		if err == nil {
			ep.socket.Send(ackBytes, peer)
		}
		ep.rememberDedup(dkey, ackBytes)
	} else {
		dkey := txnKey(peer, msg.MID)
		if _, dup := ep.dedup[dkey]; dup {
			ep.cfg.hooks.onDuplicate(peer, msg.MID)
			return
		}
		ep.rememberDedup(dkey, nil)
	}

	ex, ok := ep.exchanges[exchKey(peer, msg.Token)]
	if !ok {
		return
	}
	ex.DeliverResponse(msg)
}

// rememberDedup records that (peer,mid) has been seen, evicting the
// record after EXCHANGE_LIFETIME (spec.md §4.B dispatch rule 3).
func (ep *Endpoint) rememberDedup(key string, ackBytes []byte) {
	ep.dedup[key] = &dedupEntry{ackBytes: ackBytes}
	ep.clock.Schedule(ep.clock.Now()+Millis(ep.cfg.exchangeTimeout.Milliseconds()), func() {
		delete(ep.dedup, key)
	})
}
