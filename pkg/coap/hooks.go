package coap

import "time"

// Hook is a marker interface for endpoint-wide instrumentation, mirroring
// franz-go's Hook/BrokerConnectHook/BrokerWriteHook family
// (pkg/kgo/broker.go: "cfg.hooks.each(func(h Hook) { if h, ok :=
// h.(BrokerWriteHook); ok { h.OnWrite(...) } })"). Hooks are distinct from
// the per-Request event surface in events.go: hooks observe the endpoint as
// a whole (every datagram on every exchange), while a Request's events are
// scoped to that one request.
type Hook interface{}

// SendHook is notified whenever a request datagram is handed to the
// Socket: a confirmable message's first send and each retransmit (these
// pass a zero Message), and each non-confirmable send. The empty ACKs the
// Endpoint sends or replays for inbound CON responses are not reported.
type SendHook interface {
	OnSend(peer PeerAddr, msg Message, err error)
}

// RetransmitHook is notified each time a Transaction retransmits.
type RetransmitHook interface {
	OnRetransmit(peer PeerAddr, mid uint16, attempt int, delay time.Duration)
}

// DuplicateHook is notified when the Endpoint discards a duplicate
// CON/NON datagram (spec.md §4.B dispatch rule 3).
type DuplicateHook interface {
	OnDuplicate(peer PeerAddr, mid uint16)
}

// TimeoutHook is notified when a Transaction exhausts its retransmission
// budget (err is ErrTransactionTimeout). An Exchange lifetime timeout is
// not reported to it.
type TimeoutHook interface {
	OnTimeout(peer PeerAddr, token []byte, err error)
}

// hookList holds zero or more Hooks and dispatches to whichever
// sub-interfaces each one implements, exactly as franz-go's hooks.each.
type hookList []Hook

func (hs hookList) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}

func (hs hookList) onSend(peer PeerAddr, msg Message, err error) {
	hs.each(func(h Hook) {
		if h, ok := h.(SendHook); ok {
			h.OnSend(peer, msg, err)
		}
	})
}

func (hs hookList) onRetransmit(peer PeerAddr, mid uint16, attempt int, delay time.Duration) {
	hs.each(func(h Hook) {
		if h, ok := h.(RetransmitHook); ok {
			h.OnRetransmit(peer, mid, attempt, delay)
		}
	})
}

func (hs hookList) onDuplicate(peer PeerAddr, mid uint16) {
	hs.each(func(h Hook) {
		if h, ok := h.(DuplicateHook); ok {
			h.OnDuplicate(peer, mid)
		}
	})
}

func (hs hookList) onTimeout(peer PeerAddr, token []byte, err error) {
	hs.each(func(h Hook) {
		if h, ok := h.(TimeoutHook); ok {
			h.OnTimeout(peer, token, err)
		}
	})
}
