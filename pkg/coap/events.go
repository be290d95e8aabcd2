package coap

// EventType names one of the observable events a Request can emit
// (spec.md §4.D/§4.E/§4.F, §7).
type EventType string

const (
	EventAcknowledged      EventType = "acknowledged"
	EventBlockSent         EventType = "block sent"
	EventResponse          EventType = "response"
	EventTimeout           EventType = "timeout"
	EventTransactionTimeout EventType = "transaction timeout"
	EventReset             EventType = "reset"
	EventError             EventType = "error"
	EventCancelled         EventType = "cancelled"
)

// Event is the payload delivered to a Listener. Which of Message/Err is
// meaningful depends on Type: Acknowledged/BlockSent/Response carry
// Message, Error carries Err, the rest carry neither.
type Event struct {
	Type    EventType
	Message Message
	Err     error
}

// Listener observes one EventType on a Request.
type Listener func(Event)

// Emitter is the per-request multi-listener observable described in
// spec.md §4.F: listeners are keyed by event name and invoked
// synchronously, in registration order, on whatever goroutine emit is
// called from (the Endpoint's dispatch point, except EventCancelled, which
// Request.Cancel emits on its caller's goroutine). There is no
// wildcard listener and no buffering — a listener registered after an
// event fired simply misses it.
type Emitter struct {
	listeners map[EventType][]Listener
}

func newEmitter() *Emitter {
	return &Emitter{listeners: make(map[EventType][]Listener)}
}

// On registers fn for events of type t, appended after any existing
// listeners for that type.
func (e *Emitter) On(t EventType, fn Listener) {
	e.listeners[t] = append(e.listeners[t], fn)
}

func (e *Emitter) emit(t EventType, ev Event) {
	ev.Type = t
	for _, fn := range e.listeners[t] {
		fn(ev)
	}
}

// Request is the handle an application holds for one logical operation
// (a bare Exchange or a BlockwiseRequest's whole block sequence). Its first
// datagram is already sent when Put/Post return it, but no event has fired
// yet, so listeners registered right away see every event.
type Request struct {
	*Emitter
	peer     PeerAddr
	cancelFn func()
}

func newRequest(peer PeerAddr) *Request {
	return &Request{Emitter: newEmitter(), peer: peer}
}

// Cancel tears down whatever Exchange(s) back this Request and emits
// EventCancelled; the cancelled Exchange raises no events after that
// (spec.md §5 "Cancellation").
func (r *Request) Cancel() {
	if r.cancelFn != nil {
		r.cancelFn()
	}
	r.emit(EventCancelled, Event{})
}
