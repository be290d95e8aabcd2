package coap

// blockwiseRequest drives a Block1 segmented PUT/POST (spec.md §4.E),
// owning a sequence of Exchanges, one in flight at a time, and
// translating their ack/response/timeout events onto a single Request.
// When the payload fits in one block, it degrades to a single
// non-blockwise Exchange (spec.md §4.E step 1), grounded on plgd-dev's
// blockwise.Do loop shape (see DESIGN.md) with the upward-renegotiation
// branch reworked to the configured ignore/adopt policy instead of
// silently following the server.
type blockwiseRequest struct {
	ep   *Endpoint
	peer PeerAddr
	req  *Request

	base    Message // Type/Code/Token/other options fixed across every block
	payload []byte

	blockwise    bool // false: single plain Exchange, no Block1 option at all
	strictGrowth bool

	szx    uint8
	num    uint32
	offset int // bytes of payload already acknowledged

	lastSentSize int
	curExchange  *Exchange
}

func newBlockwiseRequest(ep *Endpoint, peer PeerAddr, req *Request, base Message, payload []byte, blockSize int, strictGrowth bool) *blockwiseRequest {
	d := &blockwiseRequest{
		ep:           ep,
		peer:         peer,
		req:          req,
		base:         base,
		payload:      payload,
		strictGrowth: strictGrowth,
	}
	if blockSize > 0 {
		szx, err := SZXFromSize(blockSize)
		if err == nil && len(payload) > blockSize {
			d.blockwise = true
			d.szx = szx
		}
	}
	return d
}

func (d *blockwiseRequest) start() {
	if !d.blockwise {
		d.sendPlain()
		return
	}
	d.sendNextBlock()
}

// sendPlain submits the whole payload as a single Exchange with no Block1
// option, per spec.md §4.E step 1.
func (d *blockwiseRequest) sendPlain() {
	msg := d.base.Clone()
	msg.Payload = append([]byte(nil), d.payload...)

	owner := exchangeOwner{
		onAcknowledged: func(ack Message) { d.req.emit(EventAcknowledged, Event{Message: ack}) },
		onResponse:     d.handlePlainResponse,
		onTimeout:      func() { d.req.emit(EventTimeout, Event{}) },
		onTxnTimeout:   func() { d.req.emit(EventTimeout, Event{}) },
		onReset:        func() { d.req.emit(EventReset, Event{}) },
		onError:        func(err error) { d.req.emit(EventError, Event{Err: err}) },
	}
	ex, err := d.ep.OpenExchange(msg, d.peer, owner)
	if err != nil {
		d.req.emit(EventError, Event{Err: err})
		return
	}
	d.curExchange = ex
}

// handlePlainResponse implements spec.md §4.D's "unexpected option" policy
// for a request that never set a Block1 option: any Block1 in the
// response is unexpected and keeps the exchange open.
func (d *blockwiseRequest) handlePlainResponse(resp Message) bool {
	if _, has := resp.GetOption(OptionBlock1); has {
		return false
	}
	d.req.emit(EventResponse, Event{Message: resp})
	return true
}

func (d *blockwiseRequest) sendNextBlock() {
	size := SZXSize(d.szx)
	start := d.offset
	end := start + size
	if end > len(d.payload) {
		end = len(d.payload)
	}
	more := end < len(d.payload)
	d.lastSentSize = end - start

	msg := d.base.Clone()
	msg.Payload = append([]byte(nil), d.payload[start:end]...)
	blockOpt, err := BlockOption(OptionBlock1, Block{Num: d.num, M: more, SZX: d.szx})
	if err != nil {
		d.req.emit(EventError, Event{Err: err})
		return
	}
	msg = msg.WithOption(blockOpt)

	owner := exchangeOwner{
		onAcknowledged: d.handleBlockAcknowledged,
		onResponse:     d.handleBlockResponse,
		onTimeout:      func() { d.req.emit(EventTimeout, Event{}) },
		onTxnTimeout:   func() { d.req.emit(EventTimeout, Event{}) },
		onReset:        func() { d.req.emit(EventReset, Event{}) },
		onError:        func(err error) { d.req.emit(EventError, Event{Err: err}) },
	}
	ex, err := d.ep.OpenExchange(msg, d.peer, owner)
	if err != nil {
		d.req.emit(EventError, Event{Err: err})
		return
	}
	d.curExchange = ex
}

// handleBlockAcknowledged implements spec.md §8 scenario 1's conformance
// assertion: a growth-ignored ACK (server requests a larger SZX than the
// client will honor) raises no event at all, not even `acknowledged` —
// the datagram is accepted at the transport level (the transaction's
// retransmit timer is cancelled, so no retransmit follows) but is
// otherwise invisible to the application, distinguishing it from the
// general "unexpected option" case in spec.md §4.D, which does still
// raise `acknowledged`.
func (d *blockwiseRequest) handleBlockAcknowledged(ack Message) {
	if d.isGrowthIgnored(ack) {
		return
	}
	d.req.emit(EventAcknowledged, Event{Message: ack})
}

func (d *blockwiseRequest) isGrowthIgnored(ack Message) bool {
	if !d.strictGrowth {
		return false
	}
	block1, has, err := ack.GetBlock(OptionBlock1)
	return has && err == nil && block1.Num == d.num && block1.SZX > d.szx
}

// handleBlockResponse implements spec.md §4.E step 4, the heart of the
// renegotiation and out-of-order policy.
func (d *blockwiseRequest) handleBlockResponse(resp Message) bool {
	block1, has, err := resp.GetBlock(OptionBlock1)
	if err != nil || !has {
		// Protocol error: no Block1 on a response to a Block1 request.
		// Don't advance; exchangeTimeout will eventually close it.
		return false
	}
	if block1.Num != d.num {
		// Stale duplicate for a block we've already moved past.
		return false
	}

	switch {
	case block1.SZX > d.szx:
		if d.strictGrowth {
			// Ignore the server's requested growth entirely (spec.md
			// §9 Open Question default policy): no advance, no further
			// datagram, exchangeTimeout eventually fires `timeout`.
			return false
		}
		d.szx = block1.SZX
		return d.advance(resp, block1)
	default: // block1.SZX <= d.szx: equal, or a downward renegotiation
		if block1.SZX < d.szx {
			d.szx = block1.SZX
		}
		return d.advance(resp, block1)
	}
}

// advance records the just-acknowledged bytes, emits block-sent, and
// either completes the request or sends the next block. NUM always tracks
// offset/size under the (possibly just-changed) current SZX rather than a
// bare increment, so that a mid-transfer renegotiation realigns NUM to the
// new block geometry instead of drifting off the true byte position
// (spec.md §4.E: "recompute ... total-blocks from the remaining unsent
// payload ... advance num for the new geometry").
func (d *blockwiseRequest) advance(resp Message, block1 Block) bool {
	d.offset += d.lastSentSize
	d.num = uint32(d.offset / SZXSize(d.szx))
	d.req.emit(EventBlockSent, Event{Message: resp})

	if d.offset >= len(d.payload) && !block1.M {
		d.req.emit(EventResponse, Event{Message: resp})
		return true
	}
	d.sendNextBlock()
	return true
}

func (d *blockwiseRequest) cancel() {
	if d.curExchange != nil {
		d.curExchange.Cancel()
	}
}
