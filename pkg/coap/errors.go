package coap

import "errors"

// Sentinel errors for the taxonomy in spec.md §7. Application code should
// use errors.Is against these. Apart from ErrSocket, which a failed send
// delivers as the Err of an `error` event, the reliability engine does not
// put them on a Request's event surface (spec.md §4.F/§7) — those
// conditions either cause a silent drop (transport-level) or collapse to a
// terminal `timeout` event (application-level), per spec.md §7.
var (
	// ErrMalformedMessage is returned by Decode/Encode when the bytes (or
	// structured Message) cannot be represented on the wire.
	ErrMalformedMessage = errors.New("coap: malformed message")

	// ErrUnexpectedOption marks a response whose options don't match the
	// posture of the request that provoked it (e.g. a Block1 option on a
	// non-blockwise request).
	ErrUnexpectedOption = errors.New("coap: unexpected option in response")

	// ErrProtocolViolation marks a server attempting something the client
	// will not honor (e.g. renegotiating to a forbidden SZX).
	ErrProtocolViolation = errors.New("coap: protocol violation")

	// ErrTransactionTimeout indicates a CON message exhausted its
	// retransmission budget without being acknowledged or reset.
	ErrTransactionTimeout = errors.New("coap: transaction timeout")

	// ErrExchangeTimeout indicates an Exchange exceeded exchangeTimeout
	// before reaching a final response.
	ErrExchangeTimeout = errors.New("coap: exchange timeout")

	// ErrReset indicates the peer replied RST to a confirmable message.
	ErrReset = errors.New("coap: reset")

	// ErrSocket wraps a failure reported by the Socket collaborator.
	ErrSocket = errors.New("coap: socket error")

	// ErrCancelled indicates a Request was cancelled by its owner.
	ErrCancelled = errors.New("coap: cancelled")
)

// internal-only sentinels: unexported and not returned by any function in
// this package; Endpoint drops stale or unmatched datagrams without them.
var (
	errStaleDuplicate     = errors.New("coap: stale duplicate datagram")
	errNoMatchingExchange = errors.New("coap: no matching exchange for token")
	errNoMatchingTxn      = errors.New("coap: no matching transaction for mid")
)
