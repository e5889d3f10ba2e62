package txengine

import "fmt"

// Intent and manager level errors. These propagate synchronously to the
// caller: they all occur before a transaction hash exists on the network.
var (
	ErrInvalidIntent    = fmt.Errorf("intent needs a destination address or call data")
	ErrMissingSender    = fmt.Errorf("intent has no sender address")
	ErrNotFound         = fmt.Errorf("transaction is not tracked")
	ErrAlreadyFinalized = fmt.Errorf("transaction already reached a terminal state")
	ErrNotReplaceable   = fmt.Errorf("transaction can no longer be replaced")
	ErrManagerClosed    = fmt.Errorf("manager has been shut down")
)

// Tracker level failure reasons. These never surface as call errors; they
// arrive through the terminal FAILED state and the event fan-out.
var (
	ErrTxTimeout   = fmt.Errorf("timeout")
	ErrTxReverted  = fmt.Errorf("transaction reverted on chain")
	ErrTxCancelled = fmt.Errorf("transaction was cancelled by a same-nonce replacement")
	ErrTxReplaced  = fmt.Errorf("transaction was replaced by a higher-fee resubmission")
)

// Transport and streaming errors.
var (
	ErrCircuitOpen    = fmt.Errorf("circuit breaker is open: node temporarily unavailable")
	ErrRequestTimeout = fmt.Errorf("rpc request timed out waiting for a matching response")
	ErrStreamNotOpen  = fmt.Errorf("streaming connection is not open")
	ErrStreamFailed   = fmt.Errorf("streaming connection gave up reconnecting")
	ErrStreamClosed   = fmt.Errorf("streaming connection was closed")
)

// RPCError is a node-reported, protocol-level failure. The node was
// reachable and answered, but rejected the call.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError is a connectivity-level failure: the node never produced a
// JSON-RPC response at all.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: http status %d: %s", e.Status, e.Body)
}
