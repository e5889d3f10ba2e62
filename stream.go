package txengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// StreamState is the connection lifecycle state of a StreamingConnection.
type StreamState int

const (
	StreamConnecting StreamState = iota
	StreamOpen
	StreamReconnecting
	StreamClosed
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Default reconnect and request parameters.
const (
	DefaultStreamBaseDelay   = 1 * time.Second
	DefaultStreamMaxAttempts = 5
	DefaultRequestTimeout    = 10 * time.Second
)

// Conn is the minimal transport surface the streaming connection needs.
// Production uses a gorilla websocket; tests substitute an in-memory pipe.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Conn to the given endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	*websocket.Conn
}

func (c wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.Conn.ReadMessage()
	return data, err
}

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{c}, nil
}

// StreamOption configures a StreamingConnection.
type StreamOption func(*StreamingConnection)

func WithDialer(d Dialer) StreamOption {
	return func(s *StreamingConnection) { s.dial = d }
}

// WithReconnectPolicy sets the delay before the first reconnect attempt and
// how many attempts are made before the connection is declared failed. The
// delay doubles after every attempt.
func WithReconnectPolicy(baseDelay time.Duration, maxAttempts int) StreamOption {
	return func(s *StreamingConnection) {
		if baseDelay > 0 {
			s.baseDelay = baseDelay
		}
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
	}
}

// WithRequestTimeout bounds how long Send waits for a response.
func WithRequestTimeout(d time.Duration) StreamOption {
	return func(s *StreamingConnection) {
		if d > 0 {
			s.reqTimeout = d
		}
	}
}

// WithStateListener registers a callback invoked on every connection state
// change.
func WithStateListener(fn func(StreamState)) StreamOption {
	return func(s *StreamingConnection) {
		s.stateListeners = append(s.stateListeners, fn)
	}
}

type streamSub struct {
	callerID    string
	method      string
	params      []any
	listener    func(json.RawMessage)
	transportID string
}

type callResult struct {
	result json.RawMessage
	err    error
}

// StreamingConnection is a websocket JSON-RPC client with request/response
// correlation and push subscriptions. It reconnects automatically with
// exponential backoff and re-establishes every subscription after a
// reconnect, keeping the identifiers callers hold valid across transport
// churn.
type StreamingConnection struct {
	url         string
	dial        Dialer
	baseDelay   time.Duration
	maxAttempts int
	reqTimeout  time.Duration

	// sleep is replaced in tests so the reconnect schedule can be observed
	// without waiting it out.
	sleep func(time.Duration)

	stateListeners []func(StreamState)

	mu          sync.Mutex
	state       StreamState
	conn        Conn
	generation  int
	nextID      uint64
	pending     map[uint64]chan callResult
	subs        map[string]*streamSub
	byTransport map[string]string
}

func NewStreamingConnection(url string, opts ...StreamOption) *StreamingConnection {
	s := &StreamingConnection{
		url:         url,
		dial:        dialWebsocket,
		baseDelay:   DefaultStreamBaseDelay,
		maxAttempts: DefaultStreamMaxAttempts,
		reqTimeout:  DefaultRequestTimeout,
		sleep:       time.Sleep,
		state:       StreamClosed,
		pending:     make(map[uint64]chan callResult),
		subs:        make(map[string]*streamSub),
		byTransport: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *StreamingConnection) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamingConnection) setState(next StreamState) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	logger.WithFields(logger.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("stream state changed")
	for _, fn := range s.stateListeners {
		fn(next)
	}
}

// Connect dials the endpoint and starts the read loop. It is an error to
// connect an already open connection.
func (s *StreamingConnection) Connect(ctx context.Context) error {
	s.mu.Lock()
	// A failed connection stays failed until Reset acknowledges it.
	if s.state != StreamClosed {
		s.mu.Unlock()
		return fmt.Errorf("cannot connect in state %s", s.state)
	}
	s.setState(StreamConnecting)
	s.mu.Unlock()

	conn, err := s.dial(ctx, s.url)
	if err != nil {
		s.mu.Lock()
		s.setState(StreamFailed)
		s.mu.Unlock()
		return fmt.Errorf("dialing %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.generation++
	gen := s.generation
	s.setState(StreamOpen)
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	return nil
}

// Reset clears a failed connection so Connect can be called again. It has
// no effect in any other state.
func (s *StreamingConnection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamFailed {
		s.setState(StreamClosed)
	}
}

// Close shuts the connection down for good. Pending calls fail and no
// reconnect is attempted.
func (s *StreamingConnection) Close() error {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return nil
	}
	s.setState(StreamClosed)
	conn := s.conn
	s.conn = nil
	s.failPendingLocked(ErrStreamClosed)
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// failPendingLocked rejects every in-flight call. Callers hold s.mu.
func (s *StreamingConnection) failPendingLocked(err error) {
	for id, ch := range s.pending {
		ch <- callResult{err: err}
		delete(s.pending, id)
	}
}

// Send issues a JSON-RPC request over the stream and waits for the matching
// response. It satisfies Caller, so a NodeClient can run over a streaming
// transport.
func (s *StreamingConnection) Send(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != StreamOpen {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrStreamNotOpen, s.state)
	}
	s.nextID++
	id := s.nextID
	ch := make(chan callResult, 1)
	s.pending[id] = ch
	conn := s.conn
	s.mu.Unlock()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	if err := conn.WriteJSON(req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	timer := time.NewTimer(s.reqTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, s.reqTimeout)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe opens a push subscription and returns an identifier that stays
// valid across reconnects. The listener receives each notification payload
// on the read goroutine and must not block.
func (s *StreamingConnection) Subscribe(ctx context.Context, method string, params []any, listener func(json.RawMessage)) (string, error) {
	sub := &streamSub{
		callerID: uuid.NewString(),
		method:   method,
		params:   params,
		listener: listener,
	}
	if err := s.establish(ctx, sub); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.subs[sub.callerID] = sub
	s.byTransport[sub.transportID] = sub.callerID
	s.mu.Unlock()
	return sub.callerID, nil
}

// establish performs the eth_subscribe handshake and records the transport
// id on the sub.
func (s *StreamingConnection) establish(ctx context.Context, sub *streamSub) error {
	params := append([]any{sub.method}, sub.params...)
	raw, err := s.Send(ctx, "eth_subscribe", params)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", sub.method, err)
	}
	var transportID string
	if err := json.Unmarshal(raw, &transportID); err != nil {
		return fmt.Errorf("decoding subscription id: %w", err)
	}
	sub.transportID = transportID
	return nil
}

// Unsubscribe tears down a subscription by its caller-visible identifier.
func (s *StreamingConnection) Unsubscribe(id string) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	delete(s.subs, id)
	delete(s.byTransport, sub.transportID)
	open := s.state == StreamOpen
	s.mu.Unlock()

	if !open {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.reqTimeout)
	defer cancel()
	_, err := s.Send(ctx, "eth_unsubscribe", []any{sub.transportID})
	return err
}

// SubscribeNewHeads streams new block headers, satisfying HeadSource.
func (s *StreamingConnection) SubscribeNewHeads(ctx context.Context, listener func(*BlockHeader)) (string, error) {
	return s.Subscribe(ctx, "newHeads", nil, func(raw json.RawMessage) {
		var h rpcHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			logger.WithFields(logger.Fields{
				"error": err,
			}).Warn("dropping undecodable head notification")
			return
		}
		listener(h.toHeader())
	})
}

type streamMessage struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

func (s *StreamingConnection) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, gen, err)
			return
		}
		s.dispatch(data)
	}
}

func (s *StreamingConnection) dispatch(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("dropping undecodable stream message")
		return
	}

	if msg.Method == "eth_subscription" && msg.Params != nil {
		s.mu.Lock()
		callerID, ok := s.byTransport[msg.Params.Subscription]
		var sub *streamSub
		if ok {
			sub = s.subs[callerID]
		}
		s.mu.Unlock()
		if sub == nil {
			// A notification for a subscription we no longer hold, e.g.
			// one that raced with an unsubscribe. Nothing to deliver to.
			logger.WithFields(logger.Fields{
				"subscription": msg.Params.Subscription,
			}).Debug("dropping notification for unknown subscription")
			return
		}
		sub.listener(msg.Params.Result)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		ch <- callResult{err: msg.Error}
		return
	}
	ch <- callResult{result: msg.Result}
}

// handleDisconnect runs the reconnect schedule after a read failure. Delays
// start at the base delay and double on every attempt; once the attempt
// budget is spent the connection moves to the failed state and stays there
// until Reset.
func (s *StreamingConnection) handleDisconnect(conn Conn, gen int, cause error) {
	s.mu.Lock()
	// A stale read loop from before the last reconnect must not trigger
	// another one.
	if s.generation != gen || s.state == StreamClosed {
		s.mu.Unlock()
		return
	}
	s.setState(StreamReconnecting)
	s.conn = nil
	s.failPendingLocked(fmt.Errorf("%w: %v", ErrStreamFailed, cause))
	s.mu.Unlock()
	_ = conn.Close()

	logger.WithFields(logger.Fields{
		"error": cause,
	}).Warn("stream disconnected, reconnecting")

	b := &backoff.Backoff{
		Min:    s.baseDelay,
		Max:    s.baseDelay << uint(s.maxAttempts),
		Factor: 2,
		Jitter: false,
	}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.sleep(b.Duration())

		s.mu.Lock()
		if s.state != StreamReconnecting {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.reqTimeout)
		newConn, err := s.dial(ctx, s.url)
		cancel()
		if err != nil {
			logger.WithFields(logger.Fields{
				"attempt": attempt,
				"error":   err,
			}).Warn("reconnect attempt failed")
			continue
		}

		s.mu.Lock()
		s.conn = newConn
		s.generation++
		newGen := s.generation
		s.setState(StreamOpen)
		s.mu.Unlock()

		go s.readLoop(newConn, newGen)
		s.resubscribeAll()
		return
	}

	s.mu.Lock()
	s.setState(StreamFailed)
	s.mu.Unlock()
	logger.WithFields(logger.Fields{
		"attempts": s.maxAttempts,
	}).Error("reconnect budget exhausted, stream failed")
}

// resubscribeAll re-establishes every subscription on the new transport.
// Caller-visible identifiers are preserved; only the transport ids change.
func (s *StreamingConnection) resubscribeAll() {
	s.mu.Lock()
	subs := make([]*streamSub, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.byTransport = make(map[string]string, len(subs))
	s.mu.Unlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), s.reqTimeout)
		err := s.establish(ctx, sub)
		cancel()
		if err != nil {
			logger.WithFields(logger.Fields{
				"subscription": sub.callerID,
				"method":       sub.method,
				"error":        err,
			}).Error("failed to restore subscription after reconnect")
			continue
		}
		s.mu.Lock()
		s.byTransport[sub.transportID] = sub.callerID
		s.mu.Unlock()
	}
}
