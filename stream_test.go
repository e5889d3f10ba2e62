package txengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn. Reads block on the incoming channel;
// closing the channel simulates the transport dropping. Writes are handed to
// onWrite so tests can script server responses.
type fakeConn struct {
	mu        sync.Mutex
	incoming  chan []byte
	written   []map[string]any
	onWrite   func(c *fakeConn, req map[string]any)
	closeOnce sync.Once
}

func newFakeConn(onWrite func(c *fakeConn, req map[string]any)) *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		onWrite:  onWrite,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	msg, ok := <-c.incoming
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var req map[string]any
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, req)
	onWrite := c.onWrite
	c.mu.Unlock()
	if onWrite != nil {
		go onWrite(c, req)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.incoming) })
	return nil
}

// drop simulates the server side going away.
func (c *fakeConn) drop() {
	c.Close()
}

func (c *fakeConn) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.incoming <- data
}

func requestID(req map[string]any) uint64 {
	return uint64(req["id"].(float64))
}

// respondResult answers every request with the given result.
func respondResult(result any) func(c *fakeConn, req map[string]any) {
	return func(c *fakeConn, req map[string]any) {
		data, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      requestID(req),
			"result":  result,
		})
		c.incoming <- data
	}
}

func staticDialer(conn Conn) Dialer {
	return func(context.Context, string) (Conn, error) {
		return conn, nil
	}
}

func notification(subID string, result any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]any{
			"subscription": subID,
			"result":       result,
		},
	}
}

func TestStreamingConnection_Call(t *testing.T) {
	t.Run("correlates the response by id", func(t *testing.T) {
		conn := newFakeConn(respondResult("0x7a"))
		s := NewStreamingConnection("ws://node", WithDialer(staticDialer(conn)))
		require.NoError(t, s.Connect(context.Background()))
		defer s.Close()

		raw, err := s.Send(context.Background(), "eth_blockNumber", nil)
		require.NoError(t, err)
		assert.Equal(t, `"0x7a"`, string(raw))
	})

	t.Run("surfaces rpc errors", func(t *testing.T) {
		conn := newFakeConn(func(c *fakeConn, req map[string]any) {
			data, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      requestID(req),
				"error":   map[string]any{"code": -32000, "message": "nonce too low"},
			})
			c.incoming <- data
		})
		s := NewStreamingConnection("ws://node", WithDialer(staticDialer(conn)))
		require.NoError(t, s.Connect(context.Background()))
		defer s.Close()

		_, err := s.Send(context.Background(), "eth_sendRawTransaction", []any{"0x00"})
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32000, rpcErr.Code)
	})

	t.Run("times out when no response arrives", func(t *testing.T) {
		conn := newFakeConn(nil)
		s := NewStreamingConnection("ws://node",
			WithDialer(staticDialer(conn)),
			WithRequestTimeout(20*time.Millisecond),
		)
		require.NoError(t, s.Connect(context.Background()))
		defer s.Close()

		_, err := s.Send(context.Background(), "eth_blockNumber", nil)
		assert.ErrorIs(t, err, ErrRequestTimeout)
	})

	t.Run("rejects calls while not open", func(t *testing.T) {
		s := NewStreamingConnection("ws://node")
		_, err := s.Send(context.Background(), "eth_blockNumber", nil)
		assert.ErrorIs(t, err, ErrStreamNotOpen)
	})
}

func TestStreamingConnection_Subscriptions(t *testing.T) {
	conn := newFakeConn(respondResult("0xsub1"))
	s := NewStreamingConnection("ws://node", WithDialer(staticDialer(conn)))
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	var (
		mu       sync.Mutex
		received []string
	)
	id, err := s.Subscribe(context.Background(), "newHeads", nil, func(raw json.RawMessage) {
		mu.Lock()
		received = append(received, string(raw))
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	t.Run("delivers matching notifications", func(t *testing.T) {
		conn.deliver(t, notification("0xsub1", "head-1"))
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(received) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("drops notifications for unknown subscriptions", func(t *testing.T) {
		conn.deliver(t, notification("0xother", "stray"))
		conn.deliver(t, notification("0xsub1", "head-2"))
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(received) == 2
		}, time.Second, 5*time.Millisecond)
		mu.Lock()
		assert.NotContains(t, received, `"stray"`)
		mu.Unlock()
	})

	t.Run("unsubscribe removes the subscription", func(t *testing.T) {
		require.NoError(t, s.Unsubscribe(id))
		conn.deliver(t, notification("0xsub1", "head-3"))
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		assert.Len(t, received, 2)
		mu.Unlock()

		assert.ErrorIs(t, s.Unsubscribe(id), ErrNotFound)
	})
}

func TestStreamingConnection_ReconnectSchedule(t *testing.T) {
	first := newFakeConn(nil)
	var dials atomic.Int32
	dialer := func(context.Context, string) (Conn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, fmt.Errorf("connection refused")
	}

	s := NewStreamingConnection("ws://node",
		WithDialer(dialer),
		WithReconnectPolicy(time.Second, 5),
	)
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	s.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}

	require.NoError(t, s.Connect(context.Background()))
	first.drop()

	assert.Eventually(t, func() bool {
		return s.State() == StreamFailed
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 5)
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, delays)
	assert.Equal(t, int32(6), dials.Load(), "initial dial plus five reconnect attempts")
}

func TestStreamingConnection_ReconnectKeepsCallerIDs(t *testing.T) {
	first := newFakeConn(respondResult("0xAAA"))
	second := newFakeConn(respondResult("0xBBB"))
	var dials atomic.Int32
	dialer := func(context.Context, string) (Conn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	s := NewStreamingConnection("ws://node",
		WithDialer(dialer),
		WithReconnectPolicy(time.Millisecond, 3),
	)
	s.sleep = func(time.Duration) {}

	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	var (
		mu       sync.Mutex
		received []string
	)
	id, err := s.Subscribe(context.Background(), "newHeads", nil, func(raw json.RawMessage) {
		mu.Lock()
		received = append(received, string(raw))
		mu.Unlock()
	})
	require.NoError(t, err)

	first.drop()
	assert.Eventually(t, func() bool {
		return s.State() == StreamOpen && dials.Load() == 2
	}, time.Second, 5*time.Millisecond)

	// The server assigned a new transport id on the second connection, but
	// notifications still reach the listener registered before the drop.
	assert.Eventually(t, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return len(second.written) > 0
	}, time.Second, 5*time.Millisecond)

	second.deliver(t, notification("0xBBB", "head-after-reconnect"))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	// The identifier the caller holds is still valid.
	assert.NoError(t, s.Unsubscribe(id))
}

func TestStreamingConnection_FailedCallsOnDisconnect(t *testing.T) {
	first := newFakeConn(nil)
	second := newFakeConn(nil)
	dials := 0
	dialer := func(context.Context, string) (Conn, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}
	s := NewStreamingConnection("ws://node",
		WithDialer(dialer),
		WithReconnectPolicy(time.Millisecond, 1),
		WithRequestTimeout(time.Second),
	)
	s.sleep = func(time.Duration) {}

	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "eth_blockNumber", nil)
		errCh <- err
	}()

	// Give the call a moment to register, then cut the connection.
	time.Sleep(10 * time.Millisecond)
	first.drop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStreamFailed)
	case <-time.After(time.Second):
		t.Fatal("in-flight call was not failed on disconnect")
	}
}

func TestStreamingConnection_ResetAfterFailure(t *testing.T) {
	dials := 0
	conn := newFakeConn(respondResult("0x1"))
	dialer := func(context.Context, string) (Conn, error) {
		dials++
		if dials == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		return conn, nil
	}
	s := NewStreamingConnection("ws://node", WithDialer(dialer))

	require.Error(t, s.Connect(context.Background()))
	assert.Equal(t, StreamFailed, s.State())

	// Connect is rejected until the failure is acknowledged.
	require.Error(t, s.Connect(context.Background()))

	s.Reset()
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()
	assert.Equal(t, StreamOpen, s.State())
}

func TestStreamingConnection_StateListener(t *testing.T) {
	conn := newFakeConn(nil)
	var (
		mu     sync.Mutex
		states []StreamState
	)
	s := NewStreamingConnection("ws://node",
		WithDialer(staticDialer(conn)),
		WithStateListener(func(st StreamState) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		}),
	)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []StreamState{StreamConnecting, StreamOpen, StreamClosed}, states)
}
