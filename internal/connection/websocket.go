package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// WSTransport adapts a gorilla websocket connection to the Transport
// interface. All writes funnel through a buffered send channel and a
// single write pump, so outbound messages for one connection keep their
// enqueue order and no two goroutines write the socket concurrently.
type WSTransport struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// NewWSTransport wraps a websocket connection and starts its write pump.
func NewWSTransport(ws *websocket.Conn, queueSize int) *WSTransport {
	if queueSize <= 0 {
		queueSize = 256
	}
	t := &WSTransport{
		ws:   ws,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	go t.writePump()
	return t
}

// Send enqueues one message. It fails when the transport is closed or the
// send queue is full; a full queue means the client cannot keep up and the
// registry will disconnect it.
func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return fmt.Errorf("transport closed")
	default:
		return fmt.Errorf("send queue full")
	}
}

// Close shuts down the write pump and the underlying socket. Safe to call
// more than once.
func (t *WSTransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.ws.Close()
	}()

	for {
		select {
		case data := <-t.send:
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				t.Close()
				return
			}
		case <-ticker.C:
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.Close()
				return
			}
		case <-t.done:
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			t.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
