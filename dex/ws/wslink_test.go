package ws

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"lendex.org/lendex/dex/msgjson"
)

type tConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mtx     sync.Mutex
	written [][]byte
	pings   int
}

func newTConn() *tConn {
	return &tConn{
		in:     make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func (c *tConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *tConn) SetReadDeadline(time.Time) error { return nil }

func (c *tConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *tConn) SetWriteDeadline(time.Time) error { return nil }

func (c *tConn) WriteMessage(_ int, b []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.written = append(c.written, b)
	return nil
}

func (c *tConn) WriteControl(int, []byte, time.Time) error {
	c.mtx.Lock()
	c.pings++
	c.mtx.Unlock()
	return nil
}

func (c *tConn) messages(t *testing.T) []*msgjson.Message {
	t.Helper()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	msgs := make([]*msgjson.Message, 0, len(c.written))
	for _, b := range c.written {
		msg, err := msgjson.DecodeMessage(b)
		if err != nil {
			t.Fatalf("written message does not decode: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestLinkSendAndShutdown(t *testing.T) {
	conn := newTConn()
	handled := make(chan *msgjson.Message, 1)
	link := NewWSLink("127.0.0.1:1234", conn, time.Hour, func(msg *msgjson.Message) *msgjson.Error {
		handled <- msg
		if msg.Route != msgjson.PingRoute {
			return msgjson.NewError(msgjson.RPCUnknownRoute, "unknown route %s", msg.Route)
		}
		return nil
	})

	if err := link.Send(&msgjson.Message{}); err != ErrPeerDisconnected {
		t.Fatalf("send before connect: expected ErrPeerDisconnected, got %v", err)
	}

	wg, err := link.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if _, err := link.Connect(context.Background()); err == nil {
		t.Fatalf("second Connect did not error")
	}

	note, _ := msgjson.NewNotification(msgjson.PayoutRoute, map[string]string{"a": "b"})
	if err := link.Send(note); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	req, _ := json.Marshal(&msgjson.Message{Type: msgjson.Request, Route: "bogus", ID: 7})
	conn.in <- req
	select {
	case msg := <-handled:
		if msg.ID != 7 {
			t.Fatalf("wrong message handled: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("request not handled")
	}

	// Garbage gets a parse error response without a disconnect.
	conn.in <- []byte("{")

	deadline := time.Now().Add(time.Second)
	for len(conn.messages(t)) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	link.Disconnect()
	wg.Wait()

	msgs := conn.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 written messages, got %d", len(msgs))
	}
	if msgs[0].Route != msgjson.PayoutRoute || msgs[0].Type != msgjson.Notification {
		t.Fatalf("first message is not the notification: %s", msgs[0])
	}
	resp, err := msgs[1].Response()
	if err != nil {
		t.Fatalf("second message is not a response: %v", err)
	}
	if msgs[1].ID != 7 || resp.Error == nil || resp.Error.Code != msgjson.RPCUnknownRoute {
		t.Fatalf("wrong error response: %s", msgs[1])
	}
	resp, _ = msgs[2].Response()
	if resp == nil || resp.Error == nil || resp.Error.Code != msgjson.RPCParseError {
		t.Fatalf("expected parse error response, got %s", msgs[2])
	}

	if !link.Off() {
		t.Fatalf("link still on after Disconnect")
	}
	if err := link.Send(note); err != ErrPeerDisconnected {
		t.Fatalf("send after disconnect: expected ErrPeerDisconnected, got %v", err)
	}
	select {
	case <-conn.closed:
	default:
		t.Fatalf("connection not closed")
	}
}

func TestLinkQueueFull(t *testing.T) {
	conn := newTConn()
	link := NewWSLink("peer", conn, time.Hour, func(*msgjson.Message) *msgjson.Error { return nil })
	// Mark the link on without starting the writer so the queue fills.
	link.on.Store(true)
	link.quit = func() {}
	note, _ := msgjson.NewNotification(msgjson.PayoutRoute, nil)
	for i := 0; i < outBufferSize; i++ {
		if err := link.Send(note); err != nil {
			t.Fatalf("Send %d error: %v", i, err)
		}
	}
	if err := link.Send(note); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	link.Disconnect()
}
