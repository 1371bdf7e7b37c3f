// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ws provides a websocket link that carries msgjson messages. Writes
// are sequenced through a bounded queue so that a slow peer never blocks the
// sender.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
)

// outBufferSize is the size of the WSLink's buffered channel for outgoing
// messages.
const outBufferSize = 128

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{}

const (
	// ErrPeerDisconnected is returned by Send on a disconnected link.
	ErrPeerDisconnected = dex.ErrorKind("peer disconnected")
	// ErrQueueFull is returned by Send when the peer is not keeping up with
	// outgoing messages.
	ErrQueueFull = dex.ErrorKind("outgoing queue full")
)

// Connection represents a websocket connection to a remote peer. In practice,
// it is satisfied by *websocket.Conn. For testing, a stub can be used.
type Connection interface {
	Close() error

	SetReadDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)

	SetWriteDeadline(t time.Time) error
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// WSLink is the server's side of one websocket connection.
type WSLink struct {
	addr       string
	conn       Connection
	on         atomic.Bool
	quit       context.CancelFunc
	stopped    chan struct{}
	outChan    chan []byte
	wg         sync.WaitGroup
	handler    func(*msgjson.Message) *msgjson.Error
	pingPeriod time.Duration
}

// NewWSLink is a constructor for a new WSLink. The handler is called for every
// decoded incoming message. A non-nil *msgjson.Error from the handler is sent
// back to the peer as an error response.
func NewWSLink(addr string, conn Connection, pingPeriod time.Duration, handler func(*msgjson.Message) *msgjson.Error) *WSLink {
	return &WSLink{
		addr:       addr,
		conn:       conn,
		stopped:    make(chan struct{}),
		outChan:    make(chan []byte, outBufferSize),
		pingPeriod: pingPeriod,
		handler:    handler,
	}
}

// Send queues the message for the peer. A nil error only means the message was
// encoded and queued.
func (c *WSLink) Send(msg *msgjson.Message) error {
	if c.Off() {
		return ErrPeerDisconnected
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.outChan <- b:
		return nil
	case <-c.stopped:
		return ErrPeerDisconnected
	default:
		return ErrQueueFull
	}
}

// SendError sends the msgjson.Error to the peer as the response to the
// request with the given id.
func (c *WSLink) SendError(id uint64, rpcErr *msgjson.Error) {
	msg, err := msgjson.NewResponse(id, nil, rpcErr)
	if err != nil {
		log.Errorf("SendError: failed to create message: %v", err)
		return
	}
	if err = c.Send(msg); err != nil {
		log.Debugf("SendError: failed to send message to peer %s: %v", c.addr, err)
	}
}

// Connect begins processing input and output messages. The returned WaitGroup
// is done when the link has shut down and the connection is closed.
func (c *WSLink) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	if !c.on.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("link with %s already started", c.addr)
	}
	// The pong handler installed by NewConnection extends subsequent read
	// deadlines.
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2)); err != nil {
		c.on.Store(false)
		return nil, fmt.Errorf("failed to set initial read deadline for %s: %w", c.addr, err)
	}
	linkCtx, quit := context.WithCancel(ctx)
	c.quit = quit

	log.Tracef("Starting websocket messaging with peer %s", c.addr)
	c.wg.Add(3)
	go c.inHandler(linkCtx)
	go c.outHandler(linkCtx)
	go c.pingHandler(linkCtx)
	return &c.wg, nil
}

func (c *WSLink) stop() bool {
	if !c.on.CompareAndSwap(true, false) {
		return false
	}
	close(c.stopped)
	c.quit()
	return true
}

// Disconnect begins shutdown of the WSLink. Messages already queued are
// written before the connection is closed.
func (c *WSLink) Disconnect() {
	if !c.stop() {
		log.Debugf("Disconnect attempted on stopped link with %s.", c.addr)
	}
}

// inHandler reads and dispatches incoming messages until the connection fails
// or the link is stopped.
func (c *WSLink) inHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.stop()
	for ctx.Err() == nil {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				log.Debugf("Websocket receive error from peer %s: %v", c.addr, err)
			}
			return
		}
		msg, err := msgjson.DecodeMessage(b)
		if err != nil || msg == nil {
			c.SendError(1, msgjson.NewError(msgjson.RPCParseError, "failed to parse message"))
			continue
		}
		if msg.ID == 0 {
			c.SendError(1, msgjson.NewError(msgjson.RPCParseError, "request id cannot be zero"))
			continue
		}
		if rpcErr := c.handler(msg); rpcErr != nil {
			c.SendError(msg.ID, rpcErr)
		}
	}
}

// outHandler writes queued messages in order. On shutdown it flushes what
// remains in the queue and closes the connection.
func (c *WSLink) outHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.stop()

	write := func(b []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.TextMessage, b)
	}

	defer func() {
		var n int
		for {
			select {
			case b := <-c.outChan:
				if write(b) != nil {
					return
				}
				n++
			default:
				if n > 0 {
					log.Debugf("Flushed %d queued messages to %s on shutdown", n, c.addr)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.outChan:
			if err := write(b); err != nil {
				log.Debugf("Websocket write error for peer %s: %v", c.addr, err)
				return
			}
		}
	}
}

// pingHandler sends periodic pings to the peer.
func (c *WSLink) pingHandler(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			if err != nil {
				log.Debugf("Ping error for peer %s: %v", c.addr, err)
				c.stop()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Off will return true if the link has disconnected or was never connected.
func (c *WSLink) Off() bool {
	return !c.on.Load()
}

// Addr is the peer address passed to the constructor.
func (c *WSLink) Addr() string {
	return c.addr
}

// NewConnection creates a new Connection by upgrading the http request to a
// websocket. The upgrader writes the error response on failure.
func NewConnection(w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		var hsErr websocket.HandshakeError
		if !errors.As(err, &hsErr) {
			log.Errorf("Unexpected websocket error: %v", err)
		}
		return nil, err
	}
	reqAddr := r.RemoteAddr
	conn.SetPongHandler(func(string) error {
		log.Tracef("got pong from %v", reqAddr)
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return conn, nil
}
