package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20 // project trees arrive in one frame
	sendBuffer     = 256
)

// Conn is a WebSocket peer. Outbound frames go through a bounded queue
// drained by writePump; a full queue drops the frame for this peer only.
type Conn struct {
	id    string
	ws    *websocket.Conn
	send  chan []byte
	state atomic.Int32
	log   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	c.log = log.With(zap.String("id", c.id))
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string { return c.id }

// State reports the connection lifecycle.
func (c *Conn) State() State { return State(c.state.Load()) }

// Send queues msg without blocking.
func (c *Conn) Send(msg Message) bool {
	if c.State() == StateDisconnected {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal outbound", zap.String("event", msg.Event), zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.log.Warn("send queue full, dropping", zap.String("event", msg.Event))
		return false
	}
}

// Close ends both pumps.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		c.cancel()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readPump(r *Relay) {
	defer func() {
		r.Disconnect(c.id)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in Inbound
		if err := c.ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if in.Event == "" {
			c.Send(Message{Event: EventError, Data: errorPayload{Message: "event is required"}})
			continue
		}
		r.Handle(c.id, in)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and hands the connection to its pumps.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(ws, r.log)
	c.state.Store(int32(StateConnected))
	r.Connect(c)

	// Attach before starting the pumps so that a concurrent Close either
	// sees this peer or refuses to start them.
	if !r.goTracked(c.writePump) || !r.goTracked(func() { c.readPump(r) }) {
		r.Disconnect(c.id)
		c.Close()
	}
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	return origin == "" || slices.Contains(r.opts.AllowedOrigins, origin)
}
