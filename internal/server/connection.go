package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// connection adapts one websocket to the relay. Outbound events are queued
// without blocking; a peer that cannot keep up is disconnected.
type connection struct {
	id      string
	socket  *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closing sync.Once
	logger  *zap.Logger
}

func newConnection(id string, socket *websocket.Conn, logger *zap.Logger) *connection {
	return &connection{
		id:     id,
		socket: socket,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Deliver implements relay.Sink.
func (c *connection) Deliver(event relay.Event) bool {
	frame, err := relay.EncodeEvent(event)
	if err != nil {
		c.logger.Error("failed to encode event",
			zap.String("connection_id", c.id),
			zap.String("event", event.Name),
			zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection",
			zap.String("connection_id", c.id),
			zap.String("event", event.Name))
		c.close()
		return false
	}
}

func (c *connection) close() {
	c.closing.Do(func() {
		close(c.done)
	})
}

func (c *connection) readPump(ctx context.Context, dispatcher *relay.Dispatcher, session *relay.Session) {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket read failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		dispatcher.HandleFrame(ctx, session, message)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is already queued before the close frame.
func (c *connection) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

type socketSet struct {
	mu    sync.Mutex
	conns map[*connection]struct{}
}

func newSocketSet() *socketSet {
	return &socketSet{conns: make(map[*connection]struct{})}
}

func (s *socketSet) add(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *socketSet) remove(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *socketSet) closeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
		_ = c.socket.Close()
	}
	return len(s.conns)
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	cookieCredential := ""
	if cookie, err := c.Request.Cookie(h.cookieName); err == nil {
		cookieCredential = cookie.Value
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(ksuid.New().String(), socket, h.logger)
	h.sockets.add(conn)
	defer h.sockets.remove(conn)

	ctx := context.WithoutCancel(c.Request.Context())
	session := h.dispatcher.Connect(ctx, conn.id, conn, cookieCredential)

	go conn.writePump()
	conn.readPump(ctx, h.dispatcher, session)
	h.dispatcher.Disconnect(ctx, session)
}
