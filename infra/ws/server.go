// Package ws exposes the coordinator over persistent gorilla/websocket
// connections. Each connection gets a read pump feeding the coordinator and a
// write pump owning the socket; outbound messages travel through a bounded
// egress channel so a slow consumer never blocks dispatch.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/citycab/dispatch/core/dispatch"
	"github.com/citycab/dispatch/core/logger"
	"github.com/citycab/dispatch/core/session"
)

const (
	maxFrameBytes  = 4096
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	egressCapacity = 32
)

// ErrNotSendable marks a connection whose egress buffer is full or whose
// transport already closed; callers treat it as a skipped best-effort send.
var ErrNotSendable = errors.New("connection not in a sendable state")

// Server upgrades HTTP requests into coordinator sessions.
type Server struct {
	coord    *dispatch.Coordinator
	log      logger.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a websocket Server for the coordinator.
func NewServer(coord *dispatch.Coordinator, log logger.Logger) *Server {
	return &Server{
		coord: coord,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the HTTP handler for the websocket endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sock, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Errorf("websocket upgrade: %v", err)
			return
		}
		conn := newConn(sock)
		sess := session.New(conn)
		s.log.Debugf("session %s connected from %s", sess.ID, r.RemoteAddr)
		go conn.writePump(s.log)
		go s.readPump(sess, conn)
	}
}

// readPump consumes frames until the transport fails and then runs the
// synchronous disconnect cleanup.
func (s *Server) readPump(sess *session.Session, conn *wsConn) {
	defer func() {
		s.coord.HandleDisconnect(sess)
		_ = conn.Close()
		s.log.Debugf("session %s closed", sess.ID)
	}()
	conn.sock.SetReadLimit(maxFrameBytes)
	_ = conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		return conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warnf("session %s read: %v", sess.ID, err)
			}
			return
		}
		s.coord.HandleMessage(context.Background(), sess, payload)
	}
}

// wsConn adapts a gorilla socket to the session.Conn interface.
type wsConn struct {
	sock   *websocket.Conn
	egress chan any
	done   chan struct{}
	once   sync.Once
}

func newConn(sock *websocket.Conn) *wsConn {
	return &wsConn{
		sock:   sock,
		egress: make(chan any, egressCapacity),
		done:   make(chan struct{}),
	}
}

// Send enqueues a message for the write pump. Best-effort: a closed or
// congested connection is skipped without retry.
func (c *wsConn) Send(v any) error {
	select {
	case <-c.done:
		return ErrNotSendable
	default:
	}
	select {
	case c.egress <- v:
		return nil
	default:
		return ErrNotSendable
	}
}

// Close tears down the transport. Idempotent.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.sock.Close()
	})
	return err
}

// writePump owns all writes to the socket, including keepalive pings.
func (c *wsConn) writePump(log logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case v := <-c.egress:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(v); err != nil {
				log.Debugf("websocket write: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
