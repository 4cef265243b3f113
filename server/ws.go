package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/statuswire/statuswire/broker"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Per-client outbound frame queue
	wsSendBuffer = 64
)

// wsClient is one WebSocket streaming connection. It carries the same frames
// as the SSE stream and follows the same lifecycle: fresh subscription per
// connection, per-connection user filter, exactly-once cleanup.
type wsClient struct {
	id        string
	userID    string
	openedAt  time.Time
	conn      *websocket.Conn
	send      chan interface{}
	sub       *broker.Subscription
	done      chan struct{}
	closeOnce sync.Once
	server    *Server
}

// close releases the client's resources exactly once, regardless of which
// pump observed the failure first.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
		total := c.server.clientCount.Add(-1)

		c.server.logger.Infow("WebSocket stream closed",
			"connection_id", shortID(c.id),
			"duration", time.Since(c.openedAt).Round(time.Millisecond),
			"total_clients", total,
		)
	})
}

// HandleWebSocket serves the WebSocket event stream.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if int(s.clientCount.Load()) >= s.maxClients {
		s.logger.Warnw("Max streaming clients reached, rejecting connection",
			"max_clients", s.maxClients,
		)
		writeError(w, http.StatusServiceUnavailable, "Too many open streams")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	sub := s.broker.Subscribe(broker.ExecutionsTopic)
	if sub == nil {
		conn.Close()
		return
	}

	client := &wsClient{
		id:       uuid.NewString(),
		userID:   r.URL.Query().Get("userId"),
		openedAt: time.Now(),
		conn:     conn,
		send:     make(chan interface{}, wsSendBuffer),
		sub:      sub,
		done:     make(chan struct{}),
		server:   s,
	}
	s.clientCount.Add(1)

	s.logger.Infow("WebSocket stream connected",
		"connection_id", shortID(client.id),
		"user_id", client.userID,
		"total_clients", s.clientCount.Load(),
	)

	client.send <- newConnectedFrame(client.id)

	s.wg.Add(2)
	go client.eventPump()
	go client.writePump()
	client.readPump()
}

// eventPump moves decoded broker events onto the client's send queue. It is
// the only sender on the queue and closes it on exit, which in turn stops
// the write pump.
func (c *wsClient) eventPump() {
	s := c.server
	defer s.wg.Done()
	defer close(c.send)

	lifetime := time.NewTimer(s.maxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-c.done:
			return

		case <-s.ctx.Done():
			c.close()
			return

		case <-lifetime.C:
			s.logger.Infow("WebSocket stream reached max lifetime, closing",
				"connection_id", shortID(c.id),
			)
			c.close()
			return

		case payload, ok := <-c.sub.C():
			if !ok {
				c.close()
				return
			}

			event, outcome, _ := s.decoder.Decode(payload)
			if outcome != broker.OutcomeDecoded && outcome != broker.OutcomeRecovered {
				continue
			}
			if c.userID != "" && event.UserID() != c.userID {
				continue
			}

			select {
			case c.send <- ExecutionUpdateFrame{Type: FrameExecutionUpdate, Event: event}:
			default:
				s.logger.Warnw("WebSocket send queue full, dropping frame",
					"connection_id", shortID(c.id),
					"execution_id", event.ID,
				)
			}
		}
	}
}

// writePump writes queued frames and periodic pings to the connection.
func (c *wsClient) writePump() {
	s := c.server
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		s.wg.Done()
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				s.logger.Warnw("WebSocket write error",
					"connection_id", shortID(c.id),
					"error", err,
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound messages to keep pong handling alive and to
// observe the client closing the connection.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"connection_id", shortID(c.id),
					"error", err,
				)
			}
			return
		}
	}
}
