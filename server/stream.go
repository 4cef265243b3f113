package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/statuswire/statuswire/broker"
	"github.com/statuswire/statuswire/errors"
)

// connState tracks a streaming connection through its lifecycle.
// Open -> Streaming -> Closing -> Closed, with Closed terminal.
type connState int32

const (
	connOpen connState = iota
	connStreaming
	connClosing
	connClosed
)

// streamConn is one SSE connection, exclusively owned by the handler
// goroutine that created it. Three triggers can end it: the client abort
// signal, a write error, or the maximum connection lifetime. Whichever fires
// first wins; cleanup runs exactly once.
type streamConn struct {
	id             string
	userID         string // optional filter; "" receives all events
	openedAt       time.Time
	lastActivityAt time.Time
	sub            *broker.Subscription
	w              http.ResponseWriter
	flusher        http.Flusher
	state          atomic.Int32
	cleanupOnce    sync.Once
}

func (c *streamConn) setState(state connState) {
	c.state.Store(int32(state))
}

// HandleStream serves the SSE event stream. Each connection gets a fresh
// broker subscription; filtering by requesting user happens per connection,
// not per topic.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if int(s.clientCount.Load()) >= s.maxClients {
		s.logger.Warnw("Max streaming clients reached, rejecting connection",
			"max_clients", s.maxClients,
		)
		writeError(w, http.StatusServiceUnavailable, "Too many open streams")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	sub := s.broker.Subscribe(broker.ExecutionsTopic)
	if sub == nil {
		writeError(w, http.StatusServiceUnavailable, "Server shutting down")
		return
	}

	now := time.Now()
	conn := &streamConn{
		id:             uuid.NewString(),
		userID:         r.URL.Query().Get("userId"),
		openedAt:       now,
		lastActivityAt: now,
		sub:            sub,
		w:              w,
		flusher:        flusher,
	}
	conn.setState(connOpen)
	s.clientCount.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.logger.Infow("Stream connected",
		"connection_id", shortID(conn.id),
		"user_id", conn.userID,
		"total_clients", s.clientCount.Load(),
	)

	s.wg.Add(1)
	defer s.wg.Done()
	defer s.teardown(conn)

	if err := s.writeFrame(conn, newConnectedFrame(conn.id)); err != nil {
		s.logger.Warnw("Failed to write connected frame",
			"connection_id", shortID(conn.id),
			"error", err,
		)
		return
	}

	conn.setState(connStreaming)
	s.streamLoop(r, conn)
}

// streamLoop pumps decoded broker events to the connection until one of the
// teardown triggers fires. The keepalive ticker and lifetime timer are owned
// by this loop and cancelled on the same path that releases the
// subscription.
func (s *Server) streamLoop(r *http.Request, conn *streamConn) {
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	lifetime := time.NewTimer(s.maxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client abort
			s.logger.Debugw("Stream client disconnected",
				"connection_id", shortID(conn.id),
			)
			return

		case <-s.ctx.Done():
			// Server shutdown
			return

		case <-lifetime.C:
			// Hard cap to bound per-connection resource accumulation even
			// if another cleanup path is missed
			s.logger.Infow("Stream reached max lifetime, closing",
				"connection_id", shortID(conn.id),
				"lifetime", s.maxLifetime,
			)
			// Best effort; the connection is closing either way
			_ = s.writeFrame(conn, ErrorFrame{
				Type:    FrameError,
				Message: "stream lifetime exceeded, reconnect to resume",
			})
			return

		case payload, ok := <-conn.sub.C():
			if !ok {
				return
			}
			if err := s.deliver(conn, payload); err != nil {
				s.logger.Warnw("Stream write failed, closing connection",
					"connection_id", shortID(conn.id),
					"error", err,
				)
				return
			}

		case <-keepalive.C:
			if err := s.writeFrame(conn, newKeepaliveFrame()); err != nil {
				s.logger.Debugw("Keepalive write failed, closing connection",
					"connection_id", shortID(conn.id),
					"error", err,
				)
				return
			}
		}
	}
}

// deliver decodes one broker payload and writes it to the connection if the
// connection's user filter matches. Decode failures are absorbed here: the
// payload is dropped and the subscriber loop continues.
func (s *Server) deliver(conn *streamConn, payload []byte) error {
	event, outcome, _ := s.decoder.Decode(payload)
	switch outcome {
	case broker.OutcomeEmpty, broker.OutcomeFailed:
		// Logged by the decoder; never fatal to the connection
		return nil
	case broker.OutcomeDecoded, broker.OutcomeRecovered:
	}

	if conn.userID != "" && event.UserID() != conn.userID {
		// Silently dropped for this connection
		return nil
	}

	return s.writeFrame(conn, ExecutionUpdateFrame{
		Type:  FrameExecutionUpdate,
		Event: event,
	})
}

// writeFrame writes one SSE frame: "data: <json>\n\n".
func (s *Server) writeFrame(conn *streamConn, frame interface{}) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	if _, err := fmt.Fprintf(conn.w, "data: %s\n\n", raw); err != nil {
		return errors.Wrap(errors.ErrTransport, err.Error())
	}
	conn.flusher.Flush()
	conn.lastActivityAt = time.Now()
	return nil
}

// teardown releases the connection's resources exactly once. All three
// trigger paths (abort, write error, lifetime cap) converge here, and the
// once-guard keeps concurrent triggers from double-releasing the
// subscription.
func (s *Server) teardown(conn *streamConn) {
	conn.cleanupOnce.Do(func() {
		conn.setState(connClosing)
		conn.sub.Close()
		conn.setState(connClosed)
		total := s.clientCount.Add(-1)

		s.logger.Infow("Stream closed",
			"connection_id", shortID(conn.id),
			"duration", time.Since(conn.openedAt).Round(time.Millisecond),
			"total_clients", total,
		)
	})
}
