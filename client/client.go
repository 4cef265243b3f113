// Package client provides a reconnecting consumer for the statuswire event
// stream.
//
// The client opens the server's SSE endpoint, classifies inbound frames by
// their type discriminator, and invokes application callbacks. Unexpected
// closure triggers exactly one reconnection attempt after a fixed delay;
// explicit Disconnect never does.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statuswire/statuswire/broker"
	"github.com/statuswire/statuswire/errors"
)

// State is the connection state machine:
// Disconnected -> Connecting -> Connected -> Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	// connectTimeout bounds how long Connect waits for the connected frame.
	connectTimeout = 5 * time.Second
	// reconnectDelay is the fixed delay before the single automatic
	// reconnection attempt after an unexpected closure.
	reconnectDelay = 5 * time.Second
)

// Callbacks are the application hooks invoked by the dispatch loop. Any nil
// callback is skipped.
type Callbacks struct {
	OnExecutionUpdate func(event *broker.Event)
	OnError           func(err error)
	OnDisconnect      func()
}

// frame is the tagged-variant wire message; Type selects which fields are
// meaningful.
type frame struct {
	Type    string        `json:"type"`
	Event   *broker.Event `json:"event,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Client consumes the statuswire SSE stream.
//
// The reconnect timer is owned by the state machine: at most one reconnect
// attempt is ever pending, and an explicit Disconnect cancels it.
type Client struct {
	baseURL    string
	filterKey  string // optional userId filter
	httpClient *http.Client
	callbacks  Callbacks
	logger     *zap.SugaredLogger

	mu             sync.Mutex
	state          State
	cancelStream   context.CancelFunc
	reconnectTimer *time.Timer
	explicitClose  bool

	// lastFrameAt tracks stream liveness; keepalive frames refresh it.
	lastFrameAt time.Time
}

// New creates a client for the server at baseURL (e.g. "http://host:8385").
// filterKey, when non-empty, subscribes only to events whose metadata.userId
// matches.
func New(baseURL, filterKey string, callbacks Callbacks, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		filterKey:  filterKey,
		httpClient: &http.Client{},
		callbacks:  callbacks,
		logger:     logger,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the streaming connection and blocks until the server's
// connected frame is observed, or fails after a bounded timeout. A client
// that is already connecting or connected returns an error rather than
// opening a duplicate stream.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return errors.Newf("connect called while %s", state)
	}
	c.state = StateConnecting
	c.explicitClose = false

	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancelStream = cancel
	c.mu.Unlock()

	connected := make(chan error, 1)
	go c.run(streamCtx, connected)

	select {
	case err := <-connected:
		if err != nil {
			c.transitionToDisconnected(false)
			return err
		}
		return nil
	case <-time.After(connectTimeout):
		cancel()
		c.transitionToDisconnected(false)
		return errors.Wrap(errors.ErrTransport, "timed out waiting for connected frame")
	case <-ctx.Done():
		cancel()
		c.transitionToDisconnected(false)
		return errors.Wrap(ctx.Err(), "connect cancelled")
	}
}

// Disconnect closes the stream. Caller-initiated: the automatic reconnect
// path is suppressed, distinguishing graceful shutdown from failure.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicitClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	cancel := c.cancelStream
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// run opens the HTTP stream and dispatches frames until the stream ends.
// The first connected frame resolves the pending Connect call.
func (c *Client) run(ctx context.Context, connected chan<- error) {
	streamURL := c.baseURL + "/api/executions/stream"
	if c.filterKey != "" {
		streamURL += "?userId=" + url.QueryEscape(c.filterKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		connected <- errors.Wrap(err, "build stream request")
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		connected <- errors.Wrap(errors.ErrTransport, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		connected <- errors.Wrapf(errors.ErrTransport, "stream returned status %d", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	sawConnected := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" {
			continue
		}

		var f frame
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			// Malformed frame: transient, surfaced but never fatal
			c.invokeOnError(errors.Wrap(errors.ErrDecode, err.Error()))
			continue
		}

		c.mu.Lock()
		c.lastFrameAt = time.Now()
		c.mu.Unlock()

		if !sawConnected {
			if f.Type == FrameConnected {
				sawConnected = true
				c.mu.Lock()
				c.state = StateConnected
				c.mu.Unlock()
				c.logger.Infow("Stream connected", "filter_key", c.filterKey)
				connected <- nil
			}
			continue
		}

		c.dispatch(&f)
	}

	// Stream ended: either an explicit Disconnect or an unexpected closure
	if !sawConnected {
		connected <- errors.Wrap(errors.ErrTransport, "stream closed before connected frame")
		return
	}
	c.handleStreamEnd(scanner.Err())
}

// dispatch routes one frame by its type discriminator.
func (c *Client) dispatch(f *frame) {
	switch f.Type {
	case FrameConnected:
		// Informational after the first one
	case FrameExecutionUpdate:
		if f.Event != nil && c.callbacks.OnExecutionUpdate != nil {
			c.callbacks.OnExecutionUpdate(f.Event)
		}
	case FrameKeepalive:
		// Liveness already refreshed; nothing else to do
	case FrameError:
		c.invokeOnError(errors.Newf("server error frame: %s", f.Message))
	default:
		c.logger.Debugw("Ignoring unknown frame type", "type", f.Type)
	}
}

// handleStreamEnd decides between the graceful-shutdown path and the
// reconnect path after the stream closes.
func (c *Client) handleStreamEnd(scanErr error) {
	c.mu.Lock()
	explicit := c.explicitClose
	c.mu.Unlock()

	if explicit {
		c.logger.Infow("Stream disconnected by caller")
		c.transitionToDisconnected(false)
		if c.callbacks.OnDisconnect != nil {
			c.callbacks.OnDisconnect()
		}
		return
	}

	if scanErr != nil {
		c.logger.Warnw("Stream read error", "error", scanErr)
	} else {
		c.logger.Warnw("Stream closed unexpectedly")
	}

	c.transitionToDisconnected(true)
	if c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect()
	}
}

// transitionToDisconnected moves the state machine to Disconnected and, when
// requested, schedules exactly one reconnection attempt. The single timer is
// owned here, so concurrent failure paths cannot stack reconnects.
func (c *Client) transitionToDisconnected(scheduleReconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateDisconnected
	c.cancelStream = nil

	if !scheduleReconnect || c.explicitClose || c.reconnectTimer != nil {
		return
	}

	c.logger.Infow("Scheduling reconnect", "delay", reconnectDelay)
	c.reconnectTimer = time.AfterFunc(reconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		explicit := c.explicitClose
		c.mu.Unlock()
		if explicit {
			return
		}

		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warnw("Reconnect attempt failed", "error", err)
			c.invokeOnError(err)
			// The failed Connect already returned to Disconnected; a further
			// attempt is scheduled so the client eventually resyncs.
			c.transitionToDisconnected(true)
		}
	})
}

func (c *Client) invokeOnError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

// Frame type discriminators, mirrored from the server wire format.
const (
	FrameConnected       = "connected"
	FrameExecutionUpdate = "execution_update"
	FrameKeepalive       = "keepalive"
	FrameError           = "error"
)
