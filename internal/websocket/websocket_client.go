// Package websocket provides the feed connection for the chart price/trade stream.
//
// The connection owns exactly one physical socket at a time. It reconnects
// with backoff, keeps the socket alive with periodic ping frames, declares it
// stale when no heartbeat has been seen within tolerance, and hands decoded
// events to a single consumer through a bounded channel.
package websocket

import (
	"chartsync/internal/feed"
	"chartsync/internal/model"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod is the keep-alive interval.
	defaultPingPeriod = 5 * time.Second

	// defaultHeartbeatInterval is the expected maximum gap between heartbeats.
	defaultHeartbeatInterval = 6 * time.Second

	// defaultHeartbeatTolerance is added to the interval before declaring loss.
	defaultHeartbeatTolerance = 500 * time.Millisecond

	// defaultWatchdogPeriod is how often liveness is checked.
	defaultWatchdogPeriod = 4 * time.Second

	// defaultReconnectDelay is the wait before reconnecting after a close.
	defaultReconnectDelay = 2 * time.Second

	// defaultMaxReconnectDelay caps the backoff for repeated dial failures.
	defaultMaxReconnectDelay = 30 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultQueueSize bounds the inbound event channel.
	defaultQueueSize = 1024

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// Common errors returned by the feed connection
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrNotConnected indicates that no socket is currently open.
	ErrNotConnected = errors.New("feed not connected")
)

// State is the lifecycle state of the connection.
type State int32

const (
	StateIdle State = iota
	StatePending
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	}
	return "closed"
}

// Config defines settings for the feed connection.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Codec decodes inbound frames and produces the ping frame.
	// Required: This field must be provided and non-nil.
	Codec *feed.Codec

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between keep-alive ping frames.
	PingPeriod time.Duration

	// HeartbeatInterval and HeartbeatTolerance bound the time without a
	// heartbeat before the socket is declared stale.
	HeartbeatInterval  time.Duration
	HeartbeatTolerance time.Duration

	// WatchdogPeriod is how often the liveness check runs.
	WatchdogPeriod time.Duration

	// ReconnectDelay is the wait before reconnecting; it doubles on
	// consecutive dial failures up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// QueueSize bounds the event channel. A full channel blocks the reader.
	QueueSize int
}

// Client is the feed connection.
//
// Connect starts a supervisor goroutine that dials, serves the socket until it
// drops and then reconnects for as long as the intent is non-empty. Calling
// Connect while the supervisor runs is a no-op.
type Client struct {
	cfg *Config

	// events delivers decoded feed events and connection status changes.
	events chan model.FeedEvent

	// mu guards conn, running and cancel.
	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	cancel  context.CancelFunc

	// writeMu serialises writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	state    atomic.Int32
	lastBeat atomic.Int64 // unix nanos of the last heartbeat

	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup
}

// NewFeedConnection validates cfg and returns an idle connection.
func NewFeedConnection(cfg Config) (*Client, error) {
	// Validate required configuration fields
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("codec is required")
	}

	// Apply defaults for optional fields
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = defaultHeartbeatTolerance
	}
	if cfg.WatchdogPeriod == 0 {
		cfg.WatchdogPeriod = defaultWatchdogPeriod
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
		if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
			cfg.MaxReconnectDelay = cfg.ReconnectDelay
		}
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	return &Client{
		cfg:    &cfg,
		events: make(chan model.FeedEvent, cfg.QueueSize),
	}, nil
}

// Events returns the inbound event channel. It is closed after Close.
func (c *Client) Events() <-chan model.FeedEvent {
	return c.events
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	if c.closed.Load() {
		return StateClosed
	}
	return State(c.state.Load())
}

// LastHeartbeat returns the time the last heartbeat was observed.
func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load())
}

// Connect starts the supervisor if it is not already running.
func (c *Client) Connect(ctx context.Context, intent feed.IntentProvider) error {
	if c.closed.Load() {
		return ErrClientShuttingDown
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClientShuttingDown
	}
	if c.running {
		return nil
	}
	c.running = true

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state.Store(int32(StatePending))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervise(ctx, intent)
	}()
	return nil
}

// supervise dials and serves until the context ends or nobody is listening.
func (c *Client) supervise(ctx context.Context, intent feed.IntentProvider) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "supervise").
		Logger()

	released := false
	defer func() {
		if !released {
			c.mu.Lock()
			c.release()
			c.mu.Unlock()
		}
		logger.Info().Msg("supervisor exiting")
	}()

	delay := c.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if c.releaseIfIdle(intent) {
			released = true
			logger.Info().Msg("no listeners, not reconnecting")
			return
		}

		c.state.Store(int32(StatePending))
		conn, err := c.dial(ctx)
		if err != nil {
			logger.Warn().Err(err).Dur("retryIn", delay).Msg("dial failed")
			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, c.cfg.MaxReconnectDelay)
			continue
		}

		delay = c.cfg.ReconnectDelay
		c.serve(ctx, conn, intent)

		if ctx.Err() != nil {
			return
		}
		logger.Info().Dur("delay", delay).Msg("connection lost, scheduling reconnect")
		if !sleep(ctx, delay) {
			return
		}
	}
}

// releaseIfIdle marks the supervisor stopped when the intent is empty. The
// check and the release share one critical section with Connect, so a
// Connect racing the exit either lands in a non-empty intent here or starts
// a new supervisor.
func (c *Client) releaseIfIdle(intent feed.IntentProvider) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !intent.Intent().Empty() {
		return false
	}
	c.release()
	return true
}

// release must be called with c.mu held.
func (c *Client) release() {
	c.running = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state.Store(int32(StateIdle))
}

// serve runs one physical connection until it drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, intent feed.IntentProvider) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "serve").
		Logger()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Configure connection parameters
	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	c.touch()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.state.Store(int32(StateOpen))

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if err := conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("error closing connection")
		}
		c.state.Store(int32(StatePending))
		c.emit(ctx, model.FeedEvent{Kind: model.EventDisconnected, ReceivedAt: time.Now()})
	}()

	c.emit(ctx, model.FeedEvent{Kind: model.EventConnected, ReceivedAt: time.Now()})

	// The intent is read after the socket is stored so that a subscriber
	// added concurrently is either in it or able to Send its own join.
	msgs, err := intent.Intent().Messages(c.cfg.Codec)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode joins")
		return
	}
	for _, msg := range msgs {
		if err := c.write(conn, websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Msg("join error")
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pingLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		c.watchdog(connCtx, conn)
	}()

	c.readLoop(connCtx, conn)

	cancel()
	_ = conn.Close()
	wg.Wait()
}

// readLoop continuously reads messages from the socket until it fails.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Info().Msg("starting read loop")
	defer logger.Info().Msg("read loop exiting")

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			// Categorize and log different error types
			if ctx.Err() != nil {
				logger.Debug().Err(err).Msg("read interrupted by shutdown")
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Err(err).Msg("websocket closed normally")
			} else if websocket.IsUnexpectedCloseError(err) {
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			} else {
				logger.Error().Err(err).Msg("read error")
			}
			return
		}

		logger.Debug().
			Int("messageType", messageType).
			Int("bytes", len(data)).
			Msg("received message")

		ev, ok := c.decode(data)
		if !ok {
			continue
		}

		switch ev.Kind {
		case model.EventHeartbeat:
			c.touch()
			continue
		case model.EventAck:
			logger.Debug().Msg("ack")
			continue
		}

		if !c.emit(ctx, ev) {
			return
		}
	}
}

// decode runs the codec, dropping malformed frames.
func (c *Client) decode(data []byte) (ev model.FeedEvent, ok bool) {
	// Recover from codec panics to prevent client crash
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Msg("panic in frame decoder")
			ok = false
		}
	}()

	ev, err := c.cfg.Codec.Decode(data, time.Now())
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping frame")
		return ev, false
	}
	return ev, true
}

// pingLoop sends periodic keep-alive frames.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	logger.Debug().Dur("period", c.cfg.PingPeriod).Msg("starting ping loop")

	for {
		select {
		case <-ticker.C:
			if err := c.write(conn, websocket.TextMessage, c.cfg.Codec.Ping()); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			} else {
				logger.Debug().Msg("ping sent")
			}
		case <-ctx.Done():
			return
		}
	}
}

// watchdog force-closes the socket once heartbeats stop or ctx ends.
func (c *Client) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.WatchdogPeriod)
	defer ticker.Stop()

	limit := c.cfg.HeartbeatInterval + c.cfg.HeartbeatTolerance
	for {
		select {
		case <-ticker.C:
			silence := time.Since(c.LastHeartbeat())
			if silence <= limit {
				continue
			}
			log.Warn().
				Str("endpoint", c.cfg.Endpoint).
				Dur("silence", silence).
				Dur("limit", limit).
				Msg("heartbeat lost, closing stale connection")
			c.emit(ctx, model.FeedEvent{Kind: model.EventHeartbeatLost, ReceivedAt: time.Now()})
			_ = conn.Close()
			return
		case <-ctx.Done():
			// Unblocks readLoop when the supervisor is cancelled.
			_ = conn.Close()
			return
		}
	}
}

// Send writes a text frame on the open socket.
func (c *Client) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrClientShuttingDown
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Set write deadline to prevent hanging
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// emit delivers ev to the consumer, blocking while the queue is full.
func (c *Client) emit(ctx context.Context, ev model.FeedEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) touch() {
	c.lastBeat.Store(time.Now().UnixNano())
}

// Close stops reconnection, closes the socket and waits for goroutines.
// It can be called multiple times safely.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		logger.Info().Msg("initiating graceful shutdown")

		c.mu.Lock()
		c.closed.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			// Send close frame with normal closure code
			if err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				logger.Debug().Err(err).Msg("failed to send close frame")
			}
			_ = conn.Close()
		}

		// Wait for all goroutines to complete
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			close(c.events)
			logger.Info().Msg("all goroutines completed")
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}
	})
}

// dial establishes a WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Logger()

	logger.Info().Msg("attempting websocket connection")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// sleep waits for d or until ctx ends; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
