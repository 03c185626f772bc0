package transport

import (
	"context"
	"sync"
	"time"

	"studychat/internal/core/domain"
	"studychat/pkg/backoff"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configures a transport session.
type Options struct {
	// URL is the full signaling endpoint including room and peer_id query
	// parameters, e.g. ws://host:8081/ws?room=lobby&peer_id=peer-1.
	URL string
	// Reconnect governs the backoff applied after an unexpected drop.
	// MaxAttempts is the retry ceiling beyond which the session closes
	// terminally.
	Reconnect        backoff.Config
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Session owns the single duplex connection to the signaling endpoint. It
// exposes a send operation plus subscription channels producing envelopes in
// network arrival order and connection-state transitions. The session
// reconnects automatically with exponential backoff on unexpected drops;
// explicit Close stops everything.
type Session struct {
	opts   Options
	logger *zap.SugaredLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	state  domain.ConnectionState
	cancel context.CancelFunc
	closed bool

	// writeMu serializes deadline+write pairs; gorilla/websocket supports
	// at most one concurrent writer per connection.
	writeMu sync.Mutex

	envelopes chan domain.Envelope
	states    chan domain.ConnectionState
	done      chan struct{}

	// onDecodeError is invoked for frames that fail to decode. Dropped
	// frames are never delivered to subscribers.
	onDecodeError func(error)
}

func NewSession(opts Options, logger *zap.SugaredLogger) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect = backoff.DefaultConfig()
	}
	return &Session{
		opts:      opts,
		logger:    logger,
		state:     domain.ConnectionState{Status: domain.StatusClosed},
		envelopes: make(chan domain.Envelope, 64),
		states:    make(chan domain.ConnectionState, 16),
		done:      make(chan struct{}),
	}
}

// Envelopes is the ordered stream of received envelopes. No more envelopes
// arrive after Done is closed.
func (s *Session) Envelopes() <-chan domain.Envelope {
	return s.envelopes
}

// Done is closed when the session is explicitly closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// States delivers connection-state transitions, including the terminal
// Closed state after the retry ceiling is exceeded.
func (s *Session) States() <-chan domain.ConnectionState {
	return s.states
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnDecodeError registers a hook observing dropped malformed frames.
func (s *Session) OnDecodeError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDecodeError = fn
}

// Connect starts the session. It is idempotent: connecting an already open
// or connecting session is a no-op. A session closed by retry exhaustion may
// be connected again; a session closed by Close may not.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionClosed
	}
	if s.state.Status != domain.StatusClosed {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setStateLocked(domain.ConnectionState{Status: domain.StatusConnecting})

	go s.run(runCtx)
	return nil
}

// Send transmits one envelope. It fails with domain.ErrNotConnected unless
// the session is open; it never queues across a disconnection, so a caller's
// message order is never silently rewritten.
func (s *Session) Send(env domain.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state.Status == domain.StatusOpen
	s.mu.Unlock()

	if !open || conn == nil {
		return domain.ErrNotConnected
	}

	data, err := domain.Encode(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the session down and releases the connection. Idempotent;
// cancels any in-flight reconnect backoff.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.setStateLocked(domain.ConnectionState{Status: domain.StatusClosed})
	close(s.done)
	return nil
}

// run owns the dial/read/reconnect cycle until ctx is cancelled or the retry
// ceiling is exceeded.
func (s *Session) run(ctx context.Context) {
	retries := 0

	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("signal dial failed", "url", s.opts.URL, "attempt", retries, "error", err)

			retries++
			if retries > s.opts.Reconnect.MaxAttempts {
				s.terminate(err)
				return
			}
			s.setState(domain.ConnectionState{Status: domain.StatusReconnecting, RetryCount: retries, LastError: err})

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.Reconnect.Delay(retries - 1)):
			}
			continue
		}

		// Successful open resets the retry budget.
		retries = 0
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.setStateLocked(domain.ConnectionState{Status: domain.StatusOpen})
		s.mu.Unlock()

		s.logger.Infow("signal connected", "url", s.opts.URL)

		readErr := s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		s.logger.Warnw("signal connection dropped", "error", readErr)
		retries = 1
		if retries > s.opts.Reconnect.MaxAttempts {
			s.terminate(readErr)
			return
		}
		s.setState(domain.ConnectionState{Status: domain.StatusReconnecting, RetryCount: retries, LastError: readErr})

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.Reconnect.Delay(0)):
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	return conn, err
}

// readLoop delivers frames to subscribers in arrival order until the
// connection fails. Malformed frames are dropped with a reported decode
// error, never delivered.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := domain.Decode(data)
		if err != nil {
			s.logger.Warnw("dropping malformed envelope", "error", err)
			s.mu.Lock()
			hook := s.onDecodeError
			s.mu.Unlock()
			if hook != nil {
				hook(err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.envelopes <- env:
		}
	}
}

// terminate reports the terminal Closed state after retry exhaustion. The
// subscription channels stay open so a caller may Connect again explicitly.
func (s *Session) terminate(err error) {
	s.logger.Errorw("signal session closed after retry ceiling", "error", err)
	s.setState(domain.ConnectionState{Status: domain.StatusClosed, LastError: err})
}

func (s *Session) setState(state domain.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

// setStateLocked records the new state and pushes it to subscribers,
// conflating the oldest unconsumed transition if the buffer is full.
func (s *Session) setStateLocked(state domain.ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state

	if s.closed {
		return
	}
	select {
	case s.states <- state:
	default:
		select {
		case <-s.states:
		default:
		}
		select {
		case s.states <- state:
		default:
		}
	}
}
