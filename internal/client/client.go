package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"studychat/internal/client/call"
	"studychat/internal/client/chatlog"
	"studychat/internal/client/history"
	"studychat/internal/client/transport"
	"studychat/internal/core/domain"
	"studychat/internal/core/ports"
	"studychat/pkg/backoff"

	"go.uber.org/zap"
)

// Options configures one room client.
type Options struct {
	// SignalURL is the websocket endpoint without query parameters,
	// e.g. ws://localhost:8081/ws.
	SignalURL string
	// HistoryURL is the base URL of the history HTTP API.
	HistoryURL string
	Room       domain.RoomID
	Self       domain.PeerID

	Reconnect      backoff.Config
	HistoryTimeout time.Duration

	// Engines supplies media stacks for call attempts. Optional: without it
	// call signaling envelopes are ignored.
	Engines ports.MediaEngineFactory

	Logger *zap.SugaredLogger
}

// Client ties the transport session, the chat log, the history fetch and the
// negotiation machine together for one room. Incoming envelopes are dispatched
// by kind; history is fetched concurrently with the connection attempt and
// merged whenever it lands.
type Client struct {
	opts    Options
	session *transport.Session
	fetcher *history.Fetcher
	chat    *chatlog.Log
	calls   *call.Machine
	logger  *zap.SugaredLogger

	states chan domain.ConnectionState

	mu         sync.Mutex
	onPresence func(domain.PresencePayload)
	started    bool
}

func New(opts Options) (*Client, error) {
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	endpoint, err := signalEndpoint(opts.SignalURL, opts.Room, opts.Self)
	if err != nil {
		return nil, err
	}

	session := transport.NewSession(transport.Options{
		URL:       endpoint,
		Reconnect: opts.Reconnect,
	}, opts.Logger)

	c := &Client{
		opts:    opts,
		session: session,
		fetcher: history.NewFetcher(opts.HistoryURL, opts.Room, opts.HistoryTimeout, opts.Logger),
		chat:    chatlog.New(session, opts.Self, opts.Logger),
		logger:  opts.Logger,
		states:  make(chan domain.ConnectionState, 16),
	}
	if opts.Engines != nil {
		c.calls = call.NewMachine(opts.Self, session, opts.Engines, opts.Logger)
	}
	return c, nil
}

// signalEndpoint appends room and peer identity to the websocket URL.
func signalEndpoint(raw string, room domain.RoomID, self domain.PeerID) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("room", string(room))
	q.Set("peer_id", string(self))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Chat exposes the room's message log.
func (c *Client) Chat() *chatlog.Log { return c.chat }

// Calls exposes the negotiation machine, nil when no media factory was
// configured.
func (c *Client) Calls() *call.Machine { return c.calls }

// ConnectionStates delivers transport state transitions. The dispatch loop
// consumes the session's own channel, so transitions are re-published here.
func (c *Client) ConnectionStates() <-chan domain.ConnectionState {
	return c.states
}

// ConnectionState returns the current transport state.
func (c *Client) ConnectionState() domain.ConnectionState {
	return c.session.State()
}

// OnPresence registers the callback for join/leave notifications.
func (c *Client) OnPresence(fn func(domain.PresencePayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresence = fn
}

// Start connects the transport and begins dispatching. The history fetch runs
// concurrently with the connection attempt; whichever of history and live
// traffic lands first, the log converges to the same sequence.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.session.Connect(ctx); err != nil {
		return err
	}

	go c.seedHistory(ctx)
	go c.dispatch(ctx)
	return nil
}

// Close tears down the transport and any in-flight call.
func (c *Client) Close() error {
	if c.calls != nil {
		c.calls.Hangup()
	}
	return c.session.Close()
}

func (c *Client) seedHistory(ctx context.Context) {
	msgs, err := c.fetcher.Fetch(ctx)
	if err != nil {
		// The log still works from live traffic only.
		c.logger.Warnw("history fetch failed", "room", c.opts.Room, "error", err)
		return
	}
	c.chat.Seed(msgs)
	c.logger.Infow("history merged", "room", c.opts.Room, "messages", len(msgs))
}

func (c *Client) dispatch(ctx context.Context) {
	states := c.session.States()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.session.Done():
			if c.calls != nil {
				c.calls.TransportClosed(domain.ErrSessionClosed)
			}
			return
		case state := <-states:
			if c.calls != nil {
				switch state.Status {
				case domain.StatusClosed:
					c.calls.TransportClosed(state.LastError)
				case domain.StatusOpen:
					c.calls.TransportRecovered()
				}
			}
			select {
			case c.states <- state:
			default:
				// A consumer that stops reading loses transitions, not the
				// dispatcher.
			}
		case env := <-c.session.Envelopes():
			c.route(ctx, env)
		}
	}
}

func (c *Client) route(ctx context.Context, env domain.Envelope) {
	switch env.Kind {
	case domain.KindChat:
		c.chat.ApplyEnvelope(env)
	case domain.KindOffer, domain.KindAnswer, domain.KindICECandidate:
		if env.To != "" && env.To != c.opts.Self {
			return
		}
		if c.calls != nil {
			c.calls.HandleEnvelope(ctx, env)
		}
	case domain.KindPresence:
		p, ok := env.Payload.(domain.PresencePayload)
		if !ok {
			return
		}
		c.mu.Lock()
		fn := c.onPresence
		c.mu.Unlock()
		if fn != nil {
			fn(p)
		}
	default:
		c.logger.Warnw("unroutable envelope", "kind", env.Kind)
	}
}
