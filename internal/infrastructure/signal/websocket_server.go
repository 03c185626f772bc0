package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"
	"studychat/internal/infrastructure/monitoring"
	"studychat/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Options configures the relay's websocket endpoint.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// MessagesPerSecond and Burst bound each connection's inbound frame
	// rate. Zero disables limiting.
	MessagesPerSecond float64
	Burst             int
}

// peerConn is one registered websocket connection. Writes are serialized
// through writeMu because gorilla conns allow a single concurrent writer.
type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	peer    domain.PeerID
	room    domain.RoomID
}

func (p *peerConn) write(deadline time.Duration, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(deadline))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// WebSocketServer relays envelopes between the peers of each room. Chat is
// persisted, stamped with a server id and broadcast to the whole room
// including the sender; negotiation envelopes are routed to their addressee;
// presence is generated by the relay on join and leave.
type WebSocketServer struct {
	history ports.HistoryService
	metrics *monitoring.PrometheusCollector

	rooms map[domain.RoomID]map[domain.PeerID]*peerConn
	mu    sync.RWMutex

	opts   Options
	logger *zap.SugaredLogger
}

func NewWebSocketServer(history ports.HistoryService, metrics *monitoring.PrometheusCollector, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &WebSocketServer{
		history: history,
		metrics: metrics,
		rooms:   make(map[domain.RoomID]map[domain.PeerID]*peerConn),
		opts:    opts,
		logger:  logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	room := domain.RoomID(r.URL.Query().Get("room"))
	if peerID == "" || room == "" {
		http.Error(w, "peer_id and room are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	pc := &peerConn{conn: conn, peer: peerID, room: room}
	s.register(pc)
	s.logger.Infow("peer connected", "peer_id", peerID, "room", room)

	s.broadcastPresence(room, peerID, domain.PresenceJoined)
	s.serve(pc)

	removed := s.unregister(pc)
	conn.Close()
	// A displaced connection must stay silent: its peer never left the room,
	// and a late "left" broadcast would shadow the reconnect's "joined".
	if removed {
		s.broadcastPresence(room, peerID, domain.PresenceLeft)
	}
	s.logger.Infow("peer disconnected", "peer_id", peerID, "room", room, "displaced", !removed)
}

// register adds the connection to its room, displacing a stale connection
// for the same peer so a reconnect wins.
func (s *WebSocketServer) register(pc *peerConn) {
	s.mu.Lock()
	peers, ok := s.rooms[pc.room]
	if !ok {
		peers = make(map[domain.PeerID]*peerConn)
		s.rooms[pc.room] = peers
	}
	stale := peers[pc.peer]
	peers[pc.peer] = pc
	roomCount := len(s.rooms)
	s.mu.Unlock()

	if stale != nil {
		stale.conn.Close()
		s.logger.Infow("closed stale connection for reconnecting peer", "peer_id", pc.peer, "room", pc.room)
	}
	if s.metrics != nil {
		if stale == nil {
			s.metrics.RecordPeerConnected()
		}
		s.metrics.SetActiveRooms(roomCount)
	}
}

// unregister removes the connection from its room. It reports false when a
// reconnect already replaced this entry, in which case the peer is still
// present and no departure may be announced.
func (s *WebSocketServer) unregister(pc *peerConn) bool {
	s.mu.Lock()
	peers := s.rooms[pc.room]
	removed := false
	if peers != nil && peers[pc.peer] == pc {
		delete(peers, pc.peer)
		removed = true
		if len(peers) == 0 {
			delete(s.rooms, pc.room)
		}
	}
	roomCount := len(s.rooms)
	s.mu.Unlock()

	if s.metrics != nil && removed {
		s.metrics.RecordPeerDisconnected()
		s.metrics.SetActiveRooms(roomCount)
	}
	return removed
}

// serve reads frames until the connection fails, keeping pings flowing and
// enforcing the inbound rate limit.
func (s *WebSocketServer) serve(pc *peerConn) {
	conn := pc.conn
	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			frames <- data
		}
	}()

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-frames:
			if limiter != nil && !limiter.Allow() {
				if s.metrics != nil {
					s.metrics.RecordRateLimited()
				}
				s.logger.Warnw("dropping frame over rate limit", "peer_id", pc.peer, "room", pc.room)
				continue
			}
			s.handleFrame(pc, data)

		case <-pingTicker.C:
			pc.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			pc.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "peer_id", pc.peer, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "peer_id", pc.peer, "error", err)
			}
			return
		}
	}
}

// handleFrame decodes and routes one inbound frame. Malformed frames are
// dropped; a frame claiming another peer's identity is dropped too.
func (s *WebSocketServer) handleFrame(pc *peerConn, data []byte) {
	env, err := domain.Decode(data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordMalformedFrame()
		}
		s.logger.Warnw("dropping malformed frame", "peer_id", pc.peer, "error", err)
		return
	}

	if env.SenderID != pc.peer {
		s.logger.Warnw("dropping frame with mismatched sender",
			"peer_id", pc.peer,
			"claimed", env.SenderID,
		)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordEnvelopeRouted(string(env.Kind))
	}

	switch env.Kind {
	case domain.KindChat:
		s.handleChat(pc, env)
	case domain.KindOffer, domain.KindAnswer, domain.KindICECandidate:
		s.routeToPeer(pc, env)
	default:
		// Presence is relay-generated; a client has no business sending it.
		s.logger.Warnw("dropping unroutable envelope", "peer_id", pc.peer, "kind", env.Kind)
	}
}

// handleChat persists the message under a fresh server id and echoes it to
// the whole room, sender included. The echo carries the client tag so the
// sender can confirm its optimistic entry.
func (s *WebSocketServer) handleChat(pc *peerConn, env domain.Envelope) {
	payload := env.Payload.(domain.ChatPayload)

	msg := &domain.ChatMessage{
		ID:        utils.NewMessageID(),
		Author:    payload.Author,
		Text:      payload.Text,
		SentAt:    env.SentAt,
		ClientTag: payload.ClientTag,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Record(ctx, pc.room, msg); err != nil {
		// The live broadcast still goes out; history converges on the next
		// successful append.
		s.logger.Errorw("failed to persist chat message", "room", pc.room, "error", err)
	}

	echo := domain.Envelope{
		Kind:     domain.KindChat,
		SenderID: env.SenderID,
		SentAt:   env.SentAt,
		Payload: domain.ChatPayload{
			ID:        msg.ID,
			Author:    payload.Author,
			Text:      payload.Text,
			ClientTag: payload.ClientTag,
		},
	}
	if s.metrics != nil {
		s.metrics.RecordChatMessage()
	}
	s.broadcast(pc.room, echo)
}

// routeToPeer forwards a negotiation envelope to its addressee, or to the
// room's only other peer when no addressee is named.
func (s *WebSocketServer) routeToPeer(pc *peerConn, env domain.Envelope) {
	target := env.To

	s.mu.RLock()
	peers := s.rooms[pc.room]
	var dest *peerConn
	if target != "" {
		dest = peers[target]
	} else {
		for id, other := range peers {
			if id != pc.peer {
				dest = other
				env.To = id
				break
			}
		}
	}
	s.mu.RUnlock()

	if dest == nil {
		s.logger.Warnw("no route for negotiation envelope",
			"peer_id", pc.peer,
			"room", pc.room,
			"kind", env.Kind,
			"to", target,
			"error", domain.ErrPeerNotConnected,
		)
		return
	}

	data, err := domain.Encode(env)
	if err != nil {
		s.logger.Errorw("failed to encode envelope", "kind", env.Kind, "error", err)
		return
	}
	if err := dest.write(s.opts.WriteTimeout, data); err != nil {
		s.logger.Warnw("failed to forward envelope", "to", dest.peer, "error", err)
	}
}

// broadcast delivers an envelope to every peer in the room.
func (s *WebSocketServer) broadcast(room domain.RoomID, env domain.Envelope) {
	data, err := domain.Encode(env)
	if err != nil {
		s.logger.Errorw("failed to encode broadcast envelope", "kind", env.Kind, "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*peerConn, 0, len(s.rooms[room]))
	for _, pc := range s.rooms[room] {
		targets = append(targets, pc)
	}
	s.mu.RUnlock()

	for _, pc := range targets {
		if err := pc.write(s.opts.WriteTimeout, data); err != nil {
			s.logger.Warnw("broadcast write failed", "peer_id", pc.peer, "room", room, "error", err)
		}
	}
}

// broadcastPresence tells everyone else in the room about a join or leave.
func (s *WebSocketServer) broadcastPresence(room domain.RoomID, subject domain.PeerID, event domain.PresenceEvent) {
	env := domain.Envelope{
		Kind:     domain.KindPresence,
		SenderID: "relay",
		SentAt:   utils.NowMillis(),
		Payload:  domain.PresencePayload{Event: event, PeerID: subject},
	}

	data, err := domain.Encode(env)
	if err != nil {
		s.logger.Errorw("failed to encode presence envelope", "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*peerConn, 0, len(s.rooms[room]))
	for id, pc := range s.rooms[room] {
		if id != subject {
			targets = append(targets, pc)
		}
	}
	s.mu.RUnlock()

	for _, pc := range targets {
		if err := pc.write(s.opts.WriteTimeout, data); err != nil {
			s.logger.Warnw("presence write failed", "peer_id", pc.peer, "room", room, "error", err)
		}
	}
}

// ConnectedPeers lists peers currently registered in a room.
func (s *WebSocketServer) ConnectedPeers(room domain.RoomID) []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		peers = append(peers, id)
	}
	return peers
}

// HealthCheck reports relay liveness and the current connection count.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connections := 0
	for _, peers := range s.rooms {
		connections += len(peers)
	}
	rooms := len(s.rooms)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"rooms":       rooms,
		"connections": connections,
	})
}
