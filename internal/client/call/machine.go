package call

import (
	"context"
	"fmt"
	"sync"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"
	"studychat/pkg/utils"

	"go.uber.org/zap"
)

// StateChange reports a peer-session transition to the presentation layer.
type StateChange struct {
	State      domain.CallState
	RemotePeer domain.PeerID
	Err        error
}

// Machine drives one peer media channel through offer/answer/candidate
// exchange using envelopes relayed by the transport session. It owns the
// PeerSession exclusively: one concurrent call attempt, destroyed on hangup,
// error or transport teardown. Negotiation failures never touch the chat
// session.
type Machine struct {
	mu      sync.Mutex
	self    domain.PeerID
	sender  ports.EnvelopeSender
	engines ports.MediaEngineFactory
	logger  *zap.SugaredLogger

	session *domain.PeerSession
	engine  ports.MediaEngine

	// earlyCandidates holds candidates that arrived before any session
	// exists for their sender, in arrival order. Applying a candidate
	// before the remote description is set is a protocol error in the
	// media stack, so queuing is mandatory.
	earlyCandidates map[domain.PeerID][]domain.CandidatePayload

	onState func(StateChange)
}

func NewMachine(self domain.PeerID, sender ports.EnvelopeSender, engines ports.MediaEngineFactory, logger *zap.SugaredLogger) *Machine {
	return &Machine{
		self:            self,
		sender:          sender,
		engines:         engines,
		logger:          logger,
		earlyCandidates: make(map[domain.PeerID][]domain.CandidatePayload),
	}
}

// OnStateChange registers the presentation-layer callback for peer-session
// transitions.
func (m *Machine) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// State returns the current call state, CallIdle when no session exists.
func (m *Machine) State() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.CallIdle
	}
	return m.session.State
}

// StartCall initiates a call to remote: creates the media engine, generates
// the local description and emits an offer envelope. Media failure aborts
// the attempt with domain.ErrMediaUnavailable; the chat session is
// unaffected.
func (m *Machine) StartCall(ctx context.Context, remote domain.PeerID) error {
	m.mu.Lock()
	if m.session != nil && m.session.State != domain.CallClosed {
		m.mu.Unlock()
		return domain.ErrCallInProgress
	}
	m.mu.Unlock()

	engine, err := m.engines.NewEngine(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	m.mu.Lock()
	m.engine = engine
	m.session = &domain.PeerSession{State: domain.CallOffering, RemotePeer: remote}
	m.mu.Unlock()
	m.installEngineHooks(engine, remote)

	sdp, err := engine.CreateOffer(ctx)
	if err != nil {
		m.closeSession(fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err))
		return fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	m.mu.Lock()
	if m.session == nil || m.session.State != domain.CallOffering {
		m.mu.Unlock()
		return domain.ErrInvalidCallState
	}
	m.session.LocalDescription = sdp
	m.mu.Unlock()

	err = m.sender.Send(domain.Envelope{
		Kind:     domain.KindOffer,
		SenderID: m.self,
		To:       remote,
		SentAt:   utils.NowMillis(),
		Payload:  domain.OfferPayload{SDP: sdp},
	})
	if err != nil {
		m.closeSession(err)
		return err
	}

	m.report(StateChange{State: domain.CallOffering, RemotePeer: remote})
	return nil
}

// Hangup tears the current call down. No-op without an active session.
func (m *Machine) Hangup() {
	m.closeSession(nil)
}

// TransportClosed forces any open peer session to Closed when the transport
// session goes away.
func (m *Machine) TransportClosed(err error) {
	m.closeSession(err)
}

// TransportRecovered re-emits local candidates whose envelopes were refused
// by a disconnected transport, in their original discovery order.
func (m *Machine) TransportRecovered() {
	m.mu.Lock()
	if m.session == nil || len(m.session.PendingLocalCandidates) == 0 {
		m.mu.Unlock()
		return
	}
	pending := m.session.PendingLocalCandidates
	m.session.PendingLocalCandidates = nil
	remote := m.session.RemotePeer
	m.mu.Unlock()

	for i, c := range pending {
		err := m.sender.Send(domain.Envelope{
			Kind:     domain.KindICECandidate,
			SenderID: m.self,
			To:       remote,
			SentAt:   utils.NowMillis(),
			Payload:  c,
		})
		if err != nil {
			// Still down; put the rest back for the next recovery.
			m.mu.Lock()
			if m.session != nil && m.session.RemotePeer == remote {
				m.session.PendingLocalCandidates = append(pending[i:], m.session.PendingLocalCandidates...)
			}
			m.mu.Unlock()
			m.logger.Warnw("failed to re-emit pending candidates", "remote", remote, "error", err)
			return
		}
	}
	m.logger.Infow("re-emitted pending local candidates", "remote", remote, "count", len(pending))
}

// HandleEnvelope dispatches one negotiation envelope. Protocol errors close
// the peer session only; they are reported, not fatal to the chat session.
func (m *Machine) HandleEnvelope(ctx context.Context, env domain.Envelope) {
	switch env.Kind {
	case domain.KindOffer:
		m.handleOffer(ctx, env)
	case domain.KindAnswer:
		m.handleAnswer(ctx, env)
	case domain.KindICECandidate:
		m.handleCandidate(env)
	default:
		m.logger.Warnw("negotiation machine received non-negotiation envelope", "kind", env.Kind)
	}
}

func (m *Machine) handleOffer(ctx context.Context, env domain.Envelope) {
	offer, ok := env.Payload.(domain.OfferPayload)
	if !ok {
		return
	}

	m.mu.Lock()
	active := m.session != nil && m.session.State != domain.CallClosed
	glare := active && m.session.State == domain.CallOffering
	m.mu.Unlock()

	if active && !glare {
		// Offer during answering or an established call is a protocol
		// error for that session.
		m.closeSession(fmt.Errorf("%w: offer received in state %s", domain.ErrInvalidCallState, m.State()))
		return
	}

	if glare {
		// Simultaneous offers. Deterministic precedence: the peer with the
		// lexicographically lower id wins; the loser abandons its offer and
		// answers instead.
		if m.self < env.SenderID {
			m.logger.Infow("glare detected, ignoring remote offer", "remote", env.SenderID)
			return
		}
		m.logger.Infow("glare detected, backing off local offer", "remote", env.SenderID)
		m.abandonSession()
	}

	m.answer(ctx, env.SenderID, offer)
}

// answer runs the Idle -> Answering path: adopt the remote description,
// produce a local answer and emit it.
func (m *Machine) answer(ctx context.Context, remote domain.PeerID, offer domain.OfferPayload) {
	engine, err := m.engines.NewEngine(ctx)
	if err != nil {
		m.report(StateChange{State: domain.CallClosed, RemotePeer: remote, Err: fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)})
		return
	}

	m.mu.Lock()
	m.engine = engine
	m.session = &domain.PeerSession{
		State:             domain.CallAnswering,
		RemotePeer:        remote,
		RemoteDescription: offer.SDP,
	}
	early := m.earlyCandidates[remote]
	delete(m.earlyCandidates, remote)
	m.mu.Unlock()
	m.installEngineHooks(engine, remote)

	answerSDP, err := engine.AcceptOffer(ctx, offer.SDP)
	if err != nil {
		m.closeSession(fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err))
		return
	}

	m.mu.Lock()
	if m.session == nil || m.session.RemotePeer != remote {
		m.mu.Unlock()
		return
	}
	m.session.LocalDescription = answerSDP
	queued := append(early, m.session.PendingRemoteCandidates...)
	m.session.PendingRemoteCandidates = nil
	m.mu.Unlock()

	// The remote description is set now; drain queued candidates in their
	// original order.
	for _, c := range queued {
		if err := engine.AddRemoteCandidate(c.Candidate); err != nil {
			m.logger.Warnw("failed to apply queued candidate", "remote", remote, "error", err)
		}
	}

	err = m.sender.Send(domain.Envelope{
		Kind:     domain.KindAnswer,
		SenderID: m.self,
		To:       remote,
		SentAt:   utils.NowMillis(),
		Payload:  domain.AnswerPayload{SDP: answerSDP},
	})
	if err != nil {
		m.closeSession(err)
		return
	}

	m.report(StateChange{State: domain.CallAnswering, RemotePeer: remote})
}

func (m *Machine) handleAnswer(ctx context.Context, env domain.Envelope) {
	answer, ok := env.Payload.(domain.AnswerPayload)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.session == nil || m.session.State != domain.CallOffering || m.session.RemotePeer != env.SenderID {
		m.mu.Unlock()
		// Answer while idle or from an unexpected peer: non-fatal protocol
		// error, chat unaffected.
		m.report(StateChange{State: domain.CallClosed, RemotePeer: env.SenderID, Err: fmt.Errorf("%w: unexpected answer", domain.ErrInvalidCallState)})
		return
	}
	engine := m.engine
	m.session.RemoteDescription = answer.SDP
	queued := m.session.PendingRemoteCandidates
	m.session.PendingRemoteCandidates = nil
	m.mu.Unlock()

	if err := engine.AcceptAnswer(ctx, answer.SDP); err != nil {
		m.closeSession(fmt.Errorf("%w: %v", domain.ErrInvalidCallState, err))
		return
	}

	for _, c := range queued {
		if err := engine.AddRemoteCandidate(c.Candidate); err != nil {
			m.logger.Warnw("failed to apply queued candidate", "remote", env.SenderID, "error", err)
		}
	}

	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session.State = domain.CallConnected
	remote := m.session.RemotePeer
	m.mu.Unlock()

	m.report(StateChange{State: domain.CallConnected, RemotePeer: remote})
}

func (m *Machine) handleCandidate(env domain.Envelope) {
	candidate, ok := env.Payload.(domain.CandidatePayload)
	if !ok {
		return
	}

	m.mu.Lock()
	// No session for this sender yet: queue, never discard. A remote
	// description set later will drain the queue in order.
	if m.session == nil || m.session.State == domain.CallClosed || m.session.RemotePeer != env.SenderID {
		m.earlyCandidates[env.SenderID] = append(m.earlyCandidates[env.SenderID], candidate)
		m.mu.Unlock()
		return
	}

	if m.session.RemoteDescription == "" {
		m.session.PendingRemoteCandidates = append(m.session.PendingRemoteCandidates, candidate)
		m.mu.Unlock()
		return
	}
	engine := m.engine
	m.mu.Unlock()

	if err := engine.AddRemoteCandidate(candidate.Candidate); err != nil {
		m.logger.Warnw("failed to apply candidate", "remote", env.SenderID, "error", err)
	}
}

// installEngineHooks wires candidate discovery and connection establishment
// back into the machine.
func (m *Machine) installEngineHooks(engine ports.MediaEngine, remote domain.PeerID) {
	engine.OnLocalCandidate(func(candidate string) {
		err := m.sender.Send(domain.Envelope{
			Kind:     domain.KindICECandidate,
			SenderID: m.self,
			To:       remote,
			SentAt:   utils.NowMillis(),
			Payload:  domain.CandidatePayload{Candidate: candidate},
		})
		if err != nil {
			// Keep the candidate; it can be re-emitted once the transport
			// recovers.
			m.mu.Lock()
			if m.session != nil {
				m.session.PendingLocalCandidates = append(m.session.PendingLocalCandidates, domain.CandidatePayload{Candidate: candidate})
			}
			m.mu.Unlock()
			m.logger.Warnw("failed to emit local candidate", "remote", remote, "error", err)
		}
	})

	engine.OnClosed(func(err error) {
		m.mu.Lock()
		current := m.engine == engine
		m.mu.Unlock()
		// A displaced engine (glare loser, already-hung-up call) must not
		// tear down the session that replaced it.
		if current {
			m.closeSession(err)
		}
	})

	engine.OnConnected(func() {
		m.mu.Lock()
		if m.session == nil || m.session.State == domain.CallClosed || m.session.State == domain.CallConnected {
			m.mu.Unlock()
			return
		}
		m.session.State = domain.CallConnected
		r := m.session.RemotePeer
		m.mu.Unlock()
		m.report(StateChange{State: domain.CallConnected, RemotePeer: r})
	})
}

// abandonSession discards the current session without reporting Closed,
// used when backing off a glare loser before answering.
func (m *Machine) abandonSession() {
	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	m.session = nil
	m.mu.Unlock()

	if engine != nil {
		engine.Close()
	}
}

// closeSession releases media and destroys the peer session, reporting the
// terminal state when a session existed.
func (m *Machine) closeSession(err error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	remote := m.session.RemotePeer
	engine := m.engine
	m.engine = nil
	m.session = nil
	m.mu.Unlock()

	if engine != nil {
		engine.Close()
	}
	m.report(StateChange{State: domain.CallClosed, RemotePeer: remote, Err: err})
}

func (m *Machine) report(change StateChange) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}
