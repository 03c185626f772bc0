package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEngine records the negotiation calls made against it.
type fakeEngine struct {
	mu                sync.Mutex
	offerSDP          string
	answerSDP         string
	acceptedOffer     string
	acceptedAnswer    string
	appliedCandidates []string
	closed            bool

	failOffer  error
	failAccept error

	onCandidate func(string)
	onConnected func()
	onClosed    func(error)
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (string, error) {
	if e.failOffer != nil {
		return "", e.failOffer
	}
	return e.offerSDP, nil
}

func (e *fakeEngine) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if e.failAccept != nil {
		return "", e.failAccept
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acceptedOffer = sdp
	return e.answerSDP, nil
}

func (e *fakeEngine) AcceptAnswer(ctx context.Context, sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acceptedAnswer = sdp
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(candidate string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appliedCandidates = append(e.appliedCandidates, candidate)
	return nil
}

func (e *fakeEngine) OnLocalCandidate(fn func(string)) { e.onCandidate = fn }
func (e *fakeEngine) OnConnected(fn func()) { e.onConnected = fn }
func (e *fakeEngine) OnClosed(fn func(error)) { e.onClosed = fn }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) candidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.appliedCandidates))
	copy(out, e.appliedCandidates)
	return out
}

type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	failure error
	next    func() *fakeEngine
}

func (f *fakeFactory) NewEngine(ctx context.Context) (ports.MediaEngine, error) {
	if f.failure != nil {
		return nil, f.failure
	}
	e := f.next()
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

// captureSender records every envelope it is asked to send.
type captureSender struct {
	mu   sync.Mutex
	sent []domain.Envelope
	err  error
}

func (s *captureSender) Send(env domain.Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *captureSender) State() domain.ConnectionState {
	return domain.ConnectionState{Status: domain.StatusOpen}
}

func (s *captureSender) byKind(kind domain.Kind) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, env := range s.sent {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func newTestMachine(self domain.PeerID, sender *captureSender, factory *fakeFactory) (*Machine, *[]StateChange) {
	m := NewMachine(self, sender, factory, zap.NewNop().Sugar())
	changes := &[]StateChange{}
	var mu sync.Mutex
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		*changes = append(*changes, c)
	})
	return m, changes
}

func singleEngineFactory(e *fakeEngine) *fakeFactory {
	return &fakeFactory{next: func() *fakeEngine { return e }}
}

func TestScenarioD_StartCallThenAnswerReachesConnected(t *testing.T) {
	engine := &fakeEngine{offerSDP: "offer-sdp"}
	sender := &captureSender{}
	m, changes := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))
	assert.Equal(t, domain.CallOffering, m.State())

	offers := sender.byKind(domain.KindOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("peer-b"), offers[0].To)
	assert.Equal(t, "offer-sdp", offers[0].Payload.(domain.OfferPayload).SDP)

	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindAnswer,
		SenderID: "peer-b",
		To:       "peer-a",
		SentAt:   2,
		Payload:  domain.AnswerPayload{SDP: "answer-sdp"},
	})

	assert.Equal(t, domain.CallConnected, m.State())
	assert.Equal(t, "answer-sdp", engine.acceptedAnswer)
	last := (*changes)[len(*changes)-1]
	assert.Equal(t, domain.CallConnected, last.State)
}

func TestIncomingOffer_AnswersAndReportsAnswering(t *testing.T) {
	engine := &fakeEngine{answerSDP: "my-answer"}
	sender := &captureSender{}
	m, _ := newTestMachine("peer-b", sender, singleEngineFactory(engine))

	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindOffer,
		SenderID: "peer-a",
		SentAt:   1,
		Payload:  domain.OfferPayload{SDP: "their-offer"},
	})

	assert.Equal(t, domain.CallAnswering, m.State())
	assert.Equal(t, "their-offer", engine.acceptedOffer)

	answers := sender.byKind(domain.KindAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.PeerID("peer-a"), answers[0].To)

	// Media negotiation completing moves the session to Connected.
	engine.onConnected()
	assert.Equal(t, domain.CallConnected, m.State())
}

func TestScenarioE_EarlyCandidateQueuedThenApplied(t *testing.T) {
	engine := &fakeEngine{answerSDP: "ans"}
	sender := &captureSender{}
	m, _ := newTestMachine("peer-b", sender, singleEngineFactory(engine))

	// Candidate arrives before any offer/answer exchange for that sender.
	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindICECandidate,
		SenderID: "peer-a",
		SentAt:   1,
		Payload:  domain.CandidatePayload{Candidate: "cand-early"},
	})
	assert.Empty(t, engine.candidates(), "candidate must be queued, not applied")

	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindOffer,
		SenderID: "peer-a",
		SentAt:   2,
		Payload:  domain.OfferPayload{SDP: "their-offer"},
	})

	assert.Equal(t, []string{"cand-early"}, engine.candidates())
}

func TestCandidates_AppliedFIFOPerSender(t *testing.T) {
	engine := &fakeEngine{offerSDP: "off"}
	sender := &captureSender{}
	m, _ := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))

	// Burst of candidates before the answer: remote description not set yet.
	for _, c := range []string{"c1", "c2", "c3"} {
		m.HandleEnvelope(context.Background(), domain.Envelope{
			Kind:     domain.KindICECandidate,
			SenderID: "peer-b",
			SentAt:   1,
			Payload:  domain.CandidatePayload{Candidate: c},
		})
	}
	assert.Empty(t, engine.candidates())

	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindAnswer,
		SenderID: "peer-b",
		SentAt:   2,
		Payload:  domain.AnswerPayload{SDP: "ans"},
	})

	assert.Equal(t, []string{"c1", "c2", "c3"}, engine.candidates())

	// After the remote description is set, candidates apply immediately.
	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindICECandidate,
		SenderID: "peer-b",
		SentAt:   3,
		Payload:  domain.CandidatePayload{Candidate: "c4"},
	})
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, engine.candidates())
}

func TestGlare_LowerSenderIDWins(t *testing.T) {
	// peer-b loses the tie-break against peer-a and must back off to
	// answering.
	loserEngine := &fakeEngine{offerSDP: "b-offer"}
	answerEngine := &fakeEngine{answerSDP: "b-answer"}
	engines := []*fakeEngine{loserEngine, answerEngine}
	i := 0
	factory := &fakeFactory{next: func() *fakeEngine { e := engines[i]; i++; return e }}

	sender := &captureSender{}
	m, _ := newTestMachine("peer-b", sender, factory)

	require.NoError(t, m.StartCall(context.Background(), "peer-a"))
	assert.Equal(t, domain.CallOffering, m.State())

	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindOffer,
		SenderID: "peer-a",
		SentAt:   1,
		Payload:  domain.OfferPayload{SDP: "a-offer"},
	})

	assert.Equal(t, domain.CallAnswering, m.State())
	assert.True(t, loserEngine.closed, "losing offer's engine must be released")
	assert.Equal(t, "a-offer", answerEngine.acceptedOffer)
	require.Len(t, sender.byKind(domain.KindAnswer), 1)
}

func TestGlare_WinnerIgnoresRemoteOffer(t *testing.T) {
	engine := &fakeEngine{offerSDP: "a-offer"}
	sender := &captureSender{}
	m, _ := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))

	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindOffer,
		SenderID: "peer-b",
		SentAt:   1,
		Payload:  domain.OfferPayload{SDP: "b-offer"},
	})

	// peer-a keeps its own offer pending; no answer is produced.
	assert.Equal(t, domain.CallOffering, m.State())
	assert.False(t, engine.closed)
	assert.Empty(t, sender.byKind(domain.KindAnswer))
}

func TestStartCall_MediaUnavailableAbortsAttempt(t *testing.T) {
	factory := &fakeFactory{failure: errors.New("no camera")}
	sender := &captureSender{}
	m, _ := newTestMachine("peer-a", sender, factory)

	err := m.StartCall(context.Background(), "peer-b")
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Equal(t, domain.CallIdle, m.State())
	assert.Empty(t, sender.byKind(domain.KindOffer))
}

func TestAnswerWhileIdle_IsNonFatalProtocolError(t *testing.T) {
	sender := &captureSender{}
	m, changes := newTestMachine("peer-a", sender, singleEngineFactory(&fakeEngine{}))

	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindAnswer,
		SenderID: "peer-b",
		SentAt:   1,
		Payload:  domain.AnswerPayload{SDP: "stray"},
	})

	require.NotEmpty(t, *changes)
	last := (*changes)[len(*changes)-1]
	assert.Equal(t, domain.CallClosed, last.State)
	assert.ErrorIs(t, last.Err, domain.ErrInvalidCallState)
	assert.Equal(t, domain.CallIdle, m.State())
}

func TestHangup_ReleasesMediaAndClosesSession(t *testing.T) {
	engine := &fakeEngine{offerSDP: "off"}
	sender := &captureSender{}
	m, changes := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))
	m.Hangup()

	assert.True(t, engine.closed)
	assert.Equal(t, domain.CallIdle, m.State())
	last := (*changes)[len(*changes)-1]
	assert.Equal(t, domain.CallClosed, last.State)
}

func TestTransportClosed_ForcesSessionClosed(t *testing.T) {
	engine := &fakeEngine{offerSDP: "off"}
	sender := &captureSender{}
	m, changes := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))
	m.TransportClosed(errors.New("transport gone"))

	assert.True(t, engine.closed)
	last := (*changes)[len(*changes)-1]
	assert.Equal(t, domain.CallClosed, last.State)
	assert.Error(t, last.Err)
}

func TestLocalCandidates_EmittedAsEnvelopes(t *testing.T) {
	engine := &fakeEngine{offerSDP: "off"}
	sender := &captureSender{}
	m, _ := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))

	engine.onCandidate("local-c1")
	engine.onCandidate("local-c2")

	cands := sender.byKind(domain.KindICECandidate)
	require.Len(t, cands, 2)
	assert.Equal(t, "local-c1", cands[0].Payload.(domain.CandidatePayload).Candidate)
	assert.Equal(t, "local-c2", cands[1].Payload.(domain.CandidatePayload).Candidate)
	assert.Equal(t, domain.PeerID("peer-b"), cands[0].To)
}

func TestEngineFailure_ClosesSessionAndReports(t *testing.T) {
	engine := &fakeEngine{offerSDP: "off"}
	sender := &captureSender{}
	m, changes := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))
	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindAnswer,
		SenderID: "peer-b",
		SentAt:   2,
		Payload:  domain.AnswerPayload{SDP: "ans"},
	})
	require.Equal(t, domain.CallConnected, m.State())

	// The media path dies underneath the established call.
	engine.onClosed(errors.New("peer connection failed"))

	assert.Equal(t, domain.CallIdle, m.State())
	last := (*changes)[len(*changes)-1]
	assert.Equal(t, domain.CallClosed, last.State)
	assert.Error(t, last.Err)

	// The machine is free for a new attempt.
	require.NoError(t, m.StartCall(context.Background(), "peer-c"))
}

func TestDisplacedEngineFailure_LeavesCurrentSessionAlone(t *testing.T) {
	loserEngine := &fakeEngine{offerSDP: "b-offer"}
	answerEngine := &fakeEngine{answerSDP: "b-answer"}
	engines := []*fakeEngine{loserEngine, answerEngine}
	i := 0
	factory := &fakeFactory{next: func() *fakeEngine { e := engines[i]; i++; return e }}

	sender := &captureSender{}
	m, _ := newTestMachine("peer-b", sender, factory)

	require.NoError(t, m.StartCall(context.Background(), "peer-a"))
	m.HandleEnvelope(context.Background(), domain.Envelope{
		Kind:     domain.KindOffer,
		SenderID: "peer-a",
		SentAt:   1,
		Payload:  domain.OfferPayload{SDP: "a-offer"},
	})
	require.Equal(t, domain.CallAnswering, m.State())

	// The abandoned glare engine failing late must not kill the new session.
	loserEngine.onClosed(errors.New("stale engine failed"))
	assert.Equal(t, domain.CallAnswering, m.State())
	assert.False(t, answerEngine.closed)
}

func TestTransportRecovered_ReemitsQueuedLocalCandidates(t *testing.T) {
	engine := &fakeEngine{offerSDP: "off"}
	sender := &captureSender{}
	m, _ := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))

	// The transport drops; candidate envelopes are refused and queued.
	sender.err = domain.ErrNotConnected
	engine.onCandidate("held-c1")
	engine.onCandidate("held-c2")
	assert.Empty(t, sender.byKind(domain.KindICECandidate))

	sender.err = nil
	m.TransportRecovered()

	cands := sender.byKind(domain.KindICECandidate)
	require.Len(t, cands, 2)
	assert.Equal(t, "held-c1", cands[0].Payload.(domain.CandidatePayload).Candidate)
	assert.Equal(t, "held-c2", cands[1].Payload.(domain.CandidatePayload).Candidate)
	assert.Equal(t, domain.PeerID("peer-b"), cands[0].To)

	// A second recovery has nothing left to emit.
	m.TransportRecovered()
	assert.Len(t, sender.byKind(domain.KindICECandidate), 2)
}

func TestSecondStartCall_FailsWhileCallInProgress(t *testing.T) {
	engine := &fakeEngine{offerSDP: "off"}
	sender := &captureSender{}
	m, _ := newTestMachine("peer-a", sender, singleEngineFactory(engine))

	require.NoError(t, m.StartCall(context.Background(), "peer-b"))
	assert.ErrorIs(t, m.StartCall(context.Background(), "peer-c"), domain.ErrCallInProgress)
}
