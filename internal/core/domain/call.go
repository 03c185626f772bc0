package domain

// CallState is the negotiation state for one peer session.
type CallState string

const (
	CallIdle      CallState = "idle"
	CallOffering  CallState = "offering"
	CallAnswering CallState = "answering"
	CallConnected CallState = "connected"
	CallClosed    CallState = "closed"
)

// PeerSession holds the call-negotiation state for exactly one remote party.
// Owned exclusively by the negotiation state machine; destroyed on hangup,
// error or session teardown.
type PeerSession struct {
	State             CallState
	RemotePeer        PeerID
	LocalDescription  string
	RemoteDescription string
	// PendingRemoteCandidates queues candidates that arrived before the
	// remote description was set. Order of arrival is preserved.
	PendingRemoteCandidates []CandidatePayload
	// PendingLocalCandidates queues locally discovered candidates that could
	// not be emitted yet.
	PendingLocalCandidates []CandidatePayload
}
