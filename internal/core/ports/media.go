package ports

import "context"

// MediaEngine drives the out-of-band media channel for one call attempt.
// Session descriptions and candidates are carried as opaque strings; their
// contents belong to the media stack, not to signaling.
type MediaEngine interface {
	// CreateOffer begins local capture and returns the local description.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer adopts a remote offer, begins local capture and returns
	// the local answer description.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	// AcceptAnswer adopts the remote answer to a previously created offer.
	AcceptAnswer(ctx context.Context, sdp string) error
	// AddRemoteCandidate applies one remote ICE candidate. Callers must not
	// invoke it before a remote description has been adopted.
	AddRemoteCandidate(candidate string) error
	// OnLocalCandidate registers the callback invoked for each locally
	// discovered ICE candidate, in discovery order.
	OnLocalCandidate(fn func(candidate string))
	// OnConnected registers the callback invoked once the media path is up.
	OnConnected(fn func())
	// OnClosed registers the callback invoked when the media path fails or
	// closes on its own. It is not invoked for an explicit Close.
	OnClosed(fn func(err error))
	// Close releases local capture and the peer connection. Idempotent.
	Close() error
}

// MediaEngineFactory creates one engine per call attempt.
type MediaEngineFactory interface {
	NewEngine(ctx context.Context) (MediaEngine, error)
}
