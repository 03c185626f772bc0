package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config carries the media-stack settings for peer connections.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// PLIInterval is how often a keyframe is requested from the remote
	// video sender while a track is live.
	PLIInterval time.Duration
}

// Factory builds one Engine per call attempt.
type Factory struct {
	config Config
	logger *zap.SugaredLogger
}

func NewFactory(config Config, logger *zap.SugaredLogger) *Factory {
	if config.PLIInterval <= 0 {
		config.PLIInterval = 3 * time.Second
	}
	return &Factory{config: config, logger: logger}
}

// NewEngine creates a peer connection with local audio and video sources
// attached. Failure here means media is unavailable on this host.
func (f *Factory) NewEngine(ctx context.Context) (ports.MediaEngine, error) {
	pc, err := f.createPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	e := &Engine{
		pc:          pc,
		pliInterval: f.config.PLIInterval,
		logger:      f.logger,
		done:        make(chan struct{}),
	}

	if err := e.attachLocalTracks(); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(e.handleLocalCandidate)
	pc.OnConnectionStateChange(e.handleConnectionState)
	pc.OnTrack(e.handleRemoteTrack)

	return e, nil
}

// createPeerConnection creates a new WebRTC connection
func (f *Factory) createPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// Engine drives one peer connection through a single offer/answer cycle.
// Descriptions travel as raw SDP; candidates travel as the JSON form of
// ICECandidateInit so trickle metadata survives the wire.
type Engine struct {
	pc          *webrtc.PeerConnection
	pliInterval time.Duration
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	onCandidate func(string)
	onConnected func()
	onClosed    func(error)
	closed      bool

	done chan struct{}
}

func (e *Engine) attachLocalTracks() error {
	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"studychat-audio",
	)
	if err != nil {
		return err
	}
	if _, err := e.pc.AddTrack(audioTrack); err != nil {
		return err
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"studychat-video",
	)
	if err != nil {
		return err
	}
	if _, err := e.pc.AddTrack(videoTrack); err != nil {
		return err
	}
	return nil
}

func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	return offer.SDP, nil
}

func (e *Engine) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidCallState, err)
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	return answer.SDP, nil
}

func (e *Engine) AcceptAnswer(ctx context.Context, sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCallState, err)
	}
	return nil
}

func (e *Engine) AddRemoteCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		// Bare candidate-attribute form, not the JSON envelope.
		init = webrtc.ICECandidateInit{Candidate: candidate}
	}
	return e.pc.AddICECandidate(init)
}

func (e *Engine) OnLocalCandidate(fn func(candidate string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

func (e *Engine) OnConnected(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnected = fn
}

func (e *Engine) OnClosed(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClosed = fn
}

// Close releases the peer connection. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	return e.pc.Close()
}

func (e *Engine) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		// End of gathering.
		return
	}

	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		e.logger.Warnw("failed to encode local candidate", "error", err)
		return
	}

	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(string(raw))
	}
}

func (e *Engine) handleConnectionState(state webrtc.PeerConnectionState) {
	e.logger.Infow("peer connection state changed", "connection_state", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		e.mu.Lock()
		fn := e.onConnected
		e.mu.Unlock()
		if fn != nil {
			fn()
		}
	case webrtc.PeerConnectionStateFailed:
		e.mu.Lock()
		alreadyClosed := e.closed
		fn := e.onClosed
		e.mu.Unlock()

		e.Close()
		// An explicit Close races here; the caller that closed first has
		// already torn the session down and must not hear about it again.
		if !alreadyClosed && fn != nil {
			fn(fmt.Errorf("%w: peer connection failed", domain.ErrMediaUnavailable))
		}
	}
}

// handleRemoteTrack drains an incoming track and, for video, asks the remote
// sender for periodic keyframes so a mid-stream joiner can render promptly.
func (e *Engine) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	e.logger.Infow("remote track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go e.requestKeyframes(track)
	}

	go e.drainTrack(track)
}

func (e *Engine) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(e.pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			err := e.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				e.logger.Debugw("failed to send PLI", "track_id", track.ID(), "error", err)
				return
			}
		}
	}
}

func (e *Engine) drainTrack(track *webrtc.TrackRemote) {
	packetBuffer := make([]byte, 1500) // MTU size
	rtpPacket := &rtp.Packet{}
	packetCount := 0

	for {
		n, _, err := track.Read(packetBuffer)
		if err != nil {
			e.logger.Debugw("track drained",
				"track_id", track.ID(),
				"packets", packetCount,
				"error", err,
			)
			return
		}

		if err := rtpPacket.Unmarshal(packetBuffer[:n]); err != nil {
			e.logger.Warnw("error unmarshaling RTP packet",
				"track_id", track.ID(),
				"error", err,
			)
			continue
		}

		packetCount++
		if packetCount%500 == 0 {
			e.logger.Debugw("receiving media",
				"track_id", track.ID(),
				"sequence", rtpPacket.SequenceNumber,
				"packets", packetCount,
			)
		}
	}
}
