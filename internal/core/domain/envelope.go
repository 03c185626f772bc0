package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind tags the message family an envelope belongs to. The kind determines
// the concrete payload type; a decoder rejects envelopes whose payload does
// not match their declared kind.
type Kind string

const (
	KindChat         Kind = "chat"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindPresence     Kind = "presence"
)

// PeerID identifies a participant, stable for the lifetime of its session.
type PeerID string

// RoomID identifies a study-group chat room.
type RoomID string

// Envelope is the unit on the wire. Every websocket frame carries exactly
// one encoded envelope.
type Envelope struct {
	Kind     Kind
	SenderID PeerID
	// To addresses negotiation envelopes at one peer. Empty means the relay
	// picks the counterpart (chat and presence are always broadcast).
	To     PeerID
	SentAt int64
	// Payload holds one of ChatPayload, OfferPayload, AnswerPayload,
	// CandidatePayload or PresencePayload, matching Kind.
	Payload interface{}
}

type ChatPayload struct {
	// ID is assigned by the relay when it first persists the message.
	// Empty on an optimistic outgoing send.
	ID     string `json:"id,omitempty"`
	Author string `json:"author"`
	Text   string `json:"text"`
	// ClientTag is the sender-assigned sequence token that lets the sender
	// recognize its own message when the relay echoes it back.
	ClientTag string `json:"client_tag,omitempty"`
}

type OfferPayload struct {
	SDP string `json:"sdp"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

type PresenceEvent string

const (
	PresenceJoined PresenceEvent = "joined"
	PresenceLeft   PresenceEvent = "left"
)

type PresencePayload struct {
	Event  PresenceEvent `json:"event"`
	PeerID PeerID        `json:"peer_id"`
}

// wireEnvelope is the JSON shape on the wire.
type wireEnvelope struct {
	Kind     Kind            `json:"kind"`
	SenderID PeerID          `json:"sender_id"`
	To       PeerID          `json:"to,omitempty"`
	SentAt   int64           `json:"sent_at"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode serializes an envelope. It fails with ErrPayloadMismatch when the
// payload type does not correspond to the declared kind, so a malformed
// envelope can never be produced locally.
func Encode(env Envelope) ([]byte, error) {
	if err := checkPayloadKind(env); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return json.Marshal(wireEnvelope{
		Kind:     env.Kind,
		SenderID: env.SenderID,
		To:       env.To,
		SentAt:   env.SentAt,
		Payload:  payload,
	})
}

// Decode parses a wire frame into an envelope. Structural failures return
// ErrMalformed, an unrecognized kind returns ErrUnknownKind, and a payload
// whose shape or required fields do not match the kind returns
// ErrPayloadMismatch. Decode(Encode(e)) == e for any well-formed e.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.SenderID == "" {
		return Envelope{}, fmt.Errorf("%w: missing sender_id", ErrMalformed)
	}

	env := Envelope{
		Kind:     wire.Kind,
		SenderID: wire.SenderID,
		To:       wire.To,
		SentAt:   wire.SentAt,
	}

	switch wire.Kind {
	case KindChat:
		var p ChatPayload
		if err := decodePayload(wire.Payload, &p); err != nil {
			return Envelope{}, err
		}
		if p.Author == "" || p.Text == "" {
			return Envelope{}, fmt.Errorf("%w: chat requires author and text", ErrPayloadMismatch)
		}
		env.Payload = p

	case KindOffer:
		var p OfferPayload
		if err := decodePayload(wire.Payload, &p); err != nil {
			return Envelope{}, err
		}
		if p.SDP == "" {
			return Envelope{}, fmt.Errorf("%w: offer requires sdp", ErrPayloadMismatch)
		}
		env.Payload = p

	case KindAnswer:
		var p AnswerPayload
		if err := decodePayload(wire.Payload, &p); err != nil {
			return Envelope{}, err
		}
		if p.SDP == "" {
			return Envelope{}, fmt.Errorf("%w: answer requires sdp", ErrPayloadMismatch)
		}
		env.Payload = p

	case KindICECandidate:
		var p CandidatePayload
		if err := decodePayload(wire.Payload, &p); err != nil {
			return Envelope{}, err
		}
		if p.Candidate == "" {
			return Envelope{}, fmt.Errorf("%w: ice-candidate requires candidate", ErrPayloadMismatch)
		}
		env.Payload = p

	case KindPresence:
		var p PresencePayload
		if err := decodePayload(wire.Payload, &p); err != nil {
			return Envelope{}, err
		}
		if p.PeerID == "" || (p.Event != PresenceJoined && p.Event != PresenceLeft) {
			return Envelope{}, fmt.Errorf("%w: presence requires peer_id and a known event", ErrPayloadMismatch)
		}
		env.Payload = p

	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, wire.Kind)
	}

	return env, nil
}

// decodePayload unmarshals strictly so extra fields from a mislabeled
// payload are rejected instead of silently dropped.
func decodePayload(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrPayloadMismatch)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
	}
	return nil
}

func checkPayloadKind(env Envelope) error {
	var ok bool
	switch env.Kind {
	case KindChat:
		_, ok = env.Payload.(ChatPayload)
	case KindOffer:
		_, ok = env.Payload.(OfferPayload)
	case KindAnswer:
		_, ok = env.Payload.(AnswerPayload)
	case KindICECandidate:
		_, ok = env.Payload.(CandidatePayload)
	case KindPresence:
		_, ok = env.Payload.(PresencePayload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %T for kind %q", ErrPayloadMismatch, env.Payload, env.Kind)
	}
	return nil
}
