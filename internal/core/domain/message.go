package domain

// ChatMessage is one entry in the chat log. ID is assigned by the first
// component to observe the message: the history store id when fetched, or a
// locally generated id for an optimistic send until the relay echo reports
// the persisted id.
type ChatMessage struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
	// SentAt is the total-order key within a chat log, unix milliseconds
	// assigned by the sender.
	SentAt int64 `json:"sent_at"`
	// ClientTag identifies an optimistic send across the echo round trip.
	// Not part of the persisted record's identity.
	ClientTag string `json:"client_tag,omitempty"`
	// Pending marks an optimistic entry not yet confirmed by the relay.
	Pending bool `json:"-"`
}
