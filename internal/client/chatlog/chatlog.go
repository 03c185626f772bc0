package chatlog

import (
	"fmt"
	"sort"
	"sync"

	"studychat/internal/core/domain"
	"studychat/internal/core/ports"
	"studychat/pkg/utils"
	"studychat/pkg/validation"

	"go.uber.org/zap"
)

// Event notifies subscribers of one log mutation. Scrolling or any other
// presentation behavior is entirely the consumer's decision.
type Event struct {
	Message domain.ChatMessage
	// Replaced is true when an optimistic entry was confirmed in place
	// rather than a new entry appended.
	Replaced bool
}

// Log is the single source of truth for displayed messages: an ordered,
// de-duplicated, append-only sequence keyed by SentAt. The same merge is
// applied to fetched history and to live envelopes, so the result is
// independent of which arrives first.
type Log struct {
	mu       sync.Mutex
	messages []domain.ChatMessage
	ids      map[string]int // id -> index in messages

	sender ports.EnvelopeSender
	self   domain.PeerID
	logger *zap.SugaredLogger

	subs   map[int]chan Event
	nextID int
}

func New(sender ports.EnvelopeSender, self domain.PeerID, logger *zap.SugaredLogger) *Log {
	return &Log{
		ids:    make(map[string]int),
		sender: sender,
		self:   self,
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// SendChat validates input, appends an optimistic entry and emits a chat
// envelope. Empty author or text fails with domain.ErrEmptyInput before any
// network call. A send refused by the transport (for example while
// disconnected) leaves the log unchanged: a guaranteed-failed send gets no
// optimistic append.
func (l *Log) SendChat(author, text string) (domain.ChatMessage, error) {
	if err := validation.ValidateAuthor(author); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", domain.ErrEmptyInput, err)
	}
	if err := validation.ValidateText(text); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", domain.ErrEmptyInput, err)
	}

	msg := domain.ChatMessage{
		ID:        utils.NewLocalMessageID(),
		Author:    author,
		Text:      text,
		SentAt:    utils.NowMillis(),
		ClientTag: utils.NewClientTag(),
		Pending:   true,
	}

	err := l.sender.Send(domain.Envelope{
		Kind:     domain.KindChat,
		SenderID: l.self,
		SentAt:   msg.SentAt,
		Payload: domain.ChatPayload{
			Author:    msg.Author,
			Text:      msg.Text,
			ClientTag: msg.ClientTag,
		},
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}

	l.mu.Lock()
	ev := l.mergeLocked(msg)
	l.mu.Unlock()
	l.notify(ev)

	return msg, nil
}

// Seed merges a fetched history into the log. The store is expected to
// return messages ordered by SentAt, but the log sorts defensively rather
// than depending on that. Safe to call at any point relative to live
// deliveries, and repeatable: merging the same history twice is a no-op.
func (l *Log) Seed(history []domain.ChatMessage) {
	sorted := make([]domain.ChatMessage, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SentAt < sorted[j].SentAt })

	var events []Event
	l.mu.Lock()
	for _, msg := range sorted {
		if ev, merged := l.mergeDedup(msg); merged {
			events = append(events, ev)
		}
	}
	l.mu.Unlock()

	for _, ev := range events {
		l.notify(ev)
	}
}

// Apply merges one live chat message, typically decoded from an incoming
// envelope. Duplicates (reconnect replay) are discarded; an echo of a local
// optimistic send replaces the optimistic entry in place.
func (l *Log) Apply(msg domain.ChatMessage) {
	l.mu.Lock()
	ev, merged := l.mergeDedup(msg)
	l.mu.Unlock()
	if merged {
		l.notify(ev)
	}
}

// ApplyEnvelope merges the chat payload of an envelope.
func (l *Log) ApplyEnvelope(env domain.Envelope) {
	p, ok := env.Payload.(domain.ChatPayload)
	if !ok {
		return
	}
	l.Apply(domain.ChatMessage{
		ID:        p.ID,
		Author:    p.Author,
		Text:      p.Text,
		SentAt:    env.SentAt,
		ClientTag: p.ClientTag,
	})
}

// Snapshot returns the current ordered log.
func (l *Log) Snapshot() []domain.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// Subscribe returns a channel of append/replace events and a cancel
// function. The channel reflects mutations after the subscription; use
// Snapshot for the state at subscription time.
func (l *Log) Subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	ch := make(chan Event, 64)
	l.subs[id] = ch

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
	}
}

// mergeDedup applies the reconciliation rules for a non-local message:
// replace a matching optimistic entry in place, discard a duplicate id,
// otherwise insert in order.
func (l *Log) mergeDedup(msg domain.ChatMessage) (Event, bool) {
	// An optimistic local entry has no server id yet, so the echo is
	// matched by author + text + client tag instead.
	if msg.ClientTag != "" {
		for i := range l.messages {
			m := &l.messages[i]
			if m.Pending && m.ClientTag == msg.ClientTag && m.Author == msg.Author && m.Text == msg.Text {
				delete(l.ids, m.ID)
				m.ID = msg.ID
				m.Pending = false
				if msg.ID != "" {
					l.ids[msg.ID] = i
				}
				return Event{Message: *m, Replaced: true}, true
			}
		}
	}

	if msg.ID != "" {
		if _, dup := l.ids[msg.ID]; dup {
			return Event{}, false
		}
	}

	ev := l.mergeLocked(msg)
	return ev, true
}

// mergeLocked inserts msg preserving SentAt order; equal keys keep arrival
// order.
func (l *Log) mergeLocked(msg domain.ChatMessage) Event {
	pos := sort.Search(len(l.messages), func(i int) bool { return l.messages[i].SentAt > msg.SentAt })

	l.messages = append(l.messages, domain.ChatMessage{})
	copy(l.messages[pos+1:], l.messages[pos:])
	l.messages[pos] = msg

	for i := pos; i < len(l.messages); i++ {
		l.ids[l.messages[i].ID] = i
	}

	return Event{Message: msg}
}

func (l *Log) notify(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber loses a notification; Snapshot recovers.
		}
	}
}
