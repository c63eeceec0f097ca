package sync

import (
	"context"
	"encoding/json"

	gosync "sync"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/validation"
)

// ReadPolicy is invoked after each published message snapshot so an
// implementation can flip read flags for the viewing user. The default is
// nil: no messages are marked. Intended semantics (mark all vs. visible
// only, on open vs. on scroll) are left to the caller.
type ReadPolicy func(conversationID string)

// MessageLogState is one published view of a conversation's message list,
// oldest first. Each state replaces the previous one entirely.
type MessageLogState struct {
	ConversationID string           `json:"conversation_id,omitempty"`
	Loading        bool             `json:"loading"`
	Messages       []models.Message `json:"messages"`
	Err            string           `json:"error,omitempty"`
}

// MessageLog maintains a live, append-ordered view of one conversation's
// messages. At most one subscription is active at a time; subscribing to
// another conversation closes the previous one first.
type MessageLog struct {
	st     *store.Store
	policy ReadPolicy

	mu       gosync.Mutex
	sub      *Subscription
	pumpDone chan struct{}
	last     []models.Message
	closed   bool

	updates chan MessageLogState
}

// NewMessageLog returns a message log publishing states on Updates.
func NewMessageLog(st *store.Store) *MessageLog {
	return &MessageLog{st: st, updates: make(chan MessageLogState, 16)}
}

// SetReadPolicy installs the mark-as-read hook. Passing nil disables it.
func (l *MessageLog) SetReadPolicy(p ReadPolicy) {
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
}

// Updates returns the state stream. Stale states are dropped when the
// consumer lags; the latest always wins.
func (l *MessageLog) Updates() <-chan MessageLogState { return l.updates }

// Subscribe opens a live subscription on the conversation's message log,
// ordered by timestamp ascending. Any existing subscription is closed
// first. A state with Loading set is published immediately; Loading clears
// on the first snapshot or error.
func (l *MessageLog) Subscribe(ctx context.Context, conversationID string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	old, oldDone := l.detachLocked()
	l.publishLocked(MessageLogState{ConversationID: conversationID, Loading: true, Messages: l.last})

	q := Query{
		Collection: store.MessagesCollection(conversationID),
		List: func() ([]store.Record, error) {
			return l.st.ListMessages(conversationID)
		},
	}
	sub := Open(ctx, l.st, q)
	done := make(chan struct{})
	l.sub = sub
	l.pumpDone = done
	l.mu.Unlock()

	drain(old, oldDone)
	go l.pump(sub, done, conversationID)
}

func (l *MessageLog) pump(sub *Subscription, done chan struct{}, conversationID string) {
	defer close(done)
	first := true
	for snap := range sub.C {
		l.mu.Lock()
		if l.sub != sub {
			l.mu.Unlock()
			return
		}
		var policy ReadPolicy
		if snap.Err != nil {
			if first {
				l.last = nil
			}
			l.publishLocked(MessageLogState{ConversationID: conversationID, Messages: l.last, Err: snap.Err.Error()})
		} else {
			msgs := decodeMessages(snap.Records)
			l.last = msgs
			l.publishLocked(MessageLogState{ConversationID: conversationID, Messages: msgs})
			policy = l.policy
		}
		first = false
		l.mu.Unlock()

		if policy != nil {
			policy(conversationID)
		}
	}
}

// Append validates the text, then inserts the message and the parent
// conversation's summary update as one atomic unit. Whitespace-only text
// is rejected before any write. The returned message carries the
// server-assigned id and timestamp.
func (l *MessageLog) Append(text, senderID, conversationID string) (models.Message, error) {
	if err := validation.ValidateMessageText(text); err != nil {
		telemetry.AppendsTotal.WithLabelValues("rejected").Inc()
		return models.Message{}, err
	}
	m, err := l.st.AppendMessage(conversationID, models.Message{
		SenderID: senderID,
		Text:     text,
	})
	if err != nil {
		telemetry.AppendsTotal.WithLabelValues("error").Inc()
		logger.Error("append_failed", "conversation", conversationID, "error", err)
		return models.Message{}, err
	}
	telemetry.AppendsTotal.WithLabelValues("ok").Inc()
	return m, nil
}

// List returns a one-shot snapshot of the conversation's messages, oldest
// first, with per-record decode drops.
func (l *MessageLog) List(conversationID string) ([]models.Message, error) {
	recs, err := l.st.ListMessages(conversationID)
	if err != nil {
		return nil, err
	}
	return decodeMessages(recs), nil
}

// Close tears down the live subscription and the update stream. Safe to
// call more than once.
func (l *MessageLog) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	old, oldDone := l.detachLocked()
	close(l.updates)
	l.mu.Unlock()

	drain(old, oldDone)
}

// detachLocked removes the current subscription without draining it; see
// Directory.detachLocked.
func (l *MessageLog) detachLocked() (*Subscription, chan struct{}) {
	sub, done := l.sub, l.pumpDone
	l.sub = nil
	l.pumpDone = nil
	return sub, done
}

func (l *MessageLog) publishLocked(s MessageLogState) {
	for {
		select {
		case l.updates <- s:
			return
		default:
			select {
			case <-l.updates:
			default:
			}
		}
	}
}

func decodeMessages(recs []store.Record) []models.Message {
	out := make([]models.Message, 0, len(recs))
	for _, r := range recs {
		var m models.Message
		if err := json.Unmarshal(r.Data, &m); err != nil {
			telemetry.DecodeDrops.Inc()
			logger.Warn("message_decode_dropped", "key", r.Key, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}
