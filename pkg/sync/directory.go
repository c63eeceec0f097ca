package sync

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	gosync "sync"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/utils"
)

// DefaultSelfChatText seeds the last-message summary of a fresh self-chat.
const DefaultSelfChatText = "Send a message to yourself"

// DirectoryState is one published view of a user's conversation list.
// Each state replaces the previous one entirely.
type DirectoryState struct {
	Loading       bool                  `json:"loading"`
	Conversations []models.Conversation `json:"conversations"`
	Err           string                `json:"error,omitempty"`
}

// Directory maintains a live, recency-ordered list of the conversations a
// user participates in. At most one subscription is active at a time;
// subscribing again closes the previous one first.
type Directory struct {
	st *store.Store

	mu       gosync.Mutex
	sub      *Subscription
	pumpDone chan struct{}
	userID   string
	last     []models.Conversation
	closed   bool

	updates chan DirectoryState
}

// NewDirectory returns a directory publishing states on Updates.
func NewDirectory(st *store.Store) *Directory {
	return &Directory{st: st, updates: make(chan DirectoryState, 16)}
}

// Updates returns the state stream. Each delivered state replaces the
// previous one; stale states are dropped when the consumer lags.
func (d *Directory) Updates() <-chan DirectoryState { return d.updates }

// Subscribe opens a live subscription for userID's conversations, filtered
// by participation and ordered by last-message time descending (ties by id
// for determinism). Any existing subscription is closed first. A state
// with Loading set is published immediately; Loading clears on the first
// snapshot or error.
func (d *Directory) Subscribe(ctx context.Context, userID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	old, oldDone := d.detachLocked()
	d.userID = userID
	d.publishLocked(DirectoryState{Loading: true, Conversations: d.last})

	q := Query{
		Collection: store.ConversationsCollection,
		List:       d.st.ListConversations,
		Filter: func(r store.Record) bool {
			var c models.Conversation
			if err := json.Unmarshal(r.Data, &c); err != nil {
				return false
			}
			return c.HasParticipant(userID)
		},
	}
	sub := Open(ctx, d.st, q)
	done := make(chan struct{})
	d.sub = sub
	d.pumpDone = done
	d.mu.Unlock()

	drain(old, oldDone)
	go d.pump(sub, done)
}

func (d *Directory) pump(sub *Subscription, done chan struct{}) {
	defer close(done)
	first := true
	for snap := range sub.C {
		d.mu.Lock()
		if d.sub != sub {
			// replaced while this delivery was in flight; discard
			d.mu.Unlock()
			return
		}
		if snap.Err != nil {
			if first {
				d.last = nil
			}
			d.publishLocked(DirectoryState{Conversations: d.last, Err: snap.Err.Error()})
		} else {
			convs := decodeConversations(snap.Records)
			sortConversations(convs)
			d.last = convs
			d.publishLocked(DirectoryState{Conversations: convs})
		}
		first = false
		d.mu.Unlock()
	}
}

// List returns a one-shot snapshot of userID's conversations with the same
// filter and ordering the live subscription uses.
func (d *Directory) List(userID string) ([]models.Conversation, error) {
	recs, err := d.st.ListConversations()
	if err != nil {
		return nil, err
	}
	var out []models.Conversation
	for _, r := range recs {
		var c models.Conversation
		if err := json.Unmarshal(r.Data, &c); err != nil {
			telemetry.DecodeDrops.Inc()
			logger.Warn("conversation_decode_dropped", "key", r.Key, "error", err)
			continue
		}
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sortConversations(out)
	return out, nil
}

// CreateSelfChat creates the user's notes-to-self conversation if it does
// not exist yet. Calling it again is a no-op. The check-then-create pair
// is not atomic; two racing calls can still create duplicates.
func (d *Directory) CreateSelfChat(userID string) (models.Conversation, error) {
	existing, found, err := d.st.FindSelfChat(userID)
	if err != nil {
		return models.Conversation{}, err
	}
	if found {
		return existing, nil
	}
	now := time.Now().UTC().UnixNano()
	c := models.Conversation{
		ID:              utils.GenConvID(),
		ParticipantIDs:  []string{userID, userID},
		LastMessageText: DefaultSelfChatText,
		LastMessageTS:   now,
		IsSelfChat:      true,
		CreatedTS:       now,
	}
	if err := d.st.SaveConversation(c); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// CreateDirect finds or creates the two-party conversation between userID
// and peerID. The second return value reports whether a new conversation
// was created. A peer equal to the caller resolves to the self-chat.
func (d *Directory) CreateDirect(userID, peerID string) (models.Conversation, bool, error) {
	if peerID == userID {
		c, err := d.CreateSelfChat(userID)
		return c, false, err
	}
	existing, found, err := d.st.FindDirect(userID, peerID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	if found {
		return existing, false, nil
	}
	now := time.Now().UTC().UnixNano()
	c := models.Conversation{
		ID:             utils.GenConvID(),
		ParticipantIDs: []string{userID, peerID},
		LastMessageTS:  now,
		CreatedTS:      now,
	}
	if err := d.st.SaveConversation(c); err != nil {
		return models.Conversation{}, false, err
	}
	return c, true, nil
}

// Close tears down the live subscription and the update stream. Safe to
// call more than once.
func (d *Directory) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	old, oldDone := d.detachLocked()
	close(d.updates)
	d.mu.Unlock()

	drain(old, oldDone)
}

// detachLocked removes the current subscription without draining it. The
// caller drains after releasing the lock; anything the old pump delivers
// in the meantime is discarded by its ownership check.
func (d *Directory) detachLocked() (*Subscription, chan struct{}) {
	sub, done := d.sub, d.pumpDone
	d.sub = nil
	d.pumpDone = nil
	return sub, done
}

// drain closes a detached subscription and waits for its pump to exit.
// Must not be called with the owner's lock held.
func drain(sub *Subscription, done chan struct{}) {
	if sub == nil {
		return
	}
	sub.Close()
	<-done
}

// publishLocked pushes a state, dropping the oldest pending one when the
// consumer lags. The latest state always wins.
func (d *Directory) publishLocked(s DirectoryState) {
	for {
		select {
		case d.updates <- s:
			return
		default:
			select {
			case <-d.updates:
			default:
			}
		}
	}
}

func decodeConversations(recs []store.Record) []models.Conversation {
	out := make([]models.Conversation, 0, len(recs))
	for _, r := range recs {
		var c models.Conversation
		if err := json.Unmarshal(r.Data, &c); err != nil {
			telemetry.DecodeDrops.Inc()
			logger.Warn("conversation_decode_dropped", "key", r.Key, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out
}

// sortConversations orders by last-message time descending, breaking ties
// by id ascending so snapshots are reproducible.
func sortConversations(convs []models.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].LastMessageTS != convs[j].LastMessageTS {
			return convs[i].LastMessageTS > convs[j].LastMessageTS
		}
		return convs[i].ID < convs[j].ID
	})
}
