package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

var (
	// ErrNotOpen is returned when a method is called before Open.
	ErrNotOpen = errors.New("store not opened")
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrUserExists is returned by SaveCredentials for a taken username.
	ErrUserExists = errors.New("username already exists")
)

// Record is a raw stored document. Consumers decode it themselves so a
// single malformed record can be dropped without failing a whole listing.
type Record struct {
	Key  string
	Data []byte
}

// Credentials is the private sign-in record kept separate from the user
// profile document.
type Credentials struct {
	UserID       string `json:"user_id"`
	PasswordHash string `json:"password_hash"`
}

// Store is a Pebble-backed document store for conversations, messages and
// user profiles. All mutations go through write batches and fan out change
// ticks to registered watchers, which is what the live subscriptions are
// built on. Pebble serializes writes per key, so no additional locking is
// needed beyond the watcher registry's own mutex.
type Store struct {
	db       *pebble.DB
	path     string
	seq      uint64
	watchers *watchRegistry
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{db: db, path: path, watchers: newWatchRegistry()}, nil
}

// Close closes the underlying DB. Safe to call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// Watch registers a change watcher for the given key prefix. The caller
// must Close the watcher when done.
func (s *Store) Watch(prefix string) *Watcher {
	return s.watchers.add(prefix)
}

func (s *Store) get(key string, v interface{}) error {
	if s.db == nil {
		return ErrNotOpen
	}
	raw, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(raw, v)
}

func (s *Store) set(key string, v interface{}) error {
	if s.db == nil {
		return ErrNotOpen
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("store_set_failed", "key", key, "error", err)
		return err
	}
	s.watchers.notify(key)
	return nil
}

func (s *Store) listPrefix(prefix string, keep func(key string) bool, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	pfx := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Record
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		k := string(iter.Key())
		if keep != nil && !keep(k) {
			continue
		}
		v := append([]byte(nil), iter.Value()...)
		out = append(out, Record{Key: k, Data: v})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// SaveConversation writes a conversation metadata document.
func (s *Store) SaveConversation(c models.Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation id is empty")
	}
	if err := s.set(convMetaKey(c.ID), c); err != nil {
		return err
	}
	logger.Info("conversation_saved", "conversation", c.ID, "self_chat", c.IsSelfChat)
	return nil
}

// GetConversation loads a conversation metadata document.
func (s *Store) GetConversation(id string) (models.Conversation, error) {
	var c models.Conversation
	if err := s.get(convMetaKey(id), &c); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// ListConversations returns the raw metadata records of every stored
// conversation. Filtering by participant is done by the caller; this keeps
// single-record decode failures survivable.
func (s *Store) ListConversations() ([]Record, error) {
	return s.listPrefix(convPrefix, func(k string) bool {
		return len(k) > 5 && k[len(k)-5:] == ":meta"
	}, 0)
}

// FindSelfChat performs the exact equality query used by self-chat
// creation: participant_ids == [userID, userID] and is_self_chat == true.
func (s *Store) FindSelfChat(userID string) (models.Conversation, bool, error) {
	recs, err := s.ListConversations()
	if err != nil {
		return models.Conversation{}, false, err
	}
	for _, r := range recs {
		var c models.Conversation
		if err := json.Unmarshal(r.Data, &c); err != nil {
			continue
		}
		if !c.IsSelfChat || len(c.ParticipantIDs) != 2 {
			continue
		}
		if c.ParticipantIDs[0] == userID && c.ParticipantIDs[1] == userID {
			return c, true, nil
		}
	}
	return models.Conversation{}, false, nil
}

// FindDirect looks up an existing two-party conversation between a and b.
func (s *Store) FindDirect(a, b string) (models.Conversation, bool, error) {
	recs, err := s.ListConversations()
	if err != nil {
		return models.Conversation{}, false, err
	}
	for _, r := range recs {
		var c models.Conversation
		if err := json.Unmarshal(r.Data, &c); err != nil {
			continue
		}
		if c.IsSelfChat || len(c.ParticipantIDs) != 2 {
			continue
		}
		if (c.ParticipantIDs[0] == a && c.ParticipantIDs[1] == b) ||
			(c.ParticipantIDs[0] == b && c.ParticipantIDs[1] == a) {
			return c, true, nil
		}
	}
	return models.Conversation{}, false, nil
}

// AppendMessage inserts a message and updates the parent conversation's
// last-message summary in one atomic write batch. Both land or neither
// does. The message gets a server-assigned timestamp; the per-process
// sequence keeps key order stable when appends share a nanosecond.
func (s *Store) AppendMessage(convID string, m models.Message) (models.Message, error) {
	if s.db == nil {
		return models.Message{}, ErrNotOpen
	}
	meta, err := s.GetConversation(convID)
	if err != nil {
		return models.Message{}, fmt.Errorf("conversation %s: %w", convID, err)
	}

	ts := time.Now().UTC().UnixNano()
	seq := atomic.AddUint64(&s.seq, 1)
	m.ConversationID = convID
	m.TS = ts
	m.IsRead = false
	if m.ID == "" {
		m.ID = fmt.Sprintf("m-%d-%06d", ts, seq)
	}
	meta.LastMessageText = m.Text
	meta.LastMessageTS = ts

	msgData, err := json.Marshal(m)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal conversation: %w", err)
	}

	mk := msgKey(convID, ts, seq)
	ck := convMetaKey(convID)
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set([]byte(mk), msgData, nil)
	_ = b.Set([]byte(ck), metaData, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("append_message_failed", "conversation", convID, "error", err)
		return models.Message{}, err
	}
	s.watchers.notify(mk, ck)
	logger.Info("message_appended", "conversation", convID, "id", m.ID)
	return m, nil
}

// ListMessages returns the raw message records of a conversation in key
// order, which is timestamp order, oldest first.
func (s *Store) ListMessages(convID string, limit ...int) ([]Record, error) {
	max := 0
	if len(limit) > 0 {
		max = limit[0]
	}
	return s.listPrefix(convMsgPrefix(convID), nil, max)
}

// MarkMessagesRead flips IsRead on every message in the conversation not
// sent by readerID, in a single batch. The transition is one-way.
func (s *Store) MarkMessagesRead(convID, readerID string) error {
	if s.db == nil {
		return ErrNotOpen
	}
	recs, err := s.ListMessages(convID)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	var touched []string
	for _, r := range recs {
		var m models.Message
		if err := json.Unmarshal(r.Data, &m); err != nil {
			continue
		}
		if m.IsRead || m.SenderID == readerID {
			continue
		}
		m.IsRead = true
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		_ = b.Set([]byte(r.Key), data, nil)
		touched = append(touched, r.Key)
	}
	if len(touched) == 0 {
		return nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("mark_read_failed", "conversation", convID, "error", err)
		return err
	}
	s.watchers.notify(touched...)
	return nil
}

// SaveUser writes a user profile document.
func (s *Store) SaveUser(u models.User) error {
	if u.ID == "" {
		return fmt.Errorf("user id is empty")
	}
	return s.set(userKey(u.ID), u)
}

// GetUser loads a user profile document.
func (s *Store) GetUser(id string) (models.User, error) {
	var u models.User
	if err := s.get(userKey(id), &u); err != nil {
		return models.User{}, err
	}
	return u, nil
}

// SetDeviceToken persists a push-notification token on the user profile.
func (s *Store) SetDeviceToken(userID, token string) error {
	u, err := s.GetUser(userID)
	if err != nil {
		return err
	}
	u.DeviceToken = token
	return s.SaveUser(u)
}

// TouchLastSeen updates the user's last-seen timestamp.
func (s *Store) TouchLastSeen(userID string, ts int64) error {
	u, err := s.GetUser(userID)
	if err != nil {
		return err
	}
	u.LastSeen = ts
	return s.SaveUser(u)
}

// SaveCredentials stores a sign-in record keyed by username. It fails if
// the username is already taken.
func (s *Store) SaveCredentials(username string, c Credentials) error {
	if s.db == nil {
		return ErrNotOpen
	}
	var existing Credentials
	err := s.get(credKey(username), &existing)
	if err == nil {
		return ErrUserExists
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.set(credKey(username), c)
}

// GetCredentials loads the sign-in record for a username.
func (s *Store) GetCredentials(username string) (Credentials, error) {
	var c Credentials
	if err := s.get(credKey(username), &c); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// RevokeToken records a signed-out token id until its expiry so it cannot
// be replayed.
func (s *Store) RevokeToken(tokenID string, expiresAt int64) error {
	return s.set(RevokedTokenKey(tokenID), expiresAt)
}

// IsTokenRevoked reports whether the token id has been signed out.
func (s *Store) IsTokenRevoked(tokenID string) (bool, error) {
	var exp int64
	err := s.get(RevokedTokenKey(tokenID), &exp)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpiredRevocations deletes revocation records whose expiry has
// passed. It returns the number of records removed.
func (s *Store) PurgeExpiredRevocations(now int64) (int, error) {
	recs, err := s.listPrefix(revokedPrefix, nil, 0)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, r := range recs {
		var exp int64
		if err := json.Unmarshal(r.Data, &exp); err != nil {
			continue
		}
		if exp >= now {
			continue
		}
		if err := s.db.Delete([]byte(r.Key), pebble.Sync); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		logger.Info("revocations_purged", "count", purged)
	}
	return purged, nil
}
