package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	gosync "sync"

	"github.com/stretchr/testify/require"

	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

func recvDirectoryState(t *testing.T, d *Directory) DirectoryState {
	t.Helper()
	select {
	case s, ok := <-d.Updates():
		require.True(t, ok, "directory update stream closed unexpectedly")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for directory state")
		return DirectoryState{}
	}
}

// waitDirectoryState reads states until pred matches or the timeout hits.
// Intermediate states may be coalesced away, so tests assert on the state
// they are waiting for rather than on exact delivery counts.
func waitDirectoryState(t *testing.T, d *Directory, pred func(DirectoryState) bool) DirectoryState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-d.Updates():
			require.True(t, ok, "directory update stream closed unexpectedly")
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching directory state")
		}
	}
}

func TestDirectorySubscribePublishesLoadingThenSnapshot(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveConversation(models.Conversation{ID: "c-1", ParticipantIDs: []string{"alice", "bob"}}))

	d := NewDirectory(st)
	defer d.Close()
	d.Subscribe(context.Background(), "alice")

	first := recvDirectoryState(t, d)
	require.True(t, first.Loading)

	s := waitDirectoryState(t, d, func(s DirectoryState) bool { return !s.Loading })
	require.Empty(t, s.Err)
	require.Len(t, s.Conversations, 1)
	require.Equal(t, "c-1", s.Conversations[0].ID)
}

func TestDirectoryFiltersByParticipant(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveConversation(models.Conversation{ID: "c-1", ParticipantIDs: []string{"alice", "bob"}}))
	require.NoError(t, st.SaveConversation(models.Conversation{ID: "c-2", ParticipantIDs: []string{"carol", "dave"}}))

	d := NewDirectory(st)
	defer d.Close()

	convs, err := d.List("alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "c-1", convs[0].ID)
}

func TestDirectoryOrdering(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveConversation(models.Conversation{
		ID: "c-old", ParticipantIDs: []string{"alice", "bob"}, LastMessageTS: 100,
	}))
	require.NoError(t, st.SaveConversation(models.Conversation{
		ID: "c-new", ParticipantIDs: []string{"alice", "carol"}, LastMessageTS: 300,
	}))
	// tie on timestamp, broken by id ascending
	require.NoError(t, st.SaveConversation(models.Conversation{
		ID: "c-tie-b", ParticipantIDs: []string{"alice", "dave"}, LastMessageTS: 200,
	}))
	require.NoError(t, st.SaveConversation(models.Conversation{
		ID: "c-tie-a", ParticipantIDs: []string{"alice", "erin"}, LastMessageTS: 200,
	}))

	d := NewDirectory(st)
	defer d.Close()

	convs, err := d.List("alice")
	require.NoError(t, err)
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	require.Equal(t, []string{"c-new", "c-tie-a", "c-tie-b", "c-old"}, ids)
}

func TestDirectoryLiveReorderOnAppend(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveConversation(models.Conversation{
		ID: "c-1", ParticipantIDs: []string{"alice", "bob"}, LastMessageTS: 100,
	}))
	require.NoError(t, st.SaveConversation(models.Conversation{
		ID: "c-2", ParticipantIDs: []string{"alice", "carol"}, LastMessageTS: 200,
	}))

	d := NewDirectory(st)
	defer d.Close()
	d.Subscribe(context.Background(), "alice")
	waitDirectoryState(t, d, func(s DirectoryState) bool {
		return !s.Loading && len(s.Conversations) == 2 && s.Conversations[0].ID == "c-2"
	})

	// appending to c-1 bumps it to the top
	_, err := st.AppendMessage("c-1", models.Message{SenderID: "alice", Text: "bump"})
	require.NoError(t, err)

	s := waitDirectoryState(t, d, func(s DirectoryState) bool {
		return len(s.Conversations) == 2 && s.Conversations[0].ID == "c-1"
	})
	require.Equal(t, "bump", s.Conversations[0].LastMessageText)
}

func TestDirectoryResubscribeReplacesPrior(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveConversation(models.Conversation{ID: "c-a", ParticipantIDs: []string{"alice", "x"}}))
	require.NoError(t, st.SaveConversation(models.Conversation{ID: "c-b", ParticipantIDs: []string{"bob", "y"}}))

	d := NewDirectory(st)
	defer d.Close()

	d.Subscribe(context.Background(), "alice")
	waitDirectoryState(t, d, func(s DirectoryState) bool {
		return !s.Loading && len(s.Conversations) == 1 && s.Conversations[0].ID == "c-a"
	})

	d.Subscribe(context.Background(), "bob")
	waitDirectoryState(t, d, func(s DirectoryState) bool {
		return !s.Loading && len(s.Conversations) == 1 && s.Conversations[0].ID == "c-b"
	})
}

func TestDirectoryDropsMalformedRecords(t *testing.T) {
	good, err := jsonRecord("conv:c-1:meta", models.Conversation{ID: "c-1", ParticipantIDs: []string{"a", "b"}})
	require.NoError(t, err)
	bad := store.Record{Key: "conv:c-2:meta", Data: []byte("{not json")}
	good2, err := jsonRecord("conv:c-3:meta", models.Conversation{ID: "c-3", ParticipantIDs: []string{"a", "c"}})
	require.NoError(t, err)

	convs := decodeConversations([]store.Record{good, bad, good2})
	require.Len(t, convs, 2)
	require.Equal(t, "c-1", convs[0].ID)
	require.Equal(t, "c-3", convs[1].ID)
}

func TestCreateSelfChatIdempotent(t *testing.T) {
	st := openTestStore(t)
	d := NewDirectory(st)
	defer d.Close()

	first, err := d.CreateSelfChat("alice")
	require.NoError(t, err)
	require.True(t, first.IsSelfChat)
	require.Equal(t, []string{"alice", "alice"}, first.ParticipantIDs)
	require.Equal(t, DefaultSelfChatText, first.LastMessageText)

	second, err := d.CreateSelfChat("alice")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	convs, err := d.List("alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestCreateDirect(t *testing.T) {
	st := openTestStore(t)
	d := NewDirectory(st)
	defer d.Close()

	c, created, err := d.CreateDirect("alice", "bob")
	require.NoError(t, err)
	require.True(t, created)
	require.ElementsMatch(t, []string{"alice", "bob"}, c.ParticipantIDs)
	require.False(t, c.IsSelfChat)

	// same pair from the other side resolves to the existing conversation
	again, created, err := d.CreateDirect("bob", "alice")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, c.ID, again.ID)

	// peer == caller resolves to the self-chat
	self, created, err := d.CreateDirect("alice", "alice")
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, self.IsSelfChat)
}

func TestDirectoryKeepsLastGoodListOnError(t *testing.T) {
	st := openTestStore(t)
	d := NewDirectory(st)

	// drive the pump directly so a transient error can be injected after a
	// good snapshot
	sub := &Subscription{C: make(chan Snapshot, 2)}
	done := make(chan struct{})
	d.mu.Lock()
	d.sub = sub
	d.pumpDone = done
	d.mu.Unlock()
	go d.pump(sub, done)

	good, err := jsonRecord("conv:c-1:meta", models.Conversation{ID: "c-1", ParticipantIDs: []string{"alice", "bob"}})
	require.NoError(t, err)
	sub.C <- Snapshot{Records: []store.Record{good}}
	waitDirectoryState(t, d, func(s DirectoryState) bool {
		return s.Err == "" && len(s.Conversations) == 1
	})

	sub.C <- Snapshot{Err: errors.New("backend unavailable")}
	s := waitDirectoryState(t, d, func(s DirectoryState) bool { return s.Err != "" })
	require.Len(t, s.Conversations, 1, "error state should retain the last good list")
	require.Equal(t, "c-1", s.Conversations[0].ID)

	close(sub.C)
	<-done
	d.mu.Lock()
	d.sub = nil
	d.pumpDone = nil
	d.mu.Unlock()
	d.Close()
}

func TestDirectoryErrorOnInitialSnapshotPublishesEmptyList(t *testing.T) {
	st := openTestStore(t)
	d := NewDirectory(st)

	sub := &Subscription{C: make(chan Snapshot, 1)}
	done := make(chan struct{})
	d.mu.Lock()
	d.sub = sub
	d.pumpDone = done
	d.mu.Unlock()
	go d.pump(sub, done)

	sub.C <- Snapshot{Err: errors.New("backend unavailable")}
	s := waitDirectoryState(t, d, func(s DirectoryState) bool { return s.Err != "" })
	require.Empty(t, s.Conversations)

	close(sub.C)
	<-done
	d.mu.Lock()
	d.sub = nil
	d.pumpDone = nil
	d.mu.Unlock()
	d.Close()
}

func TestDirectorySubscribeConcurrentWithClose(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveConversation(models.Conversation{ID: "c-1", ParticipantIDs: []string{"alice", "bob"}}))

	// a resubscribe racing Close must either install cleanly or observe the
	// closed flag; it must never publish on the closed update stream
	for i := 0; i < 500; i++ {
		d := NewDirectory(st)
		d.Subscribe(context.Background(), "alice")

		var wg gosync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Subscribe(context.Background(), "bob")
		}()
		go func() {
			defer wg.Done()
			d.Close()
		}()
		wg.Wait()
		d.Close()
	}
}

func TestDirectoryCloseIdempotent(t *testing.T) {
	st := openTestStore(t)
	d := NewDirectory(st)
	d.Subscribe(context.Background(), "alice")
	d.Close()
	d.Close()

	// subscribing after close is a no-op
	d.Subscribe(context.Background(), "bob")
}
