package registry

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dracxi/chatapp/pkg/chat"
)

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// fakeHandle records everything sent to it and can be flipped into a
// broken-pipe state.
type fakeHandle struct {
	id   uuid.UUID
	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{id: uuid.New()}
}

func (f *fakeHandle) ID() uuid.UUID { return f.id }

func (f *fakeHandle) Send(message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.msgs = append(f.msgs, message)
	return nil
}

func (f *fakeHandle) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.msgs...)
}

func (f *fakeHandle) countType(t *testing.T, eventType string) int {
	t.Helper()
	n := 0
	for _, raw := range f.received() {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev["type"] == eventType {
			n++
		}
	}
	return n
}

// checkOnlineInvariant asserts that the online set equals exactly the set of
// user ids with a non-empty handle list.
func checkOnlineInvariant(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for userID, set := range r.users {
		require.NotEmpty(t, set, "user %d has an empty handle list leak", userID)
		_, online := r.online[userID]
		require.True(t, online, "user %d has handles but is not online", userID)
	}
	for userID := range r.online {
		set, ok := r.users[userID]
		require.True(t, ok && len(set) > 0, "user %d is online without handles", userID)
	}
}

func TestConnectUserMarksOnline(t *testing.T) {
	r := newTestRegistry()
	h := newFakeHandle()

	r.ConnectUser(h, 1)
	assert.True(t, r.IsUserOnline(1))
	assert.ElementsMatch(t, []int64{1}, r.OnlineUsers())
	checkOnlineInvariant(t, r)
}

func TestIdempotentJoin(t *testing.T) {
	r := newTestRegistry()
	h := newFakeHandle()

	r.ConnectToGroup(h, 7, 1)
	r.ConnectToGroup(h, 7, 1)

	r.mu.RLock()
	assert.Len(t, r.groups[7], 1)
	assert.Len(t, r.users[1], 1)
	r.mu.RUnlock()
	checkOnlineInvariant(t, r)
}

func TestDisconnectUnknownHandleIsNoOp(t *testing.T) {
	r := newTestRegistry()
	known := newFakeHandle()
	unknown := newFakeHandle()

	r.ConnectUser(known, 1)
	r.DisconnectUser(unknown, 1)
	r.DisconnectFromGroup(unknown, 99, 42)
	r.DisconnectFromDM(unknown, "1_2", 42)

	assert.True(t, r.IsUserOnline(1))
	checkOnlineInvariant(t, r)

	// Double-disconnect is equally silent.
	r.DisconnectUser(known, 1)
	r.DisconnectUser(known, 1)
	assert.False(t, r.IsUserOnline(1))
	checkOnlineInvariant(t, r)
}

func TestLastHandleRemovalDeletesEntry(t *testing.T) {
	r := newTestRegistry()
	h1 := newFakeHandle()
	h2 := newFakeHandle()

	r.ConnectUser(h1, 1)
	r.ConnectUser(h2, 1)
	r.DisconnectUser(h1, 1)
	assert.True(t, r.IsUserOnline(1))

	r.DisconnectUser(h2, 1)
	assert.False(t, r.IsUserOnline(1))
	r.mu.RLock()
	_, exists := r.users[1]
	r.mu.RUnlock()
	assert.False(t, exists, "empty user entry must be deleted")
	checkOnlineInvariant(t, r)
}

func TestOfflineTransitionFiresExactlyOnce(t *testing.T) {
	r := newTestRegistry()
	watcher := newFakeHandle()
	r.ConnectUser(watcher, 1)

	h1 := newFakeHandle()
	h2 := newFakeHandle()
	r.ConnectUser(h1, 3)
	r.ConnectUser(h2, 3)

	r.DisconnectUser(h1, 3)
	r.DisconnectUser(h2, 3)
	r.DisconnectUser(h2, 3) // duplicate disconnect event

	offline := 0
	for _, raw := range watcher.received() {
		var ev chat.UserStatusEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Type == chat.TypeUserStatus && ev.UserID == 3 && !ev.IsOnline {
			offline++
		}
	}
	assert.Equal(t, 1, offline, "exactly one offline broadcast expected")
	assert.False(t, r.IsUserOnline(3))
}

func TestOnlineTransitionFiresOncePerUser(t *testing.T) {
	r := newTestRegistry()
	watcher := newFakeHandle()
	r.ConnectUser(watcher, 1)

	h1 := newFakeHandle()
	h2 := newFakeHandle()
	r.ConnectUser(h1, 5)
	r.ConnectToGroup(h2, 9, 5) // second device, no new transition

	online := 0
	for _, raw := range watcher.received() {
		var ev chat.UserStatusEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Type == chat.TypeUserStatus && ev.UserID == 5 && ev.IsOnline {
			online++
		}
	}
	assert.Equal(t, 1, online)
}

func TestStatusBroadcastExcludesSubject(t *testing.T) {
	r := newTestRegistry()
	self := newFakeHandle()
	other := newFakeHandle()
	r.ConnectUser(self, 1)
	r.ConnectUser(other, 2)

	r.BroadcastUserStatus(1, true)

	// The subject never sees its own transitions; everyone else does.
	assert.Equal(t, 0, statusEventsAbout(t, self, 1))
	assert.GreaterOrEqual(t, statusEventsAbout(t, other, 1), 1)
}

func statusEventsAbout(t *testing.T, h *fakeHandle, userID int64) int {
	t.Helper()
	n := 0
	for _, raw := range h.received() {
		var ev chat.UserStatusEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Type == chat.TypeUserStatus && ev.UserID == userID {
			n++
		}
	}
	return n
}

func TestBroadcastDeliversToAllHandles(t *testing.T) {
	r := newTestRegistry()
	h1 := newFakeHandle()
	h2 := newFakeHandle()
	h3 := newFakeHandle()
	r.ConnectToGroup(h1, 4, 10)
	r.ConnectToGroup(h2, 4, 20)
	r.ConnectToGroup(h3, 4, 30)

	r.BroadcastToGroup(4, map[string]string{"type": "new_message", "content": "hi"})

	for _, h := range []*fakeHandle{h1, h2, h3} {
		assert.Equal(t, 1, h.countType(t, "new_message"))
	}
}

func TestBroadcastPrunesFailedHandle(t *testing.T) {
	r := newTestRegistry()
	good1 := newFakeHandle()
	good2 := newFakeHandle()
	broken := newFakeHandle()
	broken.fail = true

	r.ConnectToGroup(good1, 4, 10)
	r.ConnectToGroup(good2, 4, 20)
	r.ConnectToGroup(broken, 4, 30)

	r.BroadcastToGroup(4, map[string]string{"type": "new_message"})

	assert.Equal(t, 1, good1.countType(t, "new_message"))
	assert.Equal(t, 1, good2.countType(t, "new_message"))

	r.mu.RLock()
	_, stillThere := r.groups[4][broken.ID()]
	r.mu.RUnlock()
	assert.False(t, stillThere, "failed handle must leave the room list")

	// The failed handle goes through the full disconnect path, so user 30
	// must not linger in the online set.
	assert.False(t, r.IsUserOnline(30))
	checkOnlineInvariant(t, r)
}

func TestSendToUserReachesEveryDevice(t *testing.T) {
	r := newTestRegistry()
	h1 := newFakeHandle()
	h2 := newFakeHandle()
	r.ConnectUser(h1, 1)
	r.ConnectUser(h2, 1)

	r.SendToUser(1, map[string]string{"type": "new_message"})
	assert.Equal(t, 1, h1.countType(t, "new_message"))
	assert.Equal(t, 1, h2.countType(t, "new_message"))
}

// TestOnlineInvariantUnderRandomOps drives the registry through random
// connect/disconnect sequences and checks the derived online set after every
// operation.
func TestOnlineInvariantUnderRandomOps(t *testing.T) {
	r := newTestRegistry()
	rng := rand.New(rand.NewPCG(1, 2))

	users := []int64{1, 2, 3, 4, 5}
	groups := []int64{10, 20}
	rooms := []string{"1_2", "3_4"}
	handles := make([]*fakeHandle, 30)
	for i := range handles {
		handles[i] = newFakeHandle()
	}

	for i := 0; i < 2000; i++ {
		h := handles[rng.IntN(len(handles))]
		u := users[rng.IntN(len(users))]
		switch rng.IntN(6) {
		case 0:
			r.ConnectUser(h, u)
		case 1:
			r.ConnectToGroup(h, groups[rng.IntN(len(groups))], u)
		case 2:
			r.ConnectToDM(h, rooms[rng.IntN(len(rooms))], u)
		case 3:
			r.DisconnectUser(h, u)
		case 4:
			r.DisconnectFromGroup(h, groups[rng.IntN(len(groups))], u)
		case 5:
			r.DisconnectFromDM(h, rooms[rng.IntN(len(rooms))], u)
		}
		checkOnlineInvariant(t, r)
	}
}

func TestConcurrentMutationIsSafe(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h := newFakeHandle()
				r.ConnectToGroup(h, 4, userID)
				r.BroadcastToGroup(4, map[string]string{"type": "tick"})
				r.DisconnectFromGroup(h, 4, userID)
			}
		}(int64(i + 1))
	}
	wg.Wait()
	checkOnlineInvariant(t, r)
}
