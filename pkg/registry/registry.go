// Package registry tracks which clients are currently reachable and fans
// events out to them. It is the only shared mutable state in the realtime
// core: per-user, per-group and per-DM-room handle sets plus the derived
// online-user set, all guarded by a single mutex.
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handle is a live transport endpoint. The registry holds non-owning
// references only: it never closes a handle, it just stops addressing
// events to it.
type Handle interface {
	ID() uuid.UUID
	Send(message []byte) error
}

type scope[K comparable] map[K]map[uuid.UUID]Handle

func (s scope[K]) add(key K, h Handle) {
	set, ok := s[key]
	if !ok {
		set = make(map[uuid.UUID]Handle)
		s[key] = set
	}
	set[h.ID()] = h
}

// remove deletes the handle from the keyed set and reports whether the set
// became empty (and was dropped).
func (s scope[K]) remove(key K, h Handle) bool {
	set, ok := s[key]
	if !ok {
		return false
	}
	delete(set, h.ID())
	if len(set) == 0 {
		delete(s, key)
		return true
	}
	return false
}

// Registry is the connection registry. All mutating operations are
// synchronous and never fail: removing an unregistered handle is a silent
// no-op, registering the same handle twice leaves it registered once.
type Registry struct {
	mu     sync.RWMutex
	users  scope[int64]
	groups scope[int64]
	dms    scope[string]
	online map[int64]struct{}
	owners map[uuid.UUID]int64 // handle -> user, kept for broadcast-failure pruning

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		users:  make(scope[int64]),
		groups: make(scope[int64]),
		dms:    make(scope[string]),
		online: make(map[int64]struct{}),
		owners: make(map[uuid.UUID]int64),
		logger: logger.With(slog.String("component", "registry")),
	}
}

// addUserLocked registers the handle under the user scope and reports whether
// this flipped the user to online.
func (r *Registry) addUserLocked(h Handle, userID int64) bool {
	r.users.add(userID, h)
	r.owners[h.ID()] = userID
	if _, ok := r.online[userID]; ok {
		return false
	}
	r.online[userID] = struct{}{}
	return true
}

// removeUserLocked drops the handle from the user scope and reports whether
// the user's last handle is gone (offline transition).
func (r *Registry) removeUserLocked(h Handle, userID int64) bool {
	if owner, ok := r.owners[h.ID()]; ok && owner == userID {
		delete(r.owners, h.ID())
	}
	if !r.users.remove(userID, h) {
		return false
	}
	if _, ok := r.online[userID]; !ok {
		return false
	}
	delete(r.online, userID)
	return true
}

// ConnectUser registers the handle under the user's scope. The first handle
// for a user marks them online and announces the transition to everyone else.
func (r *Registry) ConnectUser(h Handle, userID int64) {
	r.mu.Lock()
	first := r.addUserLocked(h, userID)
	r.mu.Unlock()

	r.logger.Info("user connected", slog.Int64("userID", userID), slog.String("connID", h.ID().String()))
	if first {
		r.BroadcastUserStatus(userID, true)
	}
}

// ConnectToGroup registers the handle under the group scope and, if not
// already present, under the user scope as well. The room-join path does not
// require a prior ConnectUser.
func (r *Registry) ConnectToGroup(h Handle, groupID, userID int64) {
	r.mu.Lock()
	r.groups.add(groupID, h)
	first := r.addUserLocked(h, userID)
	r.mu.Unlock()

	r.logger.Info("user connected to group", slog.Int64("userID", userID), slog.Int64("groupID", groupID))
	if first {
		r.BroadcastUserStatus(userID, true)
	}
}

// ConnectToDM registers the handle under the DM room scope and the user scope.
func (r *Registry) ConnectToDM(h Handle, roomKey string, userID int64) {
	r.mu.Lock()
	r.dms.add(roomKey, h)
	first := r.addUserLocked(h, userID)
	r.mu.Unlock()

	r.logger.Info("user connected to dm room", slog.Int64("userID", userID), slog.String("room", roomKey))
	if first {
		r.BroadcastUserStatus(userID, true)
	}
}

// DisconnectUser removes the handle from the user scope. When the user's list
// becomes empty the entry is deleted, online status is cleared and an
// offline-presence broadcast fires exactly once.
func (r *Registry) DisconnectUser(h Handle, userID int64) {
	r.mu.Lock()
	last := r.removeUserLocked(h, userID)
	r.mu.Unlock()

	r.logger.Info("user disconnected", slog.Int64("userID", userID), slog.String("connID", h.ID().String()))
	if last {
		r.BroadcastUserStatus(userID, false)
	}
}

// DisconnectFromGroup removes the handle from the group scope and from the
// user scope, with the same empty-list-triggers-offline rule as DisconnectUser.
func (r *Registry) DisconnectFromGroup(h Handle, groupID, userID int64) {
	r.mu.Lock()
	r.groups.remove(groupID, h)
	last := r.removeUserLocked(h, userID)
	r.mu.Unlock()

	r.logger.Info("user disconnected from group", slog.Int64("userID", userID), slog.Int64("groupID", groupID))
	if last {
		r.BroadcastUserStatus(userID, false)
	}
}

// DisconnectFromDM removes the handle from the DM room scope and from the
// user scope.
func (r *Registry) DisconnectFromDM(h Handle, roomKey string, userID int64) {
	r.mu.Lock()
	r.dms.remove(roomKey, h)
	last := r.removeUserLocked(h, userID)
	r.mu.Unlock()

	r.logger.Info("user disconnected from dm room", slog.Int64("userID", userID), slog.String("room", roomKey))
	if last {
		r.BroadcastUserStatus(userID, false)
	}
}

// OnlineUsers returns a snapshot of all user ids with at least one live handle.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	return ids
}

// IsUserOnline reports membership in the online set.
func (r *Registry) IsUserOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[userID]
	return ok
}

// snapshotGroup copies a group's handle list so fan-out can tolerate
// concurrent mutation.
func (r *Registry) snapshotGroup(groupID int64) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.groups[groupID])
}

func (r *Registry) snapshotDM(roomKey string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.dms[roomKey])
}

func (r *Registry) snapshotUser(userID int64) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[userID])
}

func snapshot(set map[uuid.UUID]Handle) []Handle {
	handles := make([]Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	return handles
}

// owner resolves a handle back to the user it was registered for.
func (r *Registry) owner(h Handle) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owners[h.ID()]
	return userID, ok
}
