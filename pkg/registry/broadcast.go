package registry

import (
	"encoding/json"
	"log/slog"

	"github.com/dracxi/chatapp/pkg/chat"
)

// The broadcast engine delivers a structured event to every handle under a
// scope. Delivery per handle is independent: one broken transport never
// aborts delivery to the rest. Failed handles are routed through the same
// disconnect path the session protocol uses, so a dead handle can never keep
// counting as online.

// BroadcastToGroup delivers the event to every handle in the group's scope.
func (r *Registry) BroadcastToGroup(groupID int64, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to marshal group event", slog.Int64("groupID", groupID), slog.Any("error", err))
		return
	}

	var failed []Handle
	for _, h := range r.snapshotGroup(groupID) {
		if err := h.Send(data); err != nil {
			r.logger.Warn("group delivery failed", slog.Int64("groupID", groupID), slog.String("connID", h.ID().String()), slog.Any("error", err))
			failed = append(failed, h)
		}
	}
	for _, h := range failed {
		if userID, ok := r.owner(h); ok {
			r.DisconnectFromGroup(h, groupID, userID)
		} else {
			r.mu.Lock()
			r.groups.remove(groupID, h)
			r.mu.Unlock()
		}
	}
}

// BroadcastToDM delivers the event to every handle in the DM room's scope.
func (r *Registry) BroadcastToDM(roomKey string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to marshal dm event", slog.String("room", roomKey), slog.Any("error", err))
		return
	}

	var failed []Handle
	for _, h := range r.snapshotDM(roomKey) {
		if err := h.Send(data); err != nil {
			r.logger.Warn("dm delivery failed", slog.String("room", roomKey), slog.String("connID", h.ID().String()), slog.Any("error", err))
			failed = append(failed, h)
		}
	}
	for _, h := range failed {
		if userID, ok := r.owner(h); ok {
			r.DisconnectFromDM(h, roomKey, userID)
		} else {
			r.mu.Lock()
			r.dms.remove(roomKey, h)
			r.mu.Unlock()
		}
	}
}

// SendToUser delivers the event to every handle the user has registered.
func (r *Registry) SendToUser(userID int64, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to marshal user event", slog.Int64("userID", userID), slog.Any("error", err))
		return
	}

	var failed []Handle
	for _, h := range r.snapshotUser(userID) {
		if err := h.Send(data); err != nil {
			r.logger.Warn("user delivery failed", slog.Int64("userID", userID), slog.String("connID", h.ID().String()), slog.Any("error", err))
			failed = append(failed, h)
		}
	}
	for _, h := range failed {
		r.DisconnectUser(h, userID)
	}
}

// BroadcastUserStatus announces a presence transition to every other
// currently-connected user. O(total connected handles); fine at the scale of
// one process's connection count.
func (r *Registry) BroadcastUserStatus(userID int64, online bool) {
	data, err := json.Marshal(chat.NewUserStatusEvent(userID, online))
	if err != nil {
		r.logger.Error("failed to marshal status event", slog.Any("error", err))
		return
	}

	r.mu.RLock()
	type target struct {
		userID int64
		handle Handle
	}
	var targets []target
	for id, set := range r.users {
		if id == userID {
			continue
		}
		for _, h := range set {
			targets = append(targets, target{userID: id, handle: h})
		}
	}
	r.mu.RUnlock()

	var failed []target
	for _, t := range targets {
		if err := t.handle.Send(data); err != nil {
			failed = append(failed, t)
		}
	}
	for _, t := range failed {
		r.DisconnectUser(t.handle, t.userID)
	}
}
