package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dracxi/chatapp/internal/server/middleware"
	"github.com/dracxi/chatapp/internal/store"
	"github.com/dracxi/chatapp/pkg/chat"
)

// The REST surface mirrors the websocket vocabulary: a message sent through a
// plain request is persisted first and then broadcast to the room's live
// handles through the same registry the sessions use.

type messageForm struct {
	Content   string `json:"content"`
	ReplyToID int64  `json:"reply_to_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// requestUser resolves the authenticated caller stamped by the auth middleware.
func (a *App) requestUser(r *http.Request) (*store.User, bool) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.UserID == 0 {
		return nil, false
	}
	user, err := a.store.FindUser(r.Context(), reqMeta.UserID)
	if err != nil {
		return nil, false
	}
	return user, true
}

// --- Presence queries ---

func (a *App) onlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"online_users": a.registry.OnlineUsers(),
	})
}

func (a *App) userStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "user_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"is_online": a.registry.IsUserOnline(userID),
	})
}

// --- Group messages ---

func (a *App) sendGroupMessageHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	groupID, ok := pathID(r, "group_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	var form messageForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil || form.Content == "" {
		writeError(w, http.StatusUnprocessableEntity, "content required")
		return
	}

	if _, err := a.store.FindGroup(r.Context(), groupID); err != nil {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	member, err := a.store.IsMember(r.Context(), user.ID, groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "membership lookup failed")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "Not a member of this group")
		return
	}

	saved, err := a.store.CreateGroupMessage(r.Context(), user.ID, groupID, form.Content, form.ReplyToID)
	if err != nil {
		a.storeErrorResponse(w, err)
		return
	}

	event := a.messageEvent(r.Context(), chat.TypeNewMessage, saved, user, nil)
	a.registry.BroadcastToGroup(groupID, event)
	writeJSON(w, http.StatusOK, map[string]any{"data": event})
}

func (a *App) groupMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requestUser(r); !ok {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	groupID, ok := pathID(r, "group_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if _, err := a.store.FindGroup(r.Context(), groupID); err != nil {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}

	messages, err := a.store.GroupMessages(r.Context(), groupID, 25)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": a.messageList(r, messages)})
}

// --- Direct messages ---

func (a *App) sendDirectMessageHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	receiverID, ok := pathID(r, "receiver_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var form messageForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil || form.Content == "" {
		writeError(w, http.StatusUnprocessableEntity, "content required")
		return
	}

	receiver, err := a.store.FindUser(r.Context(), receiverID)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	saved, err := a.store.CreateDirectMessage(r.Context(), user.ID, receiverID, form.Content, form.ReplyToID)
	if err != nil {
		a.storeErrorResponse(w, err)
		return
	}

	event := a.messageEvent(r.Context(), chat.TypeNewMessage, saved, user, receiver)
	a.registry.BroadcastToDM(chat.DMRoomKey(user.ID, receiverID), event)
	writeJSON(w, http.StatusOK, map[string]any{"data": event})
}

func (a *App) directMessagesHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	otherID, ok := pathID(r, "user_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if _, err := a.store.FindUser(r.Context(), otherID); err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	messages, err := a.store.DirectMessages(r.Context(), user.ID, otherID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": a.messageList(r, messages)})
}

func (a *App) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	conversations, err := a.store.Conversations(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}

	list := make([]map[string]any, 0, len(conversations))
	for _, c := range conversations {
		partner, err := a.store.FindUser(r.Context(), c.PartnerID)
		if err != nil {
			continue
		}
		list = append(list, map[string]any{
			"partner": userSummary(partner),
			"latest_message": map[string]any{
				"id":        c.Latest.ID,
				"content":   c.Latest.Content,
				"timeSent":  c.Latest.TimeSent.UTC().Format(time.RFC3339),
				"sender_id": c.Latest.SenderID,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

// --- Edit / delete (group and direct) ---

func (a *App) editMessageHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	messageID, ok := pathID(r, "message_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	var form messageForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil || form.Content == "" {
		writeError(w, http.StatusUnprocessableEntity, "content required")
		return
	}

	existing, err := a.liveMessage(r, messageID)
	if err != nil {
		a.storeErrorResponse(w, err)
		return
	}
	if existing.SenderID != user.ID {
		writeError(w, http.StatusForbidden, "You can only edit your own messages")
		return
	}

	updated, err := a.store.MarkEdited(r.Context(), messageID, form.Content)
	if err != nil {
		a.storeErrorResponse(w, err)
		return
	}

	event := a.messageEvent(r.Context(), chat.TypeMessageEdited, updated, user, a.receiverOf(r, updated))
	a.broadcastToMessageRoom(updated, event)
	writeJSON(w, http.StatusOK, map[string]any{"data": event})
}

func (a *App) deleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	messageID, ok := pathID(r, "message_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	existing, err := a.liveMessage(r, messageID)
	if err != nil {
		a.storeErrorResponse(w, err)
		return
	}
	if existing.SenderID != user.ID {
		writeError(w, http.StatusForbidden, "You can only delete your own messages")
		return
	}

	deletedAt, err := a.store.SoftDelete(r.Context(), messageID)
	if err != nil {
		a.storeErrorResponse(w, err)
		return
	}

	event := chat.MessageDeletedEvent{
		Type:      chat.TypeMessageDeleted,
		ID:        existing.ID,
		DeletedAt: deletedAt.UTC().Format(time.RFC3339),
		Sender:    userSummary(user),
		GroupID:   existing.GroupID,
	}
	if receiver := a.receiverOf(r, existing); receiver != nil {
		summary := userSummary(receiver)
		event.Receiver = &summary
	}
	a.broadcastToMessageRoom(existing, event)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Message deleted successfully",
		"deleted_at": event.DeletedAt,
	})
}

// --- Shared helpers ---

// liveMessage fetches a message, mapping soft-deleted rows to not-found.
func (a *App) liveMessage(r *http.Request, messageID int64) (*store.Message, error) {
	m, err := a.store.FindMessage(r.Context(), messageID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, store.ErrNotFound
	}
	return m, nil
}

// receiverOf resolves the receiver summary source for direct messages; nil
// for group messages.
func (a *App) receiverOf(r *http.Request, m *store.Message) *store.User {
	if !m.IsDirect() {
		return nil
	}
	receiver, err := a.store.FindUser(r.Context(), m.ReceiverID)
	if err != nil {
		return nil
	}
	return receiver
}

func (a *App) broadcastToMessageRoom(m *store.Message, event any) {
	if m.IsDirect() {
		a.registry.BroadcastToDM(chat.DMRoomKey(m.SenderID, m.ReceiverID), event)
		return
	}
	a.registry.BroadcastToGroup(m.GroupID, event)
}

func (a *App) messageList(r *http.Request, messages []*store.Message) []chat.MessageEvent {
	list := make([]chat.MessageEvent, 0, len(messages))
	for _, m := range messages {
		sender, err := a.store.FindUser(r.Context(), m.SenderID)
		if err != nil {
			a.logger.Warn("Message sender missing", slog.Int64("messageID", m.ID), slog.Int64("senderID", m.SenderID))
			continue
		}
		list = append(list, a.messageEvent(r.Context(), chat.TypeNewMessage, m, sender, a.receiverOf(r, m)))
	}
	return list
}

func (a *App) storeErrorResponse(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, store.ErrBadReply):
		writeError(w, http.StatusUnprocessableEntity, "Invalid reply target")
	default:
		a.logger.Error("Store operation failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
