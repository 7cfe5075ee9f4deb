package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/dracxi/chatapp/internal/server/middleware"
	"github.com/dracxi/chatapp/internal/store"
	"github.com/dracxi/chatapp/pkg/chat"
	"github.com/dracxi/chatapp/pkg/transport"
)

type sessionKind int

const (
	sessionUser sessionKind = iota
	sessionGroup
	sessionDM
)

// session is the per-connection state machine. It owns its transport handle
// for the handle's whole lifetime: the registry only ever holds references.
// Lifecycle: the first inbound frame must authenticate within the handshake
// window; after admission the session streams typed events until the
// transport terminates, and cleanup releases every scope the handle was
// registered under no matter how the loop ended.
type session struct {
	app    *App
	kind   sessionKind
	logger *slog.Logger
	conn   *transport.Connection

	// Connection target, from the request path.
	pathUserID int64 // user channel
	groupID    int64 // group channel
	peerID     int64 // dm channel

	authTimer *time.Timer

	mu            sync.Mutex
	authenticated bool
	userID        int64
	user          *store.User
	peer          *store.User
	roomKey       string
	joinedGroups  map[int64]struct{}
	joinedDMs     map[string]struct{}
}

func (a *App) userSocketHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	a.serveSession(w, r, &session{kind: sessionUser, pathUserID: userID})
}

func (a *App) groupSocketHandler(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(r.PathValue("group_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}
	a.serveSession(w, r, &session{kind: sessionGroup, groupID: groupID})
}

func (a *App) dmSocketHandler(w http.ResponseWriter, r *http.Request) {
	peerID, err := strconv.ParseInt(r.PathValue("peer_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	a.serveSession(w, r, &session{kind: sessionDM, peerID: peerID})
}

func (a *App) serveSession(w http.ResponseWriter, r *http.Request, s *session) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	s.app = a
	s.joinedGroups = make(map[int64]struct{})
	s.joinedDMs = make(map[string]struct{})

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout: a.config.Transport.ReadTimeout,
			SendBuffer:  a.config.Transport.SendBuffer,
		},
		nil,
		nil,
		a.logger,
	)
	s.conn = conn
	s.logger = a.logger.With(
		slog.String("component", "session"),
		slog.String("connID", conn.ID().String()),
		slog.String("remoteAddr", reqMeta.IP),
	)

	conn.SetOnMessageHandler(s.handleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		// Guaranteed finalizer: runs on every exit path, including panics
		// and transport failures.
		s.cleanup()
		a.untrackConn(id)
	})
	a.trackConn(conn, reqMeta.IP)

	// The protocol expects exactly one authentication frame within the
	// handshake window; otherwise the connection never reaches Joined.
	s.authTimer = time.AfterFunc(a.config.Auth.HandshakeTimeout, func() {
		if !s.isAuthenticated() {
			s.logger.Warn("Authentication handshake timed out")
			conn.Close(errors.New("authentication timeout"))
		}
	})

	conn.Run()
	<-conn.Done()
}

func (s *session) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *session) handleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session handler panicked", slog.Any("panic", r))
			s.conn.Close(fmt.Errorf("session panic: %v", r))
		}
	}()

	if !s.isAuthenticated() {
		s.authenticate(ctx, msg)
		return
	}
	s.dispatch(ctx, msg)
}

// reject sends a final error event (best effort; the transport may already be
// gone) and closes the connection without it ever reaching Joined.
func (s *session) reject(reason string) {
	s.send(chat.NewErrorEvent(reason))
	s.conn.Close(errors.New(reason))
}

// authenticate drives the Authenticating state: exactly one frame carrying a
// bearer token. The user channel wraps it in {"token": ...}; the room
// channels send the raw token text.
func (s *session) authenticate(ctx context.Context, msg []byte) {
	token := string(msg)
	if s.kind == sessionUser {
		var frame chat.AuthFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Token == "" {
			s.reject("Authentication token required")
			return
		}
		token = frame.Token
	}

	userID, err := s.app.tokens.Validate(token)
	if err != nil {
		s.reject("Authentication failed")
		return
	}
	// Cross-check the authenticated subject against the id implied by the
	// connection target.
	if s.kind == sessionUser && userID != s.pathUserID {
		s.reject("Token user ID mismatch")
		return
	}
	if s.kind == sessionDM && userID == s.peerID {
		s.reject("Cannot open a DM channel to yourself")
		return
	}

	user, err := s.app.store.FindUser(ctx, userID)
	if err != nil {
		s.reject("User not found")
		return
	}

	switch s.kind {
	case sessionGroup:
		member, err := s.app.store.IsMember(ctx, userID, s.groupID)
		if err != nil || !member {
			s.reject("Not a member of this group")
			return
		}
	case sessionDM:
		peer, err := s.app.store.FindUser(ctx, s.peerID)
		if err != nil {
			s.reject("User not found")
			return
		}
		s.mu.Lock()
		s.peer = peer
		s.roomKey = chat.DMRoomKey(userID, s.peerID)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.authenticated = true
	s.userID = userID
	s.user = user
	s.mu.Unlock()
	s.authTimer.Stop()

	s.admit(ctx)
}

// admit moves the session into Joined: the registry takes the handle and the
// relevant presence announcements go out.
func (s *session) admit(ctx context.Context) {
	switch s.kind {
	case sessionUser:
		s.app.registry.ConnectUser(s.conn, s.userID)
		if err := s.app.store.SetUserPresence(ctx, s.userID, true); err != nil {
			s.logger.Error("Failed to persist online status", slog.Any("error", err))
		}
		s.send(chat.ConnectionEstablishedEvent{
			Type:    chat.TypeConnectionEstablished,
			UserID:  s.userID,
			Message: "Connected successfully",
		})
		s.send(chat.OnlineUsersEvent{
			Type:  chat.TypeOnlineUsers,
			Users: s.app.registry.OnlineUsers(),
		})
	case sessionGroup:
		s.app.registry.ConnectToGroup(s.conn, s.groupID, s.userID)
		s.app.registry.BroadcastToGroup(s.groupID, chat.NewPresenceEvent(chat.TypeUserJoined, userSummary(s.user)))
	case sessionDM:
		s.app.registry.ConnectToDM(s.conn, s.roomKey, s.userID)
		s.app.registry.SendToUser(s.peerID, chat.NewPresenceEvent(chat.TypeUserOnline, userSummary(s.user)))
	}
	s.logger.Info("Session joined", slog.Int64("userID", s.userID))
}

// cleanup releases the handle from every scope it was registered under. It
// must run exactly once per connection and tolerate a session that never got
// past Authenticating.
func (s *session) cleanup() {
	if s.authTimer != nil {
		s.authTimer.Stop()
	}

	s.mu.Lock()
	authed := s.authenticated
	userID := s.userID
	user := s.user
	roomKey := s.roomKey
	groups := make([]int64, 0, len(s.joinedGroups))
	for id := range s.joinedGroups {
		groups = append(groups, id)
	}
	rooms := make([]string, 0, len(s.joinedDMs))
	for key := range s.joinedDMs {
		rooms = append(rooms, key)
	}
	s.mu.Unlock()

	if !authed {
		return // never joined, nothing registered
	}

	switch s.kind {
	case sessionUser:
		for _, groupID := range groups {
			s.app.registry.DisconnectFromGroup(s.conn, groupID, userID)
		}
		for _, key := range rooms {
			s.app.registry.DisconnectFromDM(s.conn, key, userID)
		}
		s.app.registry.DisconnectUser(s.conn, userID)
		if err := s.app.store.SetUserPresence(context.Background(), userID, false); err != nil {
			s.logger.Error("Failed to persist offline status", slog.Any("error", err))
		}
	case sessionGroup:
		s.app.registry.DisconnectFromGroup(s.conn, s.groupID, userID)
		s.app.registry.BroadcastToGroup(s.groupID, chat.NewPresenceEvent(chat.TypeUserLeft, userSummary(user)))
	case sessionDM:
		s.app.registry.DisconnectFromDM(s.conn, roomKey, userID)
		s.app.registry.SendToUser(s.peerID, chat.NewPresenceEvent(chat.TypeUserOffline, userSummary(user)))
	}
	s.logger.Info("Session closed", slog.Int64("userID", userID))
}

// dispatch handles one inbound frame in the Streaming state.
func (s *session) dispatch(ctx context.Context, msg []byte) {
	eventType := gjson.GetBytes(msg, "type").String()

	if eventType == chat.TypePing {
		s.send(chat.PongEvent{Type: chat.TypePong})
		return
	}

	switch s.kind {
	case sessionUser:
		s.dispatchUser(ctx, eventType, msg)
	case sessionGroup:
		s.dispatchRoom(ctx, eventType, msg)
	case sessionDM:
		s.dispatchRoom(ctx, eventType, msg)
	}
}

func (s *session) dispatchUser(ctx context.Context, eventType string, msg []byte) {
	switch eventType {
	case chat.TypeJoinGroup:
		var ev chat.JoinGroupEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.GroupID == 0 {
			s.send(chat.NewErrorEvent("group_id required"))
			return
		}
		s.app.registry.ConnectToGroup(s.conn, ev.GroupID, s.userID)
		s.mu.Lock()
		s.joinedGroups[ev.GroupID] = struct{}{}
		s.mu.Unlock()

	case chat.TypeLeaveGroup:
		var ev chat.JoinGroupEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.GroupID == 0 {
			s.send(chat.NewErrorEvent("group_id required"))
			return
		}
		s.app.registry.DisconnectFromGroup(s.conn, ev.GroupID, s.userID)
		s.mu.Lock()
		delete(s.joinedGroups, ev.GroupID)
		s.mu.Unlock()

	case chat.TypeJoinDM:
		var ev chat.JoinDMEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.ChatRoomID == "" {
			s.send(chat.NewErrorEvent("chat_room_id required"))
			return
		}
		s.app.registry.ConnectToDM(s.conn, ev.ChatRoomID, s.userID)
		s.mu.Lock()
		s.joinedDMs[ev.ChatRoomID] = struct{}{}
		s.mu.Unlock()

	case chat.TypeTyping:
		summary := userSummary(s.user)
		relay := chat.TypingEvent{
			Type:     chat.TypeTyping,
			UserID:   s.userID,
			ChatType: gjson.GetBytes(msg, "chat_type").String(),
			IsTyping: gjson.GetBytes(msg, "is_typing").Bool(),
			User:     &summary,
			Time:     chat.Timestamp(),
		}
		switch relay.ChatType {
		case "group":
			relay.ChatID = gjson.GetBytes(msg, "chat_id").Int()
			s.app.registry.BroadcastToGroup(relay.ChatID, relay)
		case "dm":
			relay.RoomID = gjson.GetBytes(msg, "chat_room_id").String()
			s.app.registry.BroadcastToDM(relay.RoomID, relay)
		default:
			s.send(chat.NewErrorEvent("unknown chat_type"))
		}

	case chat.TypeMessageRead:
		receipt := chat.ReadReceiptEvent{
			Type:      chat.TypeMessageRead,
			MessageID: gjson.GetBytes(msg, "message_id").Int(),
			UserID:    s.userID,
			ChatType:  gjson.GetBytes(msg, "chat_type").String(),
			Time:      chat.Timestamp(),
		}
		switch receipt.ChatType {
		case "group":
			receipt.ChatID = gjson.GetBytes(msg, "chat_id").Int()
			s.app.registry.BroadcastToGroup(receipt.ChatID, receipt)
		case "dm":
			receipt.RoomID = gjson.GetBytes(msg, "chat_room_id").String()
			s.app.registry.BroadcastToDM(receipt.RoomID, receipt)
		default:
			s.send(chat.NewErrorEvent("unknown chat_type"))
		}

	default:
		s.send(chat.NewErrorEvent("unknown event type: " + eventType))
	}
}

// dispatchRoom handles the group and DM channel event sets, which differ only
// in where events fan out.
func (s *session) dispatchRoom(ctx context.Context, eventType string, msg []byte) {
	switch eventType {
	case chat.TypeTypingStart, chat.TypeTypingStop:
		s.broadcastRoom(chat.TypingEvent{
			Type:   eventType,
			UserID: s.userID,
			Time:   chat.Timestamp(),
		})

	case chat.TypeMessageRead:
		s.broadcastRoom(chat.ReadReceiptEvent{
			Type:      chat.TypeMessageRead,
			MessageID: gjson.GetBytes(msg, "message_id").Int(),
			UserID:    s.userID,
			Time:      chat.Timestamp(),
		})

	case chat.TypeChatMessage:
		s.handleChatMessage(ctx, msg)

	case chat.TypeEditMessage:
		s.handleEditMessage(ctx, msg)

	case chat.TypeDeleteMsg:
		s.handleDeleteMessage(ctx, msg)

	default:
		s.send(chat.NewErrorEvent("unknown event type: " + eventType))
	}
}

func (s *session) broadcastRoom(event any) {
	if s.kind == sessionGroup {
		s.app.registry.BroadcastToGroup(s.groupID, event)
		return
	}
	s.app.registry.BroadcastToDM(s.roomKey, event)
}

// handleChatMessage persists the message first and broadcasts only after the
// commit; a persistence failure is reported to the sender alone.
func (s *session) handleChatMessage(ctx context.Context, msg []byte) {
	var ev chat.ChatMessageEvent
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Content == "" {
		s.send(chat.NewErrorEvent("content required"))
		return
	}

	var saved *store.Message
	var err error
	if s.kind == sessionGroup {
		saved, err = s.app.store.CreateGroupMessage(ctx, s.userID, s.groupID, ev.Content, ev.ReplyToID)
	} else {
		saved, err = s.app.store.CreateDirectMessage(ctx, s.userID, s.peerID, ev.Content, ev.ReplyToID)
	}
	if err != nil {
		s.sendStoreError(err, "Failed to send message")
		return
	}

	event := s.app.messageEvent(ctx, chat.TypeNewMessage, saved, s.user, s.peer)
	s.broadcastRoom(event)
}

func (s *session) handleEditMessage(ctx context.Context, msg []byte) {
	var ev chat.EditMessageEvent
	if err := json.Unmarshal(msg, &ev); err != nil || ev.MessageID == 0 || ev.Content == "" {
		s.send(chat.NewErrorEvent("message_id and content required"))
		return
	}

	existing, err := s.inRoomMessage(ctx, ev.MessageID)
	if err != nil {
		s.sendStoreError(err, "Failed to edit message")
		return
	}
	if existing.SenderID != s.userID {
		s.send(chat.NewErrorEvent("You can only edit your own messages"))
		return
	}

	updated, err := s.app.store.MarkEdited(ctx, ev.MessageID, ev.Content)
	if err != nil {
		s.sendStoreError(err, "Failed to edit message")
		return
	}

	event := s.app.messageEvent(ctx, chat.TypeMessageEdited, updated, s.user, s.peer)
	s.broadcastRoom(event)
}

func (s *session) handleDeleteMessage(ctx context.Context, msg []byte) {
	var ev chat.DeleteMessageEvent
	if err := json.Unmarshal(msg, &ev); err != nil || ev.MessageID == 0 {
		s.send(chat.NewErrorEvent("message_id required"))
		return
	}

	existing, err := s.inRoomMessage(ctx, ev.MessageID)
	if err != nil {
		s.sendStoreError(err, "Failed to delete message")
		return
	}
	if existing.SenderID != s.userID {
		s.send(chat.NewErrorEvent("You can only delete your own messages"))
		return
	}

	deletedAt, err := s.app.store.SoftDelete(ctx, ev.MessageID)
	if err != nil {
		s.sendStoreError(err, "Failed to delete message")
		return
	}

	event := chat.MessageDeletedEvent{
		Type:      chat.TypeMessageDeleted,
		ID:        existing.ID,
		DeletedAt: deletedAt.UTC().Format(time.RFC3339),
		Sender:    userSummary(s.user),
	}
	if s.kind == sessionDM {
		summary := userSummary(s.peer)
		event.Receiver = &summary
	} else {
		event.GroupID = s.groupID
	}
	s.broadcastRoom(event)
}

// inRoomMessage looks up a message and verifies it belongs to this session's
// room; messages from other rooms are treated as not found.
func (s *session) inRoomMessage(ctx context.Context, messageID int64) (*store.Message, error) {
	m, err := s.app.store.FindMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, store.ErrNotFound
	}
	if s.kind == sessionGroup {
		if m.GroupID != s.groupID {
			return nil, store.ErrNotFound
		}
	} else if !m.IsDirect() || chat.DMRoomKey(m.SenderID, m.ReceiverID) != s.roomKey {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (s *session) sendStoreError(err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.send(chat.NewErrorEvent("Message not found"))
	case errors.Is(err, store.ErrBadReply):
		s.send(chat.NewErrorEvent("Invalid reply target"))
	default:
		s.logger.Error("Store operation failed", slog.Any("error", err))
		s.send(chat.NewErrorEvent(fallback))
	}
}

func (s *session) send(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal outbound event", slog.Any("error", err))
		return
	}
	if err := s.conn.Send(data); err != nil {
		s.logger.Debug("Dropped outbound event", slog.Any("error", err))
	}
}

func userSummary(u *store.User) chat.UserSummary {
	if u == nil {
		return chat.UserSummary{}
	}
	return chat.UserSummary{
		ID:       u.ID,
		Username: u.Username,
		Nickname: u.Nickname,
		Avatar:   u.Avatar,
	}
}

// messageEvent builds the enriched broadcast payload for a persisted message,
// resolving the reply parent when one is linked.
func (a *App) messageEvent(ctx context.Context, typ string, m *store.Message, sender, receiver *store.User) chat.MessageEvent {
	event := chat.MessageEvent{
		Type:     typ,
		ID:       m.ID,
		Content:  m.Content,
		TimeSent: m.TimeSent.UTC().Format(time.RFC3339),
		IsEdited: m.IsEdited,
		Sender:   userSummary(sender),
		GroupID:  m.GroupID,
	}
	if m.EditedAt != nil {
		editedAt := m.EditedAt.UTC().Format(time.RFC3339)
		event.EditedAt = &editedAt
	}
	if m.IsDirect() && receiver != nil {
		summary := userSummary(receiver)
		event.Receiver = &summary
	}
	if m.ReplyToID != 0 {
		if parent, err := a.store.FindMessage(ctx, m.ReplyToID); err == nil {
			event.ReplyTo = &chat.ReplySummary{
				ID:       parent.ID,
				Content:  parent.Content,
				SenderID: parent.SenderID,
			}
		}
	}
	return event
}
