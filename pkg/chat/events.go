package chat

import "time"

// Inbound event discriminators. Anything outside this set is a protocol
// violation.
const (
	TypePing        = "ping"
	TypeJoinGroup   = "join_group"
	TypeLeaveGroup  = "leave_group"
	TypeJoinDM      = "join_dm"
	TypeTyping      = "typing"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeMessageRead = "message_read"
	TypeChatMessage = "chat_message"
	TypeEditMessage = "edit_message"
	TypeDeleteMsg   = "delete_message"
)

// Outbound event discriminators.
const (
	TypeConnectionEstablished = "connection_established"
	TypeOnlineUsers           = "online_users"
	TypePong                  = "pong"
	TypeUserStatus            = "user_status"
	TypeUserJoined            = "user_joined"
	TypeUserLeft              = "user_left"
	TypeUserOnline            = "user_online"
	TypeUserOffline           = "user_offline"
	TypeNewMessage            = "new_message"
	TypeMessageEdited         = "message_edited"
	TypeMessageDeleted        = "message_deleted"
	TypeError                 = "error"
)

// Timestamp renders the wall clock the way every outbound event carries it.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// UserSummary is the denormalized sender/receiver identity embedded in chat
// and presence events so clients can render without a follow-up fetch.
type UserSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// ReplySummary is the resolved parent of a reply message.
type ReplySummary struct {
	ID       int64  `json:"id"`
	Content  string `json:"content"`
	SenderID int64  `json:"sender_id"`
}

// --- Inbound payloads ---

type AuthFrame struct {
	Token string `json:"token"`
}

type JoinGroupEvent struct {
	GroupID int64 `json:"group_id"`
}

type JoinDMEvent struct {
	ChatRoomID string `json:"chat_room_id"`
}

// TypingEvent doubles as the user-channel inbound relay request and the
// outbound notification.
type TypingEvent struct {
	Type     string       `json:"type"`
	UserID   int64        `json:"user_id,omitempty"`
	ChatID   int64        `json:"chat_id,omitempty"`
	RoomID   string       `json:"chat_room_id,omitempty"`
	ChatType string       `json:"chat_type,omitempty"` // "group" or "dm"
	IsTyping bool         `json:"is_typing,omitempty"`
	User     *UserSummary `json:"user,omitempty"`
	Time     string       `json:"timestamp,omitempty"`
}

type ReadReceiptEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	RoomID    string `json:"chat_room_id,omitempty"`
	ChatType  string `json:"chat_type,omitempty"`
	Time      string `json:"timestamp,omitempty"`
}

type ChatMessageEvent struct {
	Content   string `json:"content"`
	ReplyToID int64  `json:"reply_to_id,omitempty"`
}

type EditMessageEvent struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessageEvent struct {
	MessageID int64 `json:"message_id"`
}

// --- Outbound payloads ---

type ConnectionEstablishedEvent struct {
	Type    string `json:"type"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type OnlineUsersEvent struct {
	Type  string  `json:"type"`
	Users []int64 `json:"users"`
}

type PongEvent struct {
	Type string `json:"type"`
}

// UserStatusEvent announces an online/offline presence transition.
type UserStatusEvent struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	Time     string `json:"timestamp"`
}

func NewUserStatusEvent(userID int64, online bool) UserStatusEvent {
	return UserStatusEvent{
		Type:     TypeUserStatus,
		UserID:   userID,
		IsOnline: online,
		Time:     Timestamp(),
	}
}

// PresenceEvent covers user_joined/user_left (group rooms) and
// user_online/user_offline (DM peers).
type PresenceEvent struct {
	Type string      `json:"type"`
	User UserSummary `json:"user"`
	Time string      `json:"timestamp"`
}

func NewPresenceEvent(typ string, user UserSummary) PresenceEvent {
	return PresenceEvent{Type: typ, User: user, Time: Timestamp()}
}

// MessageEvent is the enriched broadcast for new_message and message_edited.
type MessageEvent struct {
	Type     string        `json:"type"`
	ID       int64         `json:"id"`
	Content  string        `json:"content"`
	TimeSent string        `json:"timeSent"`
	IsEdited bool          `json:"is_edited"`
	EditedAt *string       `json:"edited_at"`
	Sender   UserSummary   `json:"sender"`
	Receiver *UserSummary  `json:"receiver,omitempty"`
	GroupID  int64         `json:"group_id,omitempty"`
	ReplyTo  *ReplySummary `json:"reply_to,omitempty"`
}

type MessageDeletedEvent struct {
	Type      string       `json:"type"`
	ID        int64        `json:"id"`
	DeletedAt string       `json:"deleted_at"`
	Sender    UserSummary  `json:"sender"`
	Receiver  *UserSummary `json:"receiver,omitempty"`
	GroupID   int64        `json:"group_id,omitempty"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewErrorEvent(msg string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: msg}
}
