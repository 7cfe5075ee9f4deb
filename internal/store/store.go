// Package store is the data-access collaborator of the realtime core:
// users, group membership and persisted chat messages, keyed by numeric ids.
// Deletion is always a soft mark; deleted rows stay in storage but drop out
// of every listing.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound signals an unknown user, group or message id.
	ErrNotFound = errors.New("store: not found")
	// ErrBadReply signals a reply target that does not exist, lives in a
	// different room, or is already deleted.
	ErrBadReply = errors.New("store: invalid reply target")
)

type User struct {
	ID        int64
	Email     string
	Username  string
	Nickname  string
	Bio       string
	Avatar    string
	Status    int
	IsOnline  bool
	LastSeen  *time.Time
	JoinDate  time.Time
	IsDeleted bool
}

type Group struct {
	ID          int64
	Name        string
	Description string
	Avatar      string
	OwnerID     int64
	DateCreated time.Time
}

// Message is a persisted chat message. Exactly one of GroupID / ReceiverID is
// set (zero means unset): group messages live in a group room, direct
// messages in the pairwise room of sender and receiver.
type Message struct {
	ID         int64
	Content    string
	SenderID   int64
	GroupID    int64
	ReceiverID int64
	ReplyToID  int64
	TimeSent   time.Time
	IsEdited   bool
	EditedAt   *time.Time
	IsDeleted  bool
	DeletedAt  *time.Time
}

// IsDirect reports whether the message belongs to a DM room.
func (m *Message) IsDirect() bool {
	return m.ReceiverID != 0
}

// Conversation is the latest direct message exchanged with one partner.
type Conversation struct {
	PartnerID int64
	Latest    *Message
}

// Store is the persistence surface the core consumes. All operations are
// synchronous: the caller awaits completion before broadcasting.
type Store interface {
	FindUser(ctx context.Context, id int64) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	SetUserPresence(ctx context.Context, userID int64, online bool) error

	FindGroup(ctx context.Context, id int64) (*Group, error)
	CreateGroup(ctx context.Context, g *Group) error
	AddMember(ctx context.Context, userID, groupID int64) error
	IsMember(ctx context.Context, userID, groupID int64) (bool, error)

	CreateGroupMessage(ctx context.Context, senderID, groupID int64, content string, replyToID int64) (*Message, error)
	CreateDirectMessage(ctx context.Context, senderID, receiverID int64, content string, replyToID int64) (*Message, error)
	FindMessage(ctx context.Context, id int64) (*Message, error)
	GroupMessages(ctx context.Context, groupID int64, limit int) ([]*Message, error)
	DirectMessages(ctx context.Context, userA, userB int64, limit int) ([]*Message, error)
	Conversations(ctx context.Context, userID int64) ([]*Conversation, error)
	MarkEdited(ctx context.Context, messageID int64, content string) (*Message, error)
	SoftDelete(ctx context.Context, messageID int64) (time.Time, error)

	Close() error
}
