package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dracxi/chatapp/pkg/chat"
)

// SQLiteStore implements Store on a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// compile-time check to ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		username TEXT UNIQUE NOT NULL,
		nickname TEXT NOT NULL,
		bio TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen DATETIME,
		joindate DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS groups (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		owner_id INTEGER NOT NULL REFERENCES users(id),
		date_created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS group_members (
		join_id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id INTEGER NOT NULL REFERENCES users(id),
		group_id INTEGER NOT NULL REFERENCES groups(id),
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		join_date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (member_id, group_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		content TEXT NOT NULL,
		sender_id INTEGER NOT NULL REFERENCES users(id),
		group_id INTEGER,
		receiver_id INTEGER,
		reply_to_id INTEGER,
		time_sent DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_edited BOOLEAN NOT NULL DEFAULT FALSE,
		edited_at DATETIME,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, time_sent);
	CREATE INDEX IF NOT EXISTS idx_messages_dm ON messages(sender_id, receiver_id, time_sent);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Users ---

func (s *SQLiteStore) FindUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, nickname, bio, avatar, status, is_online, last_seen, joindate, is_deleted
		FROM users WHERE id = ? AND is_deleted = FALSE`, id)

	var u User
	var lastSeen sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Nickname, &u.Bio, &u.Avatar,
		&u.Status, &u.IsOnline, &lastSeen, &u.JoinDate, &u.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.JoinDate.IsZero() {
		u.JoinDate = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, nickname, bio, avatar, status, joindate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Username, u.Nickname, u.Bio, u.Avatar, u.Status, u.JoinDate)
	return err
}

func (s *SQLiteStore) SetUserPresence(ctx context.Context, userID int64, online bool) error {
	status := 0
	if online {
		status = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_online = ?, status = ?, last_seen = ? WHERE id = ?`,
		online, status, time.Now().UTC(), userID)
	return err
}

// --- Groups ---

func (s *SQLiteStore) FindGroup(ctx context.Context, id int64) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, avatar, owner_id, date_created
		FROM groups WHERE id = ?`, id)

	var g Group
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.Avatar, &g.OwnerID, &g.DateCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) CreateGroup(ctx context.Context, g *Group) error {
	if g.DateCreated.IsZero() {
		g.DateCreated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, description, avatar, owner_id, date_created)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.Avatar, g.OwnerID, g.DateCreated)
	return err
}

func (s *SQLiteStore) AddMember(ctx context.Context, userID, groupID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_members (member_id, group_id) VALUES (?, ?)`,
		userID, groupID)
	return err
}

func (s *SQLiteStore) IsMember(ctx context.Context, userID, groupID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM group_members WHERE member_id = ? AND group_id = ?`,
		userID, groupID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- Messages ---

// nextMessageID picks an unused random id. The id space is large enough that
// a handful of attempts always suffices in practice.
func (s *SQLiteStore) nextMessageID(ctx context.Context) (int64, error) {
	for attempt := 0; attempt < 10; attempt++ {
		id := chat.NewMessageID()
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return id, nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, errors.New("store: could not allocate a message id")
}

// checkReply validates a reply target: it must exist, belong to the given
// room, and not be soft-deleted.
func (s *SQLiteStore) checkReply(ctx context.Context, replyToID, groupID, receiverID, senderID int64) error {
	parent, err := s.FindMessage(ctx, replyToID)
	if errors.Is(err, ErrNotFound) {
		return ErrBadReply
	}
	if err != nil {
		return err
	}
	if parent.IsDeleted {
		return ErrBadReply
	}
	if groupID != 0 {
		if parent.GroupID != groupID {
			return ErrBadReply
		}
		return nil
	}
	// Same DM room means the same unordered participant pair.
	if chat.DMRoomKey(parent.SenderID, parent.ReceiverID) != chat.DMRoomKey(senderID, receiverID) {
		return ErrBadReply
	}
	return nil
}

func (s *SQLiteStore) createMessage(ctx context.Context, senderID, groupID, receiverID int64, content string, replyToID int64) (*Message, error) {
	if replyToID != 0 {
		if err := s.checkReply(ctx, replyToID, groupID, receiverID, senderID); err != nil {
			return nil, err
		}
	}
	id, err := s.nextMessageID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, content, sender_id, group_id, receiver_id, reply_to_id, time_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, content, senderID, nullableID(groupID), nullableID(receiverID), nullableID(replyToID), now)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:         id,
		Content:    content,
		SenderID:   senderID,
		GroupID:    groupID,
		ReceiverID: receiverID,
		ReplyToID:  replyToID,
		TimeSent:   now,
	}, nil
}

func (s *SQLiteStore) CreateGroupMessage(ctx context.Context, senderID, groupID int64, content string, replyToID int64) (*Message, error) {
	return s.createMessage(ctx, senderID, groupID, 0, content, replyToID)
}

func (s *SQLiteStore) CreateDirectMessage(ctx context.Context, senderID, receiverID int64, content string, replyToID int64) (*Message, error) {
	return s.createMessage(ctx, senderID, 0, receiverID, content, replyToID)
}

const messageColumns = `id, content, sender_id, group_id, receiver_id, reply_to_id,
	time_sent, is_edited, edited_at, is_deleted, deleted_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var groupID, receiverID, replyToID sql.NullInt64
	var editedAt, deletedAt sql.NullTime
	err := row.Scan(&m.ID, &m.Content, &m.SenderID, &groupID, &receiverID, &replyToID,
		&m.TimeSent, &m.IsEdited, &editedAt, &m.IsDeleted, &deletedAt)
	if err != nil {
		return nil, err
	}
	m.GroupID = groupID.Int64
	m.ReceiverID = receiverID.Int64
	m.ReplyToID = replyToID.Int64
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return &m, nil
}

func (s *SQLiteStore) FindMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) GroupMessages(ctx context.Context, groupID int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE group_id = ? AND is_deleted = FALSE
		ORDER BY time_sent DESC LIMIT ?`, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) DirectMessages(ctx context.Context, userA, userB int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		  AND is_deleted = FALSE
		ORDER BY time_sent DESC LIMIT ?`, userA, userB, userB, userA, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) Conversations(ctx context.Context, userID int64) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE receiver_id IS NOT NULL AND (sender_id = ? OR receiver_id = ?)
		ORDER BY time_sent DESC`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	var conversations []*Conversation
	seen := make(map[int64]bool)
	for _, m := range msgs {
		partner := m.ReceiverID
		if m.SenderID != userID {
			partner = m.SenderID
		}
		if seen[partner] {
			continue
		}
		seen[partner] = true
		conversations = append(conversations, &Conversation{PartnerID: partner, Latest: m})
	}
	return conversations, nil
}

func (s *SQLiteStore) MarkEdited(ctx context.Context, messageID int64, content string) (*Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, is_edited = TRUE, edited_at = ?
		WHERE id = ? AND is_deleted = FALSE`, content, now, messageID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.FindMessage(ctx, messageID)
}

func (s *SQLiteStore) SoftDelete(ctx context.Context, messageID int64) (time.Time, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_deleted = TRUE, deleted_at = ?
		WHERE id = ? AND is_deleted = FALSE`, now, messageID)
	if err != nil {
		return time.Time{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// nullableID maps the zero id to NULL so unset columns stay NULL in storage.
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
