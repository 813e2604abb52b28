package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/chatter-sync/core"
)

var (
	ErrInvalidConversation = errors.New("invalid conversation")
	ErrAttachmentNotFound  = errors.New("attachment not found")
)

// MessageInput is a message accepted by the API, before it is stored.
type MessageInput struct {
	ConversationID string
	LocalID        string
	Body           string
	AuthorKind     core.AuthorKind
	AuthorName     string
	Attachments    []core.Attachment
}

type MessageStore interface {
	// CreateMessage stores a message. A second submission with the same local id
	// returns the stored message and created is false.
	CreateMessage(ctx context.Context, in MessageInput) (msg core.Message, created bool, err error)
	// ListMessages returns a page of messages in ascending order. Page 1 holds the newest messages.
	ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]core.Message, bool, error)
	GetAttachment(ctx context.Context, ref string) (*core.Attachment, string, error)
}

type SQLiteMessageStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteMessageStore(db *sql.DB) *SQLiteMessageStore {
	return &SQLiteMessageStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLiteMessageStore) CreateMessage(ctx context.Context, in MessageInput) (core.Message, bool, error) {
	if in.ConversationID == "" {
		return core.Message{}, false, ErrInvalidConversation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Message{}, false, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	if in.LocalID != "" {
		existing, err := s.messageByLocalID(ctx, tx, in.ConversationID, in.LocalID)
		if err != nil {
			return core.Message{}, false, err
		}
		if existing != nil {
			if err := tx.Commit(); err != nil {
				return core.Message{}, false, fmt.Errorf("Commit: %w", err)
			}
			if err := s.loadAttachments(ctx, []*core.Message{existing}); err != nil {
				return core.Message{}, false, err
			}
			return *existing, false, nil
		}
	}

	msg := core.Message{
		LocalID:        in.LocalID,
		ConversationID: in.ConversationID,
		Body:           in.Body,
		AuthorKind:     in.AuthorKind,
		AuthorName:     in.AuthorName,
		CreatedAt:      s.now(),
		DeliveryState:  core.Sent,
	}

	query := `INSERT INTO messages (conversation_id, local_id, body, author_kind, author_name, created_at)
	          VALUES (@conversation_id, @local_id, @body, @author_kind, @author_name, @created_at)`
	res, err := tx.ExecContext(ctx, query,
		sql.Named("conversation_id", msg.ConversationID),
		sql.Named("local_id", nullString(msg.LocalID)),
		sql.Named("body", msg.Body),
		sql.Named("author_kind", string(msg.AuthorKind)),
		sql.Named("author_name", msg.AuthorName),
		sql.Named("created_at", msg.CreatedAt),
	)
	if err != nil {
		return core.Message{}, false, fmt.Errorf("ExecContext(insert message): %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return core.Message{}, false, fmt.Errorf("LastInsertId: %w", err)
	}

	query = `INSERT INTO attachments (ref, message_id, filename, mime_type, size, data)
	         VALUES (@ref, @message_id, @filename, @mime_type, @size, @data)`
	for _, a := range in.Attachments {
		ref := uuid.NewString()
		_, err := tx.ExecContext(ctx, query,
			sql.Named("ref", ref),
			sql.Named("message_id", msg.ID),
			sql.Named("filename", a.Filename),
			sql.Named("mime_type", a.MIMEType),
			sql.Named("size", int64(len(a.Data))),
			sql.Named("data", a.Data),
		)
		if err != nil {
			return core.Message{}, false, fmt.Errorf("ExecContext(insert attachment): %w", err)
		}
		msg.Attachments = append(msg.Attachments, core.Attachment{
			Filename: a.Filename,
			Size:     int64(len(a.Data)),
			MIMEType: a.MIMEType,
			Ref:      ref,
		})
	}

	if err := tx.Commit(); err != nil {
		return core.Message{}, false, fmt.Errorf("Commit: %w", err)
	}
	return msg, true, nil
}

func (s *SQLiteMessageStore) messageByLocalID(ctx context.Context, tx *sql.Tx, conversationID, localID string) (*core.Message, error) {
	query := `SELECT id, conversation_id, local_id, body, author_kind, author_name, created_at
	          FROM messages WHERE conversation_id = @conversation_id AND local_id = @local_id`
	row := tx.QueryRowContext(ctx, query,
		sql.Named("conversation_id", conversationID), sql.Named("local_id", localID))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}
	return m, nil
}

func (s *SQLiteMessageStore) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]core.Message, bool, error) {
	if page < 1 {
		page = 1
	}
	query := `SELECT id, conversation_id, local_id, body, author_kind, author_name, created_at
	          FROM messages WHERE conversation_id = @conversation_id
	          ORDER BY created_at DESC, id DESC
	          LIMIT @limit OFFSET @offset`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("conversation_id", conversationID),
		sql.Named("limit", pageSize+1),
		sql.Named("offset", (page-1)*pageSize),
	)
	if err != nil {
		return nil, false, fmt.Errorf("QueryContext: %w", err)
	}

	msgs := make([]*core.Message, 0, pageSize+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("Scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("rows: %w", err)
	}

	hasMore := len(msgs) > pageSize
	if hasMore {
		msgs = msgs[:pageSize]
	}
	slices.Reverse(msgs)

	if err := s.loadAttachments(ctx, msgs); err != nil {
		return nil, false, err
	}
	out := make([]core.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out, hasMore, nil
}

func (s *SQLiteMessageStore) loadAttachments(ctx context.Context, msgs []*core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[int64]*core.Message, len(msgs))
	placeholders := make([]string, 0, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		placeholders = append(placeholders, "?")
		args = append(args, m.ID)
	}

	query := `SELECT ref, message_id, filename, mime_type, size FROM attachments
	          WHERE message_id IN (` + strings.Join(placeholders, ",") + `) ORDER BY rowid`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("QueryContext(attachments): %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a         core.Attachment
			messageID int64
		)
		if err := rows.Scan(&a.Ref, &messageID, &a.Filename, &a.MIMEType, &a.Size); err != nil {
			return fmt.Errorf("Scan(attachment): %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return rows.Err()
}

func (s *SQLiteMessageStore) GetAttachment(ctx context.Context, ref string) (*core.Attachment, string, error) {
	query := `SELECT a.ref, a.filename, a.mime_type, a.size, a.data, m.conversation_id
	          FROM attachments AS a JOIN messages AS m ON m.id = a.message_id
	          WHERE a.ref = @ref`
	var (
		a              core.Attachment
		conversationID string
	)
	err := s.db.QueryRowContext(ctx, query, sql.Named("ref", ref)).
		Scan(&a.Ref, &a.Filename, &a.MIMEType, &a.Size, &a.Data, &conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrAttachmentNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("QueryRowContext: %w", err)
	}
	return &a, conversationID, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*core.Message, error) {
	var (
		m          core.Message
		localID    sql.NullString
		authorKind string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &localID, &m.Body, &authorKind, &m.AuthorName, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.LocalID = localID.String
	m.AuthorKind = core.AuthorKind(authorKind)
	m.DeliveryState = core.Sent
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
