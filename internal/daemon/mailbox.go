package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MailboxDB is the slice of pgxpool.Pool the mailbox needs.
type MailboxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// MailboxStore appends inter-butler mail to this butler's mailbox table.
type MailboxStore struct {
	db MailboxDB
}

// NewMailboxStore creates a MailboxStore.
func NewMailboxStore(db MailboxDB) *MailboxStore {
	return &MailboxStore{db: db}
}

// MailboxPost is one incoming mailbox message.
type MailboxPost struct {
	Sender        string         `json:"sender"`
	SenderChannel string         `json:"sender_channel"`
	Body          string         `json:"body"`
	Subject       string         `json:"subject,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Append stores one mail row and returns its id.
func (s *MailboxStore) Append(ctx context.Context, post MailboxPost) (uuid.UUID, error) {
	if post.Sender == "" || post.Body == "" {
		return uuid.Nil, fmt.Errorf("mailbox post requires sender and body")
	}
	if post.Priority == "" {
		post.Priority = "normal"
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	metadata, err := json.Marshal(post.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode mail metadata: %w", err)
	}

	var subject *string
	if post.Subject != "" {
		subject = &post.Subject
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO mailbox (id, sender, sender_channel, body, subject, priority, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, id, post.Sender, post.SenderChannel, post.Body, subject, post.Priority, metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("append mailbox row: %w", err)
	}
	return id, nil
}
