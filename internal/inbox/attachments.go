package inbox

import (
	"context"
	"fmt"
	"time"
)

// AttachmentRef is lazy-fetch metadata for an attachment observed on an
// ingested message. Bodies are never stored in the route table; a fetch
// worker resolves blob_ref later.
type AttachmentRef struct {
	MessageID    string
	AttachmentID string
	MediaType    string
	SizeBytes    int64
	Fetched      bool
	BlobRef      *string
	CreatedAt    time.Time
}

// AttachmentStore persists attachment references.
type AttachmentStore struct {
	db DB
}

// NewAttachmentStore creates an AttachmentStore.
func NewAttachmentStore(db DB) *AttachmentStore {
	return &AttachmentStore{db: db}
}

// Record upserts an attachment reference. Re-observing the same
// (message_id, attachment_id) pair is a no-op.
func (s *AttachmentStore) Record(ctx context.Context, ref AttachmentRef) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO attachment_refs (message_id, attachment_id, media_type, size_bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, attachment_id) DO NOTHING
	`, ref.MessageID, ref.AttachmentID, ref.MediaType, ref.SizeBytes)
	if err != nil {
		return fmt.Errorf("record attachment ref: %w", err)
	}
	return nil
}

// PendingFetch returns unfetched refs, newest first, for the lazy-fetch
// worker. Backed by the (fetched, created_at DESC) index.
func (s *AttachmentStore) PendingFetch(ctx context.Context, limit int) ([]AttachmentRef, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT message_id, attachment_id, media_type, size_bytes, fetched, blob_ref, created_at
		FROM attachment_refs
		WHERE fetched = FALSE
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("scan pending attachments: %w", err)
	}
	defer rows.Close()

	var out []AttachmentRef
	for rows.Next() {
		var ref AttachmentRef
		if err := rows.Scan(&ref.MessageID, &ref.AttachmentID, &ref.MediaType,
			&ref.SizeBytes, &ref.Fetched, &ref.BlobRef, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// MarkFetched records the resolved blob reference for an attachment.
func (s *AttachmentStore) MarkFetched(ctx context.Context, messageID, attachmentID, blobRef string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE attachment_refs
		SET fetched = TRUE, blob_ref = $3
		WHERE message_id = $1 AND attachment_id = $2
	`, messageID, attachmentID, blobRef)
	if err != nil {
		return fmt.Errorf("mark attachment fetched: %w", err)
	}
	return nil
}
