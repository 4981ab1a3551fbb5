package registry

import (
	"context"
	"fmt"
)

// RoutingEntry is one append-only routing_log record. The log doubles as
// the thread-affinity history: triage groups it by target_butler per
// thread.
type RoutingEntry struct {
	SourceButler  string
	TargetButler  string
	ToolName      string
	Success       bool
	DurationMS    int64
	Error         string
	SourceChannel string
	ThreadID      string
}

// RoutingLog appends routing decisions to the routing_log table.
type RoutingLog struct {
	db DB
}

// NewRoutingLog creates a RoutingLog.
func NewRoutingLog(db DB) *RoutingLog {
	return &RoutingLog{db: db}
}

// Append writes one routing record. Rows are never updated or deleted.
func (l *RoutingLog) Append(ctx context.Context, e RoutingEntry) error {
	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}
	var channel *string
	if e.SourceChannel != "" {
		channel = &e.SourceChannel
	}
	var threadID *string
	if e.ThreadID != "" {
		threadID = &e.ThreadID
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO routing_log (
			source_butler, target_butler, tool_name, success,
			duration_ms, error, source_channel, thread_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.SourceButler, e.TargetButler, e.ToolName, e.Success,
		e.DurationMS, errText, channel, threadID)
	if err != nil {
		return fmt.Errorf("append routing log: %w", err)
	}
	return nil
}
