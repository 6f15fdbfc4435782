// Package store defines the segment metadata persistence boundary.
//
// The gate emits segments through a callback; persistence is a downstream
// collaborator wired in by the pipeline, never part of the state machine.
// Writes are best-effort: a failed insert is logged and counted, but never
// interrupts audio processing.
package store

import (
	"context"
	"time"
)

// SegmentRecord is the persisted metadata for one finalised speech segment.
// The audio bytes themselves are not stored.
type SegmentRecord struct {
	// SessionID identifies the ingest session that produced the segment.
	SessionID string

	// T0 is the segment start relative to stream start.
	T0 time.Duration

	// T1 is the segment end relative to stream start.
	T1 time.Duration

	// SampleRate is the stream sample rate in Hz.
	SampleRate int

	// ByteLen is the length of the segment's PCM payload.
	ByteLen int

	// CreatedAt is when the segment was finalised (wall clock). Zero on
	// write; populated when read back.
	CreatedAt time.Time
}

// SegmentStore persists segment metadata. Implementations must be safe for
// concurrent use.
type SegmentStore interface {
	// WriteSegment appends one segment record.
	WriteSegment(ctx context.Context, rec SegmentRecord) error

	// RecentSegments returns up to limit records for sessionID, newest first.
	RecentSegments(ctx context.Context, sessionID string, limit int) ([]SegmentRecord, error)
}
