// Package mock provides a test double for the store package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/compass-agent/compass/internal/store"
)

// SegmentStore is a mock implementation of [store.SegmentStore] that records
// every write in memory.
type SegmentStore struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every WriteSegment call.
	WriteErr error

	// Records holds every record passed to WriteSegment in order.
	Records []store.SegmentRecord
}

// Compile-time interface check.
var _ store.SegmentStore = (*SegmentStore)(nil)

// WriteSegment records rec and returns WriteErr.
func (s *SegmentStore) WriteSegment(_ context.Context, rec store.SegmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.Records = append(s.Records, rec)
	return nil
}

// Written returns a snapshot of all recorded writes. Thread-safe.
func (s *SegmentStore) Written() []store.SegmentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.SegmentRecord, len(s.Records))
	copy(out, s.Records)
	return out
}

// RecentSegments returns up to limit recorded segments for sessionID,
// newest first.
func (s *SegmentStore) RecentSegments(_ context.Context, sessionID string, limit int) ([]store.SegmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.SegmentRecord
	for i := len(s.Records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.Records[i].SessionID == sessionID {
			out = append(out, s.Records[i])
		}
	}
	return out, nil
}

// ResetCalls clears all recorded writes. Thread-safe.
func (s *SegmentStore) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = nil
}
