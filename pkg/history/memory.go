package history

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// record is the in-memory representation of one session.
type record struct {
	messages  []Message
	expiresAt time.Time
}

// MemoryStore implements Store using an in-memory map with TTL-based expiration.
// It is intended for tests and single-replica development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*record
	opts     Options
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*record),
		opts:     opts.WithDefaults(),
		now:      time.Now,
	}
}

// Append adds msg to the session, evicting from the head past MaxMessages.
func (s *MemoryStore) Append(_ context.Context, sessionID string, msg Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stamp under the lock so timestamps follow append order.
	now := s.now()
	msg, err := s.opts.Prepare(sessionID, msg, now)
	if err != nil {
		return 0, err
	}

	rec, ok := s.sessions[sessionID]
	if !ok || !now.Before(rec.expiresAt) {
		rec = &record{}
		s.sessions[sessionID] = rec
	}

	rec.messages = append(rec.messages, msg)
	if over := len(rec.messages) - s.opts.MaxMessages; over > 0 {
		rec.messages = slices.Clone(rec.messages[over:])
	}
	rec.expiresAt = now.Add(s.opts.TTL)
	return len(rec.messages), nil
}

// Read returns a copy of the session's messages, oldest-first.
func (s *MemoryStore) Read(_ context.Context, sessionID string) ([]Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.live(sessionID)
	if !ok {
		return []Message{}, nil
	}
	return slices.Clone(rec.messages), nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(sessionID)
	delete(s.sessions, sessionID)
	if !ok {
		return ErrNotFound
	}
	return nil
}

// List returns the ids of all non-expired sessions in lexical order.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	ids := make([]string, 0, len(s.sessions))
	for id, rec := range s.sessions {
		if now.Before(rec.expiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Info returns the message count, remaining TTL and last activity.
func (s *MemoryStore) Info(_ context.Context, sessionID string) (Info, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Info{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{SessionID: sessionID}
	rec, ok := s.live(sessionID)
	if !ok || len(rec.messages) == 0 {
		return info, nil
	}

	last := rec.messages[len(rec.messages)-1].Timestamp
	info.MessageCount = len(rec.messages)
	info.TTL = rec.expiresAt.Sub(s.now())
	info.LastActivity = &last
	return info, nil
}

// Ping always succeeds.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// live returns the record for id if it has not expired. Callers hold s.mu.
func (s *MemoryStore) live(id string) (*record, bool) {
	rec, ok := s.sessions[id]
	if !ok || !s.now().Before(rec.expiresAt) {
		return nil, false
	}
	return rec, true
}

// Cleanup removes expired sessions.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, rec := range s.sessions {
		if !now.Before(rec.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("history: removed expired sessions", "count", removed)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired sessions. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
