// Package history provides the bounded, per-session message log used by the
// chat services. It defines the Store interface for history persistence, the
// Message type stored in it, and the error taxonomy shared by every backend.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxMessages is the number of messages retained per session.
	DefaultMaxMessages = 20

	// DefaultTTL is how long an idle session survives.
	DefaultTTL = 24 * time.Hour

	// DefaultOpTimeout bounds a single backend operation.
	DefaultOpTimeout = 5 * time.Second

	// DefaultMaxContentBytes caps the size of a message body.
	DefaultMaxContentBytes = 64 << 10
)

var (
	// ErrInvalidMessage reports a malformed session id or message. It is
	// returned before any mutation takes place.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrStoreUnavailable reports that the backend could not be reached, ran
	// out of retries, or timed out.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound reports a delete against a session with no live record.
	ErrNotFound = errors.New("session not found")
)

// Role identifies the author of a message.
type Role string

// Supported roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a supported role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single conversation turn. Messages are immutable once appended.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Info summarizes a session without returning its messages.
type Info struct {
	SessionID    string
	MessageCount int

	// TTL is the remaining lifetime of the record; zero when it does not exist.
	TTL time.Duration

	// LastActivity is the timestamp of the newest message, nil when empty.
	LastActivity *time.Time
}

// Active reports whether the session currently holds a live record.
func (i Info) Active() bool {
	return i.MessageCount > 0
}

// Store defines the interface for session history persistence.
type Store interface {
	// Append adds msg at the tail of the session's history, evicts from the
	// head so that at most MaxMessages remain, and re-arms the TTL. The
	// session is created if it does not exist. Returns the resulting length.
	Append(ctx context.Context, sessionID string, msg Message) (int, error)

	// Read returns the history oldest-first. A missing or expired session
	// yields an empty slice and no error. Reads do not refresh the TTL.
	Read(ctx context.Context, sessionID string) ([]Message, error)

	// Delete removes the session immediately. Returns ErrNotFound if no live
	// record existed.
	Delete(ctx context.Context, sessionID string) error

	// List returns the ids of all sessions with a live record.
	List(ctx context.Context) ([]string, error)

	// Info returns the message count, remaining TTL and last activity.
	Info(ctx context.Context, sessionID string) (Info, error)

	// Ping checks backend connectivity without touching session data.
	Ping(ctx context.Context) error

	// Close stops background routines and releases resources.
	Close() error
}

// Options holds the retention settings shared by every backend.
type Options struct {
	MaxMessages     int
	TTL             time.Duration
	OpTimeout       time.Duration
	MaxContentBytes int
}

// WithDefaults returns a copy of o with zero fields replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.MaxContentBytes <= 0 {
		o.MaxContentBytes = DefaultMaxContentBytes
	}
	return o
}

// OpContext derives a context bounded by the operation timeout.
func (o Options) OpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.OpTimeout)
}

// Unavailable wraps a backend failure so that it matches ErrStoreUnavailable
// while keeping the underlying cause inspectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
