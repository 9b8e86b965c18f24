package history

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// maxSessionIDBytes bounds the length of a session identifier.
const maxSessionIDBytes = 256

// ValidateSessionID checks that id is usable as a storage key.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidMessage)
	}
	if len(id) > maxSessionIDBytes {
		return fmt.Errorf("%w: session id exceeds %d bytes", ErrInvalidMessage, maxSessionIDBytes)
	}
	if strings.ContainsRune(id, '/') {
		return fmt.Errorf("%w: session id must not contain '/'", ErrInvalidMessage)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: session id contains control characters", ErrInvalidMessage)
	}
	return nil
}

// Prepare validates an append request and returns the message as it will be
// stored: timestamped when the caller left it empty, normalized to UTC at
// microsecond precision.
func (o Options) Prepare(sessionID string, msg Message, now time.Time) (Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Message{}, err
	}
	if !msg.Role.Valid() {
		return Message{}, fmt.Errorf("%w: unsupported role %q", ErrInvalidMessage, msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return Message{}, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	if o.MaxContentBytes > 0 && len(msg.Content) > o.MaxContentBytes {
		return Message{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidMessage, o.MaxContentBytes)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.Timestamp = Normalize(msg.Timestamp)
	return msg, nil
}

// Normalize converts t to the precision every backend can round-trip.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
