// Package postgres provides PostgreSQL storage for session histories.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/txn2/chat-session-store/pkg/history"
)

// psq is a statement builder configured for PostgreSQL dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements history.Store using PostgreSQL.
//
// Appends to one session are serialized by the row lock on chat_sessions,
// which is held for the whole insert-trim-refresh transaction.
type Store struct {
	db         *sql.DB
	opts       history.Options
	maxRetries uint64
	now        func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures the PostgreSQL history store.
type Config struct {
	history.Options

	// MaxRetries is how many times a transient failure is retried. Zero
	// disables retries.
	MaxRetries uint64
}

// New creates a new PostgreSQL history store. The schema is expected to be
// in place (see pkg/database/migrate).
func New(db *sql.DB, cfg Config) *Store {
	return &Store{
		db:         db,
		opts:       cfg.Options.WithDefaults(),
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
	}
}

// Append inserts msg, trims the session to MaxMessages and re-arms the TTL.
func (s *Store) Append(ctx context.Context, sessionID string, msg history.Message) (int, error) {
	msg, err := s.opts.Prepare(sessionID, msg, s.now())
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	var count int
	err = s.retry(ctx, "appending message", func() error {
		n, txErr := s.appendTx(ctx, sessionID, msg)
		count = n
		return txErr
	})
	return count, err
}

func (s *Store) appendTx(ctx context.Context, sessionID string, msg history.Message) (count int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ttl := interval(s.opts.TTL)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, expires_at)
		VALUES ($1, NOW() + $2::interval)
		ON CONFLICT (id) DO NOTHING
	`, sessionID, ttl)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}

	var live bool
	err = tx.QueryRowContext(ctx,
		`SELECT expires_at > NOW() FROM chat_sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&live)
	if err != nil {
		return 0, fmt.Errorf("locking session: %w", err)
	}

	// An expired record is equivalent to none: start over.
	if !live {
		if _, err = tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID); err != nil {
			return 0, fmt.Errorf("purging expired messages: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, string(msg.Role), msg.Content, msg.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM chat_messages
		WHERE session_id = $1 AND id NOT IN (
			SELECT id FROM chat_messages WHERE session_id = $1 ORDER BY id DESC LIMIT $2
		)
	`, sessionID, s.opts.MaxMessages)
	if err != nil {
		return 0, fmt.Errorf("trimming messages: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET last_active_at = NOW(), expires_at = NOW() + $2::interval
		WHERE id = $1
	`, sessionID, ttl)
	if err != nil {
		return 0, fmt.Errorf("refreshing session: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = $1`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing append: %w", err)
	}
	return count, nil
}

// Read returns the session's messages oldest-first.
func (s *Store) Read(ctx context.Context, sessionID string) ([]history.Message, error) {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	query, args, err := psq.Select("m.role", "m.content", "m.created_at").
		From("chat_messages m").
		Join("chat_sessions s ON s.id = m.session_id").
		Where(sq.Eq{"m.session_id": sessionID}).
		Where("s.expires_at > NOW()").
		OrderBy("m.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building history query: %w", err)
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	var messages []history.Message
	err = s.retry(ctx, "reading history", func() error {
		var qErr error
		messages, qErr = s.queryMessages(ctx, query, args)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args []any) ([]history.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []history.Message{}
	for rows.Next() {
		var (
			role string
			msg  history.Message
		)
		if err := rows.Scan(&role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Role = history.Role(role)
		msg.Timestamp = history.Normalize(msg.Timestamp)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// Delete removes the session and, by cascade, its messages.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return err
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	var live bool
	err := s.retry(ctx, "deleting session", func() error {
		err := s.db.QueryRowContext(ctx,
			`DELETE FROM chat_sessions WHERE id = $1 RETURNING expires_at > NOW()`, sessionID,
		).Scan(&live)
		if errors.Is(err, sql.ErrNoRows) {
			live = false
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if !live {
		return history.ErrNotFound
	}
	return nil
}

// List returns the ids of all non-expired sessions.
func (s *Store) List(ctx context.Context) ([]string, error) {
	query, args, err := psq.Select("id").
		From("chat_sessions").
		Where("expires_at > NOW()").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	var ids []string
	err = s.retry(ctx, "listing sessions", func() error {
		var qErr error
		ids, qErr = s.queryIDs(ctx, query, args)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return ids, nil
}

// Info returns the message count, remaining TTL and last activity.
func (s *Store) Info(ctx context.Context, sessionID string) (history.Info, error) {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return history.Info{}, err
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	info := history.Info{SessionID: sessionID}
	err := s.retry(ctx, "reading session info", func() error {
		var (
			count      int
			ttlSeconds float64
			last       sql.NullTime
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(m.id),
			       GREATEST(EXTRACT(EPOCH FROM (s.expires_at - NOW())), 0),
			       MAX(m.created_at)
			FROM chat_sessions s
			LEFT JOIN chat_messages m ON m.session_id = s.id
			WHERE s.id = $1 AND s.expires_at > NOW()
			GROUP BY s.id, s.expires_at
		`, sessionID).Scan(&count, &ttlSeconds, &last)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scanning session info: %w", err)
		}
		info.MessageCount = count
		info.TTL = time.Duration(ttlSeconds * float64(time.Second))
		if last.Valid {
			ts := history.Normalize(last.Time)
			info.LastActivity = &ts
		}
		return nil
	})
	if err != nil {
		return history.Info{}, err
	}
	if info.MessageCount == 0 {
		return history.Info{SessionID: sessionID}, nil
	}
	return info, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return history.Unavailable("pinging database", err)
	}
	return nil
}

// Cleanup removes expired sessions.
func (s *Store) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return fmt.Errorf("cleaning up sessions: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired sessions. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
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
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("history cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit. The database
// handle belongs to the caller and is left open.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// retry runs fn with exponential backoff while it fails transiently. Any
// failure left at the end is reported as history.ErrStoreUnavailable.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return history.Unavailable(op, err)
	}
	return nil
}

// transient reports whether err is worth retrying: broken connections,
// serialization failures, deadlocks and server shutdowns.
func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "57P01":
			return true
		}
		return pqErr.Code.Class() == "08"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// interval renders d as a PostgreSQL interval literal.
func interval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

// Verify interface compliance.
var _ history.Store = (*Store)(nil)
