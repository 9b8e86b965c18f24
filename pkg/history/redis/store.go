// Package redis provides Redis storage for session histories.
//
// Each session is a single list key holding encoded messages oldest-first.
// Appends run RPUSH, LTRIM, EXPIRE and LLEN inside one MULTI/EXEC
// transaction, so the bound and the TTL are applied atomically with the push
// and concurrent appends never observe or produce an over-long list.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/txn2/chat-session-store/pkg/codec"
	"github.com/txn2/chat-session-store/pkg/history"
)

const (
	// DefaultKeyPrefix namespaces session keys.
	DefaultKeyPrefix = "session:"

	// messagesSuffix terminates every session key.
	messagesSuffix = ":messages"

	// scanBatch is the COUNT hint passed to SCAN.
	scanBatch = 100
)

// Config configures the Redis history store.
type Config struct {
	history.Options

	// KeyPrefix is prepended to every session key. Defaults to "session:".
	KeyPrefix string

	// Codec encodes list entries. Defaults to JSON.
	Codec codec.Codec
}

// Store implements history.Store using Redis lists.
type Store struct {
	client goredis.UniversalClient
	opts   history.Options
	prefix string
	codec  codec.Codec
	now    func() time.Time
}

// New creates a new Redis history store. The client is owned by the store
// and closed by Close.
func New(client goredis.UniversalClient, cfg Config) *Store {
	s := &Store{
		client: client,
		opts:   cfg.Options.WithDefaults(),
		prefix: cfg.KeyPrefix,
		codec:  cfg.Codec,
		now:    time.Now,
	}
	if s.prefix == "" {
		s.prefix = DefaultKeyPrefix
	}
	if s.codec == nil {
		s.codec = codec.JSON{}
	}
	return s
}

// ClientConfig configures the connection pool to the Redis server.
type ClientConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	DB                 int
	TLS                bool
	InsecureSkipVerify bool
	PoolSize           int
	MaxRetries         int
	DialTimeout        time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// NewClient builds a pooled go-redis client from cfg.
func NewClient(cfg ClientConfig) *goredis.Client {
	opts := &goredis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.Host,
			// #nosec G402 -- opt-in for managed caches with private CAs
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
	}
	return goredis.NewClient(opts)
}

// Append pushes msg onto the session list, trims it to MaxMessages and
// re-arms the TTL in a single transaction.
func (s *Store) Append(ctx context.Context, sessionID string, msg history.Message) (int, error) {
	msg, err := s.opts.Prepare(sessionID, msg, s.now())
	if err != nil {
		return 0, err
	}

	payload, err := s.codec.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("appending message: %w", err)
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	key := s.key(sessionID)
	var length *goredis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, int64(-s.opts.MaxMessages), -1)
		pipe.Expire(ctx, key, s.opts.TTL)
		length = pipe.LLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, history.Unavailable("appending message", err)
	}
	return int(length.Val()), nil
}

// Read returns the session's messages oldest-first.
func (s *Store) Read(ctx context.Context, sessionID string) ([]history.Message, error) {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, history.Unavailable("reading history", err)
	}
	return s.decodeAll(sessionID, raw), nil
}

// Delete removes the session key.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return err
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	n, err := s.client.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		return history.Unavailable("deleting session", err)
	}
	if n == 0 {
		return history.ErrNotFound
	}
	return nil
}

// List scans for live session keys. Keys expiring during the scan may or may
// not be reported.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	pattern := escapeGlob(s.prefix) + "*" + messagesSuffix
	seen := make(map[string]struct{})
	ids := []string{}

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, history.Unavailable("listing sessions", err)
		}
		for _, key := range keys {
			id, ok := s.sessionID(key)
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// Info pipelines LLEN, PTTL and LINDEX -1 for the session key.
func (s *Store) Info(ctx context.Context, sessionID string) (history.Info, error) {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return history.Info{}, err
	}

	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	key := s.key(sessionID)
	var (
		length *goredis.IntCmd
		ttl    *goredis.DurationCmd
		last   *goredis.StringCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		length = pipe.LLen(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		last = pipe.LIndex(ctx, key, -1)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return history.Info{}, history.Unavailable("reading session info", err)
	}

	info := history.Info{SessionID: sessionID}
	if length.Val() == 0 {
		return info, nil
	}
	info.MessageCount = int(length.Val())
	if d := ttl.Val(); d > 0 {
		info.TTL = d
	}
	if msg, err := s.codec.Decode([]byte(last.Val())); err == nil {
		ts := msg.Timestamp
		info.LastActivity = &ts
	}
	return info, nil
}

// Ping checks connectivity to the Redis server.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opts.OpContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return history.Unavailable("pinging redis", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// decodeAll decodes list entries, skipping any that cannot be parsed.
func (s *Store) decodeAll(sessionID string, raw []string) []history.Message {
	messages := make([]history.Message, 0, len(raw))
	for i, entry := range raw {
		msg, err := s.codec.Decode([]byte(entry))
		if err != nil {
			slog.Warn("history: skipping undecodable message",
				"session_id", sessionID, "index", i, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID + messagesSuffix
}

// sessionID recovers the session id from a key produced by key.
func (s *Store) sessionID(key string) (string, bool) {
	if !strings.HasPrefix(key, s.prefix) || !strings.HasSuffix(key, messagesSuffix) {
		return "", false
	}
	id := key[len(s.prefix) : len(key)-len(messagesSuffix)]
	return id, id != ""
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Verify interface compliance.
var _ history.Store = (*Store)(nil)
