// Package session tracks live WebSocket sessions in Redis. A session ties a
// connection to the signed-in user and the server instance holding it, and
// expires on its own if the server dies without cleaning up.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Touch
	// extends it on activity.
	SessionTTL = time.Hour
)

// ErrNotFound is returned by Get for an unknown or expired session.
var ErrNotFound = errors.New("session: not found")

// Session is one live connection as stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UID        string `redis:"uid"`
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session for uid on this server.
func (s *Store) Create(ctx context.Context, sessionID, uid string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, Session{
			ID:         sessionID,
			UID:        uid,
			Server:     s.serverName,
			CreatedAt:  now,
			LastActive: now,
		})
		pipe.Expire(ctx, key, SessionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session, or ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&sess); err != nil {
		return Session{}, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if sess.ID == "" {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Touch records activity and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_active", time.Now().Unix())
		pipe.Expire(ctx, key, SessionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, SessionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
