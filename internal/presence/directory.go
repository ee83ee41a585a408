// Package presence tracks which backend server each online player is connected to.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ranksync/internal/model"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis hash holding online players.
const DefaultKey = "ranksync:presence"

// Directory resolves usernames to live sessions.
type Directory interface {
	// Lookup returns the player's presence. ok is false when the player is offline.
	Lookup(ctx context.Context, username string) (p model.Presence, ok bool, err error)

	// Join records p, replacing any earlier session for the same username.
	Join(ctx context.Context, p model.Presence) error

	// Leave removes the player if they are still recorded on server.
	Leave(ctx context.Context, username, server string) error
}

func normalize(username string) string {
	return strings.ToLower(username)
}

var leaveIfServerScript = redis.NewScript(`
	local v = redis.call("HGET", KEYS[1], ARGV[1])
	if v and cjson.decode(v).server == ARGV[2] then
		return redis.call("HDEL", KEYS[1], ARGV[1])
	end
	return 0
`)

// RedisDirectory stores presence in a single Redis hash shared by coordinator and backends.
type RedisDirectory struct {
	client redis.UniversalClient
	key    string
}

// NewRedisDirectory creates a directory over client.
func NewRedisDirectory(client redis.UniversalClient, key string) *RedisDirectory {
	if key == "" {
		key = DefaultKey
	}
	return &RedisDirectory{client: client, key: key}
}

// Lookup returns the player's presence.
func (d *RedisDirectory) Lookup(ctx context.Context, username string) (model.Presence, bool, error) {
	data, err := d.client.HGet(ctx, d.key, normalize(username)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Presence{}, false, nil
	}
	if err != nil {
		return model.Presence{}, false, fmt.Errorf("presence lookup: %w: %w", model.ErrBackendUnavailable, err)
	}

	var p model.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Presence{}, false, fmt.Errorf("presence lookup: corrupt entry for %s: %w", username, err)
	}
	return p, true, nil
}

// Join records p.
func (d *RedisDirectory) Join(ctx context.Context, p model.Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := d.client.HSet(ctx, d.key, normalize(p.Username), data).Err(); err != nil {
		return fmt.Errorf("presence join: %w: %w", model.ErrBackendUnavailable, err)
	}
	return nil
}

// Leave removes the player if still recorded on server, so a late leave from the previous
// server does not erase a session the player already opened elsewhere.
func (d *RedisDirectory) Leave(ctx context.Context, username, server string) error {
	if err := leaveIfServerScript.Run(ctx, d.client, []string{d.key}, normalize(username), server).Err(); err != nil {
		return fmt.Errorf("presence leave: %w: %w", model.ErrBackendUnavailable, err)
	}
	return nil
}

// MemoryDirectory is an in-process Directory for single-node runs and tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	players map[string]model.Presence
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{players: make(map[string]model.Presence)}
}

// Lookup returns the player's presence.
func (d *MemoryDirectory) Lookup(ctx context.Context, username string) (model.Presence, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.players[normalize(username)]
	return p, ok, nil
}

// Join records p.
func (d *MemoryDirectory) Join(ctx context.Context, p model.Presence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.players[normalize(p.Username)] = p
	return nil
}

// Leave removes the player if still recorded on server.
func (d *MemoryDirectory) Leave(ctx context.Context, username, server string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.players[normalize(username)]; ok && p.Server == server {
		delete(d.players, normalize(username))
	}
	return nil
}

var (
	_ Directory = (*RedisDirectory)(nil)
	_ Directory = (*MemoryDirectory)(nil)
)
