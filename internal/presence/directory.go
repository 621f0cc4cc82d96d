// Package presence provides the Redis-backed presence directory shared by
// all relay instances. It maps a user identity to the set of live connection
// identifiers, plus a reverse index from connection ID to user so that a
// transport disconnect can be resolved without scanning every entry.
//
//	Key:   presence:user:<email>   SET of connection IDs
//	Key:   presence:conn:<connID>  owning email (reverse index)
//
// Each mutation touches a single user entry and its reverse-index keys
// atomically via a Lua script, so concurrent instances never lose updates.
// A user appears in the directory iff its connection set is non-empty;
// entries are deleted when the last connection is removed, never left empty.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix is the Redis key prefix for per-user connection sets.
	UserPrefix = "presence:user:"

	// ConnPrefix is the Redis key prefix for the reverse conn -> user index.
	ConnPrefix = "presence:conn:"
)

// Directory manages presence entries in Redis.
type Directory struct {
	client       *redis.Client
	addScript    *redis.Script
	removeScript *redis.Script
	dropScript   *redis.Script
}

// NewDirectory creates a presence directory backed by the given Redis client.
func NewDirectory(client *redis.Client) *Directory {
	return &Directory{
		client:       client,
		addScript:    redis.NewScript(addConnectionLua),
		removeScript: redis.NewScript(removeConnectionLua),
		dropScript:   redis.NewScript(removeUserConnectionLua),
	}
}

// Open connects to Redis at the given address and returns a ready directory.
// It returns an error if the initial ping fails.
func Open(addr string) (*Directory, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewDirectory(client), nil
}

// AddConnection registers connID under the user's entry, creating the entry
// if absent. It is idempotent: adding the same connection twice leaves the
// set unchanged, and re-announcing under a different identity moves the
// connection instead of duplicating it. The reverse index is written in the
// same atomic step.
func (d *Directory) AddConnection(ctx context.Context, user, connID string) error {
	keys := []string{UserPrefix + user, ConnPrefix + connID}
	if err := d.addScript.Run(ctx, d.client, keys, connID, user, UserPrefix).Err(); err != nil {
		return fmt.Errorf("presence: add connection %s for %s: %w", connID, user, err)
	}
	return nil
}

// RemoveConnection removes connID from whichever user entry currently
// contains it, using the reverse index to locate the owner. It returns the
// owning user identity, or "" if the connection was not registered. The
// entry is deleted when its set becomes empty.
func (d *Directory) RemoveConnection(ctx context.Context, connID string) (string, error) {
	keys := []string{ConnPrefix + connID}
	user, err := d.removeScript.Run(ctx, d.client, keys, UserPrefix, connID).Text()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: remove connection %s: %w", connID, err)
	}
	return user, nil
}

// RemoveUserConnection removes connID from a known user's entry and deletes
// the entry if it becomes empty. Prefer RemoveConnection when the owning
// user is unknown.
func (d *Directory) RemoveUserConnection(ctx context.Context, user, connID string) error {
	keys := []string{UserPrefix + user, ConnPrefix + connID}
	if err := d.dropScript.Run(ctx, d.client, keys, connID).Err(); err != nil {
		return fmt.Errorf("presence: remove connection %s for %s: %w", connID, user, err)
	}
	return nil
}

// ConnectionsFor returns the current connection-identifier set for a user,
// or an empty slice if the user has no entry.
func (d *Directory) ConnectionsFor(ctx context.Context, user string) ([]string, error) {
	conns, err := d.client.SMembers(ctx, UserPrefix+user).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: connections for %s: %w", user, err)
	}
	return conns, nil
}

// ListActiveUsers returns the sorted set of user identities with non-empty
// entries. It is a SCAN-based snapshot used only for the advisory
// active-user broadcast, never for delivery routing.
func (d *Directory) ListActiveUsers(ctx context.Context) ([]string, error) {
	var users []string
	iter := d.client.Scan(ctx, 0, UserPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), UserPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence: list active users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// Close closes the underlying Redis connection.
func (d *Directory) Close() error {
	return d.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (rate limiting shares the same connection pool).
func (d *Directory) Client() *redis.Client {
	return d.client
}

// addConnectionLua atomically adds a connection to the user's set and
// records the reverse index entry. If the connection was registered under a
// different user, it is moved: removed from the old owner's set (deleting
// the entry if it empties) in the same atomic step, so a re-announcement
// never strands the connection in two sets.
const addConnectionLua = `
local old = redis.call('GET', KEYS[2])
if old and old ~= ARGV[2] then
    local okey = ARGV[3] .. old
    redis.call('SREM', okey, ARGV[1])
    if redis.call('SCARD', okey) == 0 then
        redis.call('DEL', okey)
    end
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
return 1
`

// removeConnectionLua resolves the owning user through the reverse index,
// removes the connection from the user's set, deletes the entry if it is now
// empty, and clears the reverse index. Returns the user, or nil when the
// connection was not registered.
const removeConnectionLua = `
local user = redis.call('GET', KEYS[1])
if not user then
    return nil
end
local ukey = ARGV[1] .. user
redis.call('SREM', ukey, ARGV[2])
if redis.call('SCARD', ukey) == 0 then
    redis.call('DEL', ukey)
end
redis.call('DEL', KEYS[1])
return user
`

// removeUserConnectionLua removes a connection from a known user's set,
// deleting the entry when it empties, and clears the reverse index.
const removeUserConnectionLua = `
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
    redis.call('DEL', KEYS[1])
end
redis.call('DEL', KEYS[2])
return 1
`
