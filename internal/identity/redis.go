package identity

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory reads user profiles maintained by the account system as
// redis hashes under user:<id>. This service never writes them.
type RedisDirectory struct {
	rdb *redis.Client
}

func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

func userKey(userID string) string { return "user:" + userID }

func (d *RedisDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	fields, err := d.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: lookup %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return Identity{}, ErrUnknownUser
	}
	return Identity{
		UserID:      userID,
		DisplayName: fields["display_name"],
		PushToken:   fields["push_token"],
	}, nil
}

// RegisterPushToken stores or clears a device's push token. Exposed for the
// device registration endpoint; profiles themselves stay external.
func (d *RedisDirectory) RegisterPushToken(ctx context.Context, userID, token string) error {
	if token == "" {
		return d.rdb.HDel(ctx, userKey(userID), "push_token").Err()
	}
	return d.rdb.HSet(ctx, userKey(userID), "push_token", token).Err()
}
