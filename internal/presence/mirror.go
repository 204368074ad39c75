package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MirrorPrefix is the Redis key prefix for cluster presence hashes.
	MirrorPrefix = "presence:"

	// MirrorTTL is the time-to-live for presence keys. The heartbeat
	// refreshes it; a crashed node's entries expire on their own.
	MirrorTTL = 2 * time.Minute
)

// Mirror replicates local presence into Redis so that other gateway nodes
// and operational tooling can see cluster-wide presence. All operations are
// best-effort from the caller's perspective; a mirror outage never affects
// the in-memory Directory.
type Mirror struct {
	client   *redis.Client
	nodeName string
}

// NewMirror creates a presence mirror connected to Redis. nodeName
// identifies this gateway instance in the mirrored records.
func NewMirror(redisAddr, nodeName string) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Mirror{client: client, nodeName: nodeName}, nil
}

// Set records an identity as present on this node.
func (m *Mirror) Set(ctx context.Context, identity, kind string) error {
	key := MirrorPrefix + identity

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"node":         m.nodeName,
		"kind":         kind,
		"connected_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, MirrorTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends the TTL on an identity's presence key.
func (m *Mirror) Refresh(ctx context.Context, identity string) error {
	return m.client.Expire(ctx, MirrorPrefix+identity, MirrorTTL).Err()
}

// Delete removes an identity's presence key. Called when the identity's
// last local connection goes away.
func (m *Mirror) Delete(ctx context.Context, identity string) error {
	return m.client.Del(ctx, MirrorPrefix+identity).Err()
}

// Node returns the node an identity is connected to, or "" if the identity
// has no mirrored presence anywhere in the cluster.
func (m *Mirror) Node(ctx context.Context, identity string) (string, error) {
	node, err := m.client.HGet(ctx, MirrorPrefix+identity, "node").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return node, nil
}

// Close closes the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares the connection).
func (m *Mirror) Client() *redis.Client {
	return m.client
}
