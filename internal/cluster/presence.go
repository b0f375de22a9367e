package cluster

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which instances, connections, and authenticated users are
// live across the cluster. All operations are best-effort from the server's
// point of view; failures are logged by the relay and never affect local
// service.
type Presence interface {
	Register(ctx context.Context, instanceID string) error
	// Deregister removes the instance and deletes its per-instance sets.
	Deregister(ctx context.Context, instanceID string) error
	AddClient(ctx context.Context, instanceID, clientID string) error
	RemoveClient(ctx context.Context, instanceID, clientID string) error
	AddUser(ctx context.Context, instanceID, userID string) error
	RemoveUser(ctx context.Context, instanceID, userID string) error
	// Counts returns cluster-wide live connections and distinct
	// authenticated users.
	Counts(ctx context.Context) (clients int64, users int64, err error)
}

const defaultKeyPrefix = "helene:"

// RedisPresence keeps per-instance membership sets in Redis:
// instances, clients:<instanceId>, users:<instanceId>.
type RedisPresence struct {
	client *redis.Client
	prefix string
}

// NewRedisPresence wraps an existing Redis client, typically shared with the
// RedisBus.
func NewRedisPresence(client *redis.Client, prefix string) *RedisPresence {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisPresence{client: client, prefix: prefix}
}

func (p *RedisPresence) instancesKey() string        { return p.prefix + "instances" }
func (p *RedisPresence) clientsKey(id string) string { return p.prefix + "clients:" + id }
func (p *RedisPresence) usersKey(id string) string   { return p.prefix + "users:" + id }

func (p *RedisPresence) Register(ctx context.Context, instanceID string) error {
	return p.client.SAdd(ctx, p.instancesKey(), instanceID).Err()
}

func (p *RedisPresence) Deregister(ctx context.Context, instanceID string) error {
	pipe := p.client.TxPipeline()
	pipe.SRem(ctx, p.instancesKey(), instanceID)
	pipe.Del(ctx, p.clientsKey(instanceID), p.usersKey(instanceID))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) AddClient(ctx context.Context, instanceID, clientID string) error {
	return p.client.SAdd(ctx, p.clientsKey(instanceID), clientID).Err()
}

func (p *RedisPresence) RemoveClient(ctx context.Context, instanceID, clientID string) error {
	return p.client.SRem(ctx, p.clientsKey(instanceID), clientID).Err()
}

func (p *RedisPresence) AddUser(ctx context.Context, instanceID, userID string) error {
	return p.client.SAdd(ctx, p.usersKey(instanceID), userID).Err()
}

func (p *RedisPresence) RemoveUser(ctx context.Context, instanceID, userID string) error {
	return p.client.SRem(ctx, p.usersKey(instanceID), userID).Err()
}

func (p *RedisPresence) Counts(ctx context.Context) (int64, int64, error) {
	instances, err := p.client.SMembers(ctx, p.instancesKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("list instances: %w", err)
	}
	if len(instances) == 0 {
		return 0, 0, nil
	}

	var clients int64
	userKeys := make([]string, 0, len(instances))
	for _, id := range instances {
		n, err := p.client.SCard(ctx, p.clientsKey(id)).Result()
		if err != nil {
			return 0, 0, fmt.Errorf("count clients for %s: %w", id, err)
		}
		clients += n
		userKeys = append(userKeys, p.usersKey(id))
	}

	users, err := p.client.SUnion(ctx, userKeys...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("union users: %w", err)
	}
	return clients, int64(len(users)), nil
}
