package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OutboxPrefix is the Redis key prefix for outbox lists.
const OutboxPrefix = "workchat:outbox:"

// pushScript appends to the list unless it already holds ARGV[2] entries.
// Returns the new length, or -1 when full.
var pushScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[2]) then
	return -1
end
return redis.call("RPUSH", KEYS[1], ARGV[1])
`)

// RedisOutbox keeps pending sends in a Redis list so they survive a daemon
// restart. One list per local user.
type RedisOutbox struct {
	client   *redis.Client
	key      string
	capacity int
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("outbound: redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisOutbox returns an outbox stored under OutboxPrefix+userID.
func NewRedisOutbox(client *redis.Client, userID string, capacity int) *RedisOutbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &RedisOutbox{client: client, key: OutboxPrefix + userID, capacity: capacity}
}

func (o *RedisOutbox) Push(ctx context.Context, p Pending) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	n, err := pushScript.Run(ctx, o.client, []string{o.key}, raw, o.capacity).Int()
	if err != nil {
		return fmt.Errorf("outbound: redis push: %w", err)
	}
	if n < 0 {
		return ErrOutboxFull
	}
	return nil
}

func (o *RedisOutbox) Peek(ctx context.Context) (Pending, bool, error) {
	raw, err := o.client.LIndex(ctx, o.key, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pending{}, false, nil
	}
	if err != nil {
		return Pending{}, false, fmt.Errorf("outbound: redis peek: %w", err)
	}
	var p Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		// A corrupt head would wedge the queue forever.
		o.client.LPop(ctx, o.key)
		return Pending{}, false, fmt.Errorf("outbound: corrupt outbox entry: %w", err)
	}
	return p, true, nil
}

func (o *RedisOutbox) Pop(ctx context.Context) error {
	err := o.client.LPop(ctx, o.key).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("outbound: redis pop: %w", err)
	}
	return nil
}

func (o *RedisOutbox) Len(ctx context.Context) (int, error) {
	n, err := o.client.LLen(ctx, o.key).Result()
	if err != nil {
		return 0, fmt.Errorf("outbound: redis len: %w", err)
	}
	return int(n), nil
}

// Clear removes every pending send, e.g. on logout.
func (o *RedisOutbox) Clear(ctx context.Context) error {
	return o.client.Del(ctx, o.key).Err()
}
