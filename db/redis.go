package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/apperr"
	"chatrelay/models"
)

const (
	// pendingKeyPrefix + {len(recipient)}:{recipient}:{sender} -> list of JSON entries
	pendingKeyPrefix = "chatrelay:pending:"
	// pendingCountPrefix + {recipient} -> hash sender -> count
	pendingCountPrefix = "chatrelay:pending-count:"
	pendingSeqKey      = "chatrelay:pending-seq"
)

func buildPendingKey(recipient, sender string) string {
	// the length prefix keeps "a:b"+"c" and "a"+"b:c" apart
	return fmt.Sprintf("%s%d:%s:%s", pendingKeyPrefix, len(recipient), recipient, sender)
}

func buildPendingCountKey(recipient string) string {
	return pendingCountPrefix + recipient
}

type redisEntry struct {
	ID         int64     `json:"id"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Ciphertext string    `json:"ciphertext"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Redis keeps one list per (recipient, sender) pair plus a per-recipient
// counter hash so CountBySender is a single HGETALL.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (r *Redis) Enqueue(ctx context.Context, msg models.PendingMessage) error {
	id, err := r.client.Incr(ctx, pendingSeqKey).Result()
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}

	data, err := json.Marshal(redisEntry{
		ID:         id,
		Sender:     msg.Sender,
		Recipient:  msg.Recipient,
		Ciphertext: msg.Ciphertext,
		CreatedAt:  msg.CreatedAt.UTC(),
	})
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, buildPendingKey(msg.Recipient, msg.Sender), data)
		pipe.HIncrBy(ctx, buildPendingCountKey(msg.Recipient), msg.Sender, 1)
		return nil
	})
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (r *Redis) Drain(ctx context.Context, recipient, sender string) ([]models.PendingMessage, error) {
	values, err := r.client.LRange(ctx, buildPendingKey(recipient, sender), 0, -1).Result()
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}

	messages := make([]models.PendingMessage, 0, len(values))
	for _, value := range values {
		var e redisEntry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			return nil, apperr.ErrStoreUnavailable.Wrapf("decode pending entry: %v", err)
		}
		messages = append(messages, models.PendingMessage{
			ID:         e.ID,
			Sender:     e.Sender,
			Recipient:  e.Recipient,
			Ciphertext: e.Ciphertext,
			CreatedAt:  e.CreatedAt,
		})
	}
	return messages, nil
}

func (r *Redis) Purge(ctx context.Context, recipient, sender string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, buildPendingKey(recipient, sender))
		pipe.HDel(ctx, buildPendingCountKey(recipient), sender)
		return nil
	})
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (r *Redis) PurgeThrough(ctx context.Context, recipient, sender string, lastID int64) error {
	messages, err := r.Drain(ctx, recipient, sender)
	if err != nil {
		return err
	}

	// entries are appended in id order, so the ones to drop form a prefix
	n := 0
	for _, m := range messages {
		if m.ID > lastID {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}
	if n == len(messages) {
		return r.Purge(ctx, recipient, sender)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LTrim(ctx, buildPendingKey(recipient, sender), int64(n), -1)
		pipe.HIncrBy(ctx, buildPendingCountKey(recipient), sender, int64(-n))
		return nil
	})
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (r *Redis) CountBySender(ctx context.Context, recipient string) (map[string]int, error) {
	entries, err := r.client.HGetAll(ctx, buildPendingCountKey(recipient)).Result()
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}

	counts := make(map[string]int, len(entries))
	for sender, value := range entries {
		count, err := strconv.Atoi(value)
		if err != nil || count <= 0 {
			continue
		}
		counts[sender] = count
	}
	return counts, nil
}
