package webhookRepo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"buildappswith/models"

	"github.com/go-redis/redis/v8"
)

const (
	seenPrefix   = "webhook:seen:"
	bufferPrefix = "webhook:buffer:"
	expiryIndex  = "webhook:buffer:deadlines"
)

type RedisWebhookStore struct {
	client *redis.Client
}

func NewRedisWebhookStore(client *redis.Client) *RedisWebhookStore {
	return &RedisWebhookStore{client: client}
}

func seenKey(provider models.WebhookProvider, eventID string) string {
	return seenPrefix + string(provider) + ":" + eventID
}

func (s *RedisWebhookStore) Claim(ctx context.Context, provider models.WebhookProvider, eventID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, seenKey(provider, eventID), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim webhook %s/%s: %w", provider, eventID, err)
	}
	return ok, nil
}

func (s *RedisWebhookStore) Release(ctx context.Context, provider models.WebhookProvider, eventID string) error {
	return s.client.Del(ctx, seenKey(provider, eventID)).Err()
}

func (s *RedisWebhookStore) Buffer(ctx context.Context, key string, ev models.WebhookEvent, ttl time.Duration) error {
	data, err := models.EncodeWebhookEvent(ev)
	if err != nil {
		return err
	}
	deadline := float64(time.Now().Add(ttl).Unix())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, bufferPrefix+key, data)
		// NX keeps the deadline of the first buffered event.
		pipe.ZAddNX(ctx, expiryIndex, &redis.Z{Score: deadline, Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("buffer webhook under %s: %w", key, err)
	}
	return nil
}

func (s *RedisWebhookStore) Drain(ctx context.Context, key string) ([]models.WebhookEvent, error) {
	var lrange *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, bufferPrefix+key, 0, -1)
		pipe.Del(ctx, bufferPrefix+key)
		pipe.ZRem(ctx, expiryIndex, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain webhook buffer %s: %w", key, err)
	}
	return decodeAll(key, lrange.Val())
}

func (s *RedisWebhookStore) Expired(ctx context.Context, now time.Time) ([]ExpiredBuffer, error) {
	keys, err := s.client.ZRangeByScore(ctx, expiryIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired webhook buffers: %w", err)
	}
	var out []ExpiredBuffer
	for _, key := range keys {
		// ZRem decides ownership when several sweepers race on the same key.
		removed, err := s.client.ZRem(ctx, expiryIndex, key).Result()
		if err != nil {
			return out, fmt.Errorf("remove expired buffer %s: %w", key, err)
		}
		if removed == 0 {
			continue
		}
		events, err := s.Drain(ctx, key)
		if err != nil {
			return out, err
		}
		out = append(out, ExpiredBuffer{Key: key, Events: events})
	}
	return out, nil
}

func decodeAll(key string, raw []string) ([]models.WebhookEvent, error) {
	events := make([]models.WebhookEvent, 0, len(raw))
	for _, item := range raw {
		ev, err := models.DecodeWebhookEvent([]byte(item))
		if err != nil {
			return events, fmt.Errorf("decode buffered event under %s: %w", key, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
