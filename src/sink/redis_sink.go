package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/evbridge/circulator/src/record"
)

// RedisListSink delivers a batch by RPUSH-ing each record (JSON-encoded) onto
// a per-runner Redis list. Grounded on the teacher's
// src/queue/redis_queue.go, which drives the same go-redis/v8 client for a
// comparable enqueue-on-delivery pattern.
type RedisListSink struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisListSink wraps an existing client. keyPrefix is combined with the
// record's runner to form the list key, e.g. "circulator:target:<runner>".
func NewRedisListSink(client *redis.Client, keyPrefix string) *RedisListSink {
	if keyPrefix == "" {
		keyPrefix = "circulator:target"
	}
	return &RedisListSink{client: client, keyPrefix: keyPrefix}
}

func (s *RedisListSink) key(runner record.RunnerName) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, runner)
}

func (s *RedisListSink) Put(ctx context.Context, records []*record.ConnectRecord) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("redis sink: encode record %s: %w", r.Offset, err)
		}
		pipe.RPush(ctx, s.key(r.Runner), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis sink: pipeline exec: %w", err)
	}
	log.Debug().Int("count", len(records)).Msg("redis sink delivered batch")
	return nil
}
