package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON checkpoint document per source in Redis. Saves and
// resets run in MULTI/EXEC so the document and the index set change together.
type RedisStore struct {
	redis *redis.Client
}

var (
	_ Store         = (*RedisStore)(nil)
	_ ErrorLog      = (*RedisStore)(nil)
	_ StatsRecorder = (*RedisStore)(nil)
)

// NewRedisStore creates a checkpoint store on an existing Redis client.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}

// Load retrieves the checkpoint of a source.
func (s *RedisStore) Load(ctx context.Context, sourceID string) (*Checkpoint, error) {
	checkpointOps.WithLabelValues("redis", "load").Inc()

	data, err := s.redis.Get(ctx, checkpointKey(sourceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		checkpointErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	return decodeCheckpoint(data)
}

// Save replaces the checkpoint document of cp.SourceID.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateForSave(cp); err != nil {
		return err
	}
	checkpointOps.WithLabelValues("redis", "save").Inc()

	start := time.Now()
	defer func() {
		checkpointSaveDuration.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	if cp.LastUpdatedAt.IsZero() {
		cp.LastUpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return persistenceError("marshal", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, checkpointKey(cp.SourceID), data, 0)
		pipe.SAdd(ctx, indexKey, cp.SourceID)
		return nil
	})
	if err != nil {
		return persistenceError("redis save", err)
	}
	return nil
}

// Reset deletes the checkpoint, error log and statistics of a source.
func (s *RedisStore) Reset(ctx context.Context, sourceID string) error {
	checkpointOps.WithLabelValues("redis", "reset").Inc()

	var deleted *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, checkpointKey(sourceID))
		pipe.Del(ctx, errorsKey(sourceID), statsKey(sourceID))
		pipe.SRem(ctx, indexKey, sourceID)
		return nil
	})
	if err != nil {
		return persistenceError("redis reset", err)
	}
	if deleted.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all checkpoints ordered by source ID.
func (s *RedisStore) List(ctx context.Context) ([]*Checkpoint, error) {
	checkpointOps.WithLabelValues("redis", "list").Inc()

	ids, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = checkpointKey(id)
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]*Checkpoint, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry without a document.
			continue
		}
		cp, err := decodeCheckpoint([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// LogError appends an entry to the source's error list.
func (s *RedisStore) LogError(ctx context.Context, entry ErrorEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal error entry: %w", err)
	}
	if err := s.redis.RPush(ctx, errorsKey(entry.SourceID), data).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Errors returns the logged errors of a source, oldest first.
func (s *RedisStore) Errors(ctx context.Context, sourceID string) ([]ErrorEntry, error) {
	values, err := s.redis.LRange(ctx, errorsKey(sourceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	out := make([]ErrorEntry, 0, len(values))
	for _, v := range values {
		var e ErrorEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode error entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// RecordStatistics stores the statistics of a finished run, replacing older ones.
func (s *RedisStore) RecordStatistics(ctx context.Context, stats RunStatistics) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}
	if err := s.redis.Set(ctx, statsKey(stats.SourceID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Statistics returns the most recent run statistics of a source.
func (s *RedisStore) Statistics(ctx context.Context, sourceID string) (*RunStatistics, error) {
	data, err := s.redis.Get(ctx, statsKey(sourceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var st RunStatistics
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	return &st, nil
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}
