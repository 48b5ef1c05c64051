package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisStore keeps tests as JSON documents and assignments/counters in
// hashes. Multi-key updates run as Lua scripts so each assignment or
// conversion is applied atomically.
//
// Every per-test key carries the test id as a hash tag ({id}), so one
// test's keys share a cluster slot. The conversion script derives the
// variant metrics key itself, which is only valid while that holds.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// assignScript: KEYS = assignments, variant metrics, timeline, variant set.
// ARGV = session id, encoded assignment, variant id, timeline field.
var assignScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
	return {0, existing}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HINCRBY', KEYS[2], 'visitors', 1)
redis.call('SADD', KEYS[4], ARGV[3])
redis.call('HINCRBY', KEYS[3], ARGV[4], 1)
return {1, ARGV[2]}
`)

// conversionScript: KEYS = assignments, timeline, conversion log.
// ARGV = session id, metrics key prefix, value ('' when absent), day, log entry.
var conversionScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if not existing then
	return false
end
local sep = string.find(existing, ':', 1, true)
local variant = string.sub(existing, sep + 1)
local mkey = ARGV[2] .. variant
redis.call('HINCRBY', mkey, 'conversions', 1)
redis.call('HINCRBY', KEYS[2], ARGV[4] .. '|' .. variant .. '|conversions', 1)
if ARGV[3] ~= '' then
	redis.call('HINCRBYFLOAT', mkey, 'conversion_value', ARGV[3])
	redis.call('HINCRBYFLOAT', KEYS[2], ARGV[4] .. '|' .. variant .. '|value', ARGV[3])
end
redis.call('RPUSH', KEYS[3], ARGV[5])
return variant
`)

func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "abtest:"
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func tag(id string) string { return "{" + id + "}" }

func (s *RedisStore) testKey(id string) string       { return s.prefix + "test:" + tag(id) }
func (s *RedisStore) indexKey() string               { return s.prefix + "tests" }
func (s *RedisStore) assignKey(testID string) string { return s.prefix + "assign:" + tag(testID) }
func (s *RedisStore) variantsKey(testID string) string {
	return s.prefix + "variants:" + tag(testID)
}
func (s *RedisStore) metricsPrefix(testID string) string {
	return s.prefix + "metrics:" + tag(testID) + ":"
}
func (s *RedisStore) timelineKey(testID string) string {
	return s.prefix + "timeline:" + tag(testID)
}
func (s *RedisStore) conversionsKey(testID string) string {
	return s.prefix + "conversions:" + tag(testID)
}

func (s *RedisStore) CreateTest(ctx context.Context, test *Test) error {
	data, err := json.Marshal(test)
	if err != nil {
		return fmt.Errorf("failed to marshal test: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.testKey(test.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert test: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}

	score := float64(test.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: test.ID}).Err(); err != nil {
		return fmt.Errorf("failed to index test: %w", err)
	}

	return nil
}

func (s *RedisStore) GetTest(ctx context.Context, id string) (*Test, error) {
	data, err := s.client.Get(ctx, s.testKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	var test Test
	if err := json.Unmarshal(data, &test); err != nil {
		return nil, fmt.Errorf("failed to unmarshal test: %w", err)
	}
	return &test, nil
}

func (s *RedisStore) ListTests(ctx context.Context, opts ListOptions) ([]*Test, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.testKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tests: %w", err)
	}

	var tests []*Test
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without document; skipped until the next delete cleans it up
			continue
		}
		var test Test
		if err := json.Unmarshal([]byte(raw), &test); err != nil {
			return nil, fmt.Errorf("failed to unmarshal test: %w", err)
		}
		if !opts.IncludeArchived && test.Status == StatusArchived {
			continue
		}
		if opts.Status != "" && test.Status != opts.Status {
			continue
		}
		tests = append(tests, &test)
	}

	return tests, nil
}

// UpdateTest watches the test key, so a write that lands between the
// status check and EXEC also fails with ErrConflict.
func (s *RedisStore) UpdateTest(ctx context.Context, test *Test, expected Status) error {
	data, err := json.Marshal(test)
	if err != nil {
		return fmt.Errorf("failed to marshal test: %w", err)
	}

	key := s.testKey(test.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var current struct {
			Status Status `json:"status"`
		}
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("failed to decode test: %w", err)
		}
		if current.Status != expected {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return err
	case err != nil:
		return fmt.Errorf("failed to update test: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteTest(ctx context.Context, id string) error {
	variants, err := s.client.SMembers(ctx, s.variantsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to list variants: %w", err)
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.testKey(id))
		keys := []string{s.assignKey(id), s.variantsKey(id), s.timelineKey(id), s.conversionsKey(id)}
		for _, v := range variants {
			keys = append(keys, s.metricsPrefix(id)+v)
		}
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}

	if deleted.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) GetAssignment(ctx context.Context, testID, sessionID string) (*Assignment, error) {
	raw, err := s.client.HGet(ctx, s.assignKey(testID), sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return decodeAssignment(testID, sessionID, raw)
}

func (s *RedisStore) AssignIfAbsent(ctx context.Context, testID, sessionID, variantID string) (*Assignment, bool, error) {
	now := time.Now()
	encoded := strconv.FormatInt(now.Unix(), 10) + ":" + variantID

	keys := []string{
		s.assignKey(testID),
		s.metricsPrefix(testID) + variantID,
		s.timelineKey(testID),
		s.variantsKey(testID),
	}
	field := dayOf(now) + "|" + variantID + "|visitors"

	res, err := assignScript.Run(ctx, s.client, keys, sessionID, encoded, variantID, field).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to assign variant: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected assign script reply: %v", res)
	}

	created, _ := res[0].(int64)
	raw, _ := res[1].(string)

	a, err := decodeAssignment(testID, sessionID, raw)
	if err != nil {
		return nil, false, err
	}
	return a, created == 1, nil
}

type conversionLogEntry struct {
	SessionID string         `json:"sessionId"`
	Value     *float64       `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        int64          `json:"at"`
}

func (s *RedisStore) RecordConversion(ctx context.Context, c Conversion) (string, error) {
	now := time.Now()

	entry, err := json.Marshal(conversionLogEntry{
		SessionID: c.SessionID,
		Value:     c.Value,
		Metadata:  c.Metadata,
		At:        now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal conversion: %w", err)
	}

	value := ""
	if c.Value != nil {
		value = strconv.FormatFloat(*c.Value, 'f', -1, 64)
	}

	keys := []string{s.assignKey(c.TestID), s.timelineKey(c.TestID), s.conversionsKey(c.TestID)}
	variant, err := conversionScript.Run(ctx, s.client, keys,
		c.SessionID, s.metricsPrefix(c.TestID), value, dayOf(now), string(entry),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrAssignmentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to record conversion: %w", err)
	}

	return variant, nil
}

func (s *RedisStore) GetVariantMetrics(ctx context.Context, testID string) ([]VariantMetrics, error) {
	variants, err := s.client.SMembers(ctx, s.variantsKey(testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	sort.Strings(variants)

	cmds := make([]*redis.MapStringStringCmd, len(variants))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, v := range variants {
			cmds[i] = pipe.HGetAll(ctx, s.metricsPrefix(testID)+v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get variant metrics: %w", err)
	}

	metrics := make([]VariantMetrics, 0, len(variants))
	for i, v := range variants {
		fields := cmds[i].Val()
		m := VariantMetrics{TestID: testID, VariantID: v}
		m.Visitors, _ = strconv.ParseInt(fields["visitors"], 10, 64)
		m.Conversions, _ = strconv.ParseInt(fields["conversions"], 10, 64)
		m.ConversionValue, _ = strconv.ParseFloat(fields["conversion_value"], 64)
		metrics = append(metrics, m)
	}

	return metrics, nil
}

func (s *RedisStore) GetTimeline(ctx context.Context, testID string) ([]DailyBucket, error) {
	fields, err := s.client.HGetAll(ctx, s.timelineKey(testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get timeline: %w", err)
	}

	type bucketKey struct{ day, variant string }
	buckets := make(map[bucketKey]*DailyBucket)

	for field, raw := range fields {
		// day|variant|metric; the variant id may itself contain '|'
		if len(field) <= len(dayLayout)+1 {
			continue
		}
		day, rest := field[:len(dayLayout)], field[len(dayLayout)+1:]
		idx := strings.LastIndex(rest, "|")
		if idx < 0 {
			continue
		}
		variant, metric := rest[:idx], rest[idx+1:]

		key := bucketKey{day, variant}
		b, ok := buckets[key]
		if !ok {
			b = &DailyBucket{Day: day, VariantID: variant}
			buckets[key] = b
		}

		switch metric {
		case "visitors":
			b.Visitors, _ = strconv.ParseInt(raw, 10, 64)
		case "conversions":
			b.Conversions, _ = strconv.ParseInt(raw, 10, 64)
		case "value":
			b.ConversionValue, _ = strconv.ParseFloat(raw, 64)
		}
	}

	out := make([]DailyBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].VariantID < out[j].VariantID
	})

	return out, nil
}

func decodeAssignment(testID, sessionID, raw string) (*Assignment, error) {
	ts, variantID, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, fmt.Errorf("malformed assignment %q", raw)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed assignment timestamp %q: %w", raw, err)
	}
	return &Assignment{
		TestID:     testID,
		SessionID:  sessionID,
		VariantID:  variantID,
		AssignedAt: time.Unix(unix, 0),
	}, nil
}
