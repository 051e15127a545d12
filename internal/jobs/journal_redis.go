package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// journalTTL bounds how long finished jobs stay visible in Redis. Long
// enough to survive a restart and a debugging session, short enough that
// the keyspace does not grow forever.
const journalTTL = 7 * 24 * time.Hour

// RedisJournal stores one JSON snapshot per job under tuning:job:<id>.
type RedisJournal struct {
	client *redis.Client
}

// NewRedisJournal connects and verifies the Redis backend.
func NewRedisJournal(addr, password string, db int) (*RedisJournal, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisJournal{client: client}, nil
}

func jobKey(id string) string {
	return "tuning:job:" + id
}

func (r *RedisJournal) Record(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	if err := r.client.Set(ctx, jobKey(snap.ID), data, journalTTL).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisJournal) Load(ctx context.Context) ([]*Snapshot, error) {
	var snaps []*Snapshot

	iter := r.client.Scan(ctx, 0, jobKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("redis GET failed: %w", err)
		}

		var snap Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal job snapshot %s: %w", iter.Val(), err)
		}
		snaps = append(snaps, &snap)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN failed: %w", err)
	}
	return snaps, nil
}

func (r *RedisJournal) Close() error {
	return r.client.Close()
}
