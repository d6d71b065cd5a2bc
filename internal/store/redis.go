// Package store persists learned performance-tracker state so a later run
// starts from evidence instead of heuristics. Persistence is strictly an
// external collaborator concern: the scheduler itself never touches it.
package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/voxlane/batchscribe/internal/perf"
)

const trackerKey = "batchscribe:tracker"

// TrackerStore saves and loads tracker snapshots in Redis.
type TrackerStore struct {
	client redis.UniversalClient
	key    string
}

// NewTrackerStore connects to the given Redis address or URL and verifies
// the connection with a ping.
func NewTrackerStore(ctx context.Context, addr string) (*TrackerStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &TrackerStore{client: c, key: trackerKey}, nil
}

// parseRedisURL accepts a plain host:port or a redis:// / rediss:// URL
// with an optional db path component.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/"))
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	return opts, nil
}

// Save serializes the tracker samples under the store key.
func (s *TrackerStore) Save(ctx context.Context, t *perf.Tracker) error {
	b, err := json.Marshal(t.Snapshot())
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, b, 0).Err()
}

// Load restores tracker samples persisted by a previous run. A missing key
// leaves the tracker empty and is not an error.
func (s *TrackerStore) Load(ctx context.Context, t *perf.Tracker) error {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	var samples []perf.Sample
	if err := json.Unmarshal(b, &samples); err != nil {
		return fmt.Errorf("decode tracker snapshot: %w", err)
	}
	t.Restore(samples)
	return nil
}

// Close releases the Redis connection.
func (s *TrackerStore) Close() error {
	return s.client.Close()
}
