// Package redisstore implements session.Store on Redis so session state and
// missed-event logs survive process restarts. Session records are JSON
// strings, missed-event logs are Redis lists (head = oldest).
//
// The store assumes a single process owns all writes for a given client ID
// at a time (the Registry's per-client lock provides this in-process).
// Multi-instance deployments must route a client's reconnects to the
// instance that holds its lock: sticky routing, as discussed in the Registry
// docs.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pushwire/pushwire-go/session"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: PUSHWIRE_REDIS_ADDR
	RedisAddr string `env:"PUSHWIRE_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: PUSHWIRE_SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"PUSHWIRE_SESSIONS_KEY_PREFIX,default=pushwire:sessions:"`
}

// Store implements session.Store on a Redis client.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pushwire:sessions:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ session.Store = (*Store)(nil)

// --- Key helpers ---

func (s *Store) sessKey(clientID string) string   { return s.keyPrefix + "sess:" + clientID }
func (s *Store) missedKey(clientID string) string { return s.keyPrefix + "missed:" + clientID }
func (s *Store) idsKey() string                   { return s.keyPrefix + "ids" }

// --- Session records ---

func (s *Store) PutSession(ctx context.Context, sess *session.ClientSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessKey(sess.ClientID), data, 0)
	pipe.SAdd(ctx, s.idsKey(), sess.ClientID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetSession(ctx context.Context, clientID string) (*session.ClientSession, error) {
	data, err := s.client.Get(ctx, s.sessKey(clientID)).Bytes()
	if err == redis.Nil {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess session.ClientSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *Store) MutateSession(ctx context.Context, clientID string, fn func(*session.ClientSession) error) error {
	sess, err := s.GetSession(ctx, clientID)
	if err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, s.sessKey(clientID), data, 0).Err()
}

func (s *Store) DeleteSession(ctx context.Context, clientID string) error {
	c := context.WithoutCancel(ctx)
	pipe := s.client.TxPipeline()
	pipe.Del(c, s.sessKey(clientID), s.missedKey(clientID))
	pipe.SRem(c, s.idsKey(), clientID)
	_, err := pipe.Exec(c)
	return err
}

func (s *Store) ListSessions(ctx context.Context) ([]*session.ClientSession, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*session.ClientSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err == session.ErrNotFound {
			// Index entry outlived its record; heal it.
			_ = s.client.SRem(ctx, s.idsKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// --- Missed-event log ---

// appendScript pushes the new entry and trims the list to capacity from the
// head in one atomic step, returning the number of evicted entries.
var appendScript = redis.NewScript(`
local list = KEYS[1]
local cap = tonumber(ARGV[2])
redis.call('RPUSH', list, ARGV[1])
local evicted = 0
while cap > 0 and redis.call('LLEN', list) > cap do
  redis.call('LPOP', list)
  evicted = evicted + 1
end
return evicted
`)

func (s *Store) AppendMissed(ctx context.Context, clientID string, ev session.MissedEvent, capacity int) (bool, error) {
	if exists, err := s.client.Exists(ctx, s.sessKey(clientID)).Result(); err != nil {
		return false, err
	} else if exists == 0 {
		return false, session.ErrNotFound
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	n, err := appendScript.Run(ctx, s.client, []string{s.missedKey(clientID)}, data, capacity).Int()
	if err != nil {
		return false, err
	}
	if n > 0 {
		if err := s.MutateSession(ctx, clientID, func(cs *session.ClientSession) error {
			cs.HadLoss = true
			return nil
		}); err != nil && err != session.ErrNotFound {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) DrainMissed(ctx context.Context, clientID string) ([]session.MissedEvent, error) {
	key := s.missedKey(clientID)
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if _, err := s.client.Del(ctx, key).Result(); err != nil {
		return nil, err
	}
	out := make([]session.MissedEvent, 0, len(vals))
	for _, v := range vals {
		var ev session.MissedEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) RestoreMissed(ctx context.Context, clientID string, evs []session.MissedEvent) error {
	if len(evs) == 0 {
		return nil
	}
	// LPUSH prepends, so push in reverse to preserve order.
	vals := make([]interface{}, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		data, err := json.Marshal(evs[i])
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		vals = append(vals, data)
	}
	return s.client.LPush(ctx, s.missedKey(clientID), vals...).Err()
}

func (s *Store) PruneMissed(ctx context.Context, clientID string, cutoff time.Time) (int, error) {
	key := s.missedKey(clientID)
	removed := 0
	for {
		head, err := s.client.LIndex(ctx, key, 0).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return removed, err
		}
		var ev session.MissedEvent
		if err := json.Unmarshal([]byte(head), &ev); err != nil {
			return removed, fmt.Errorf("unmarshal event: %w", err)
		}
		if !ev.EnqueuedAt.Before(cutoff) {
			break
		}
		if err := s.client.LPop(ctx, key).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		if err := s.MutateSession(ctx, clientID, func(cs *session.ClientSession) error {
			cs.HadLoss = true
			return nil
		}); err != nil && err != session.ErrNotFound {
			return removed, err
		}
	}
	return removed, nil
}
