// Package banstore persists the id/IP ban lists to disk as JSON and
// serves lookups from an in-memory copy. An optional Redis client can be
// seeded with the id bans (WarmRedis); lookups never read from Redis.
package banstore

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type banEntry struct {
	Reason string `json:"reason"`
}

// Store answers sessiontable.BanStore lookups, backed by JSON files on
// disk (banidList.json, banipList.json) with an in-memory cache. The
// optional Redis client is only written to, by WarmRedis, through a
// circuit breaker.
type Store struct {
	mu       sync.RWMutex
	idPath   string
	ipPath   string
	ids      map[int32]string
	ips      map[string]string
	redis    *redis.Client
	cb       *gobreaker.CircuitBreaker
	log      *zap.Logger
}

// Option configures optional behavior.
type Option func(*Store)

// WithRedis sets the Redis client that WarmRedis writes to. Ban lookups
// are unaffected: they always read the in-memory maps, never Redis.
func WithRedis(client *redis.Client) Option {
	return func(s *Store) { s.redis = client }
}

func New(idPath, ipPath string, log *zap.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		idPath: idPath,
		ipPath: ipPath,
		ids:    make(map[int32]string),
		ips:    make(map[string]string),
		log:    log,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "banstore-redis",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	ids, err := loadIDFile(s.idPath)
	if err != nil {
		return err
	}
	ips, err := loadIPFile(s.ipPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ids = ids
	s.ips = ips
	s.mu.Unlock()
	return nil
}

func loadIDFile(path string) (map[int32]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[int32]string), nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]banEntry
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	out := make(map[int32]string, len(data))
	for k, v := range data {
		id, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			continue
		}
		out[int32(id)] = v.Reason
	}
	return out, nil
}

func loadIPFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]banEntry
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(data))
	for ip, v := range data {
		out[ip] = v.Reason
	}
	return out, nil
}

// IsIDBanned implements sessiontable.BanStore.
func (s *Store) IsIDBanned(userID int32) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, banned := s.ids[userID]
	return banned, reason
}

// IsIPBanned implements sessiontable.BanStore.
func (s *Store) IsIPBanned(ip string) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, banned := s.ips[ip]
	return banned, reason
}

// BanID persists a new id ban to disk and updates the cache.
func (s *Store) BanID(userID int32, reason string) error {
	s.mu.Lock()
	s.ids[userID] = reason
	snapshot := make(map[string]banEntry, len(s.ids))
	for id, r := range s.ids {
		snapshot[strconv.Itoa(int(id))] = banEntry{Reason: r}
	}
	s.mu.Unlock()
	if err := writeJSONFile(s.idPath, snapshot); err != nil {
		return err
	}
	s.log.Info("user banned", zap.Int32("user_id", userID), zap.String("reason", reason))
	return nil
}

// BanIP persists a new IP ban to disk and updates the cache.
func (s *Store) BanIP(ip string, reason string) error {
	s.mu.Lock()
	s.ips[ip] = reason
	snapshot := make(map[string]banEntry, len(s.ips))
	for addr, r := range s.ips {
		snapshot[addr] = banEntry{Reason: r}
	}
	s.mu.Unlock()
	if err := writeJSONFile(s.ipPath, snapshot); err != nil {
		return err
	}
	s.log.Info("ip banned", zap.String("ip", ip), zap.String("reason", reason))
	return nil
}

func writeJSONFile(path string, data map[string]banEntry) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// WarmRedis pushes the current id bans into the "banid" hash of the
// optional Redis client. IP bans are not pushed, and later BanID/BanIP
// calls do not update Redis.
func (s *Store) WarmRedis(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	s.mu.RLock()
	ids := make(map[int32]string, len(s.ids))
	for k, v := range s.ids {
		ids[k] = v
	}
	s.mu.RUnlock()

	_, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.redis.Pipeline()
		for id, reason := range ids {
			pipe.HSet(ctx, "banid", strconv.Itoa(int(id)), reason)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}
