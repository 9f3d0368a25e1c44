package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

// RedisStore shares presence between relay replicas. Per workflow it
// keeps two sorted sets (join time, last seen) and a hash of profiles.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "collab:presence"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) joinedKey(wf string) string { return s.prefix + ":" + wf + ":joined" }
func (s *RedisStore) seenKey(wf string) string   { return s.prefix + ":" + wf + ":seen" }
func (s *RedisStore) usersKey(wf string) string  { return s.prefix + ":" + wf + ":users" }
func (s *RedisStore) indexKey() string           { return s.prefix + ":workflows" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func fromScore(v float64) time.Time { return time.UnixMilli(int64(v)).UTC() }

func (s *RedisStore) Upsert(ctx context.Context, workflowID string, user collaboration.User, at time.Time) (bool, error) {
	prev, err := s.user(ctx, workflowID, user.ID)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(mergeUser(prev, user))
	if err != nil {
		return false, err
	}

	var added *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.ZAddNX(ctx, s.joinedKey(workflowID), redis.Z{Score: score(at), Member: user.ID})
		p.ZAdd(ctx, s.seenKey(workflowID), redis.Z{Score: score(at), Member: user.ID})
		p.HSet(ctx, s.usersKey(workflowID), user.ID, body)
		p.SAdd(ctx, s.indexKey(), workflowID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence upsert: %w", err)
	}
	return added.Val() > 0, nil
}

func (s *RedisStore) user(ctx context.Context, workflowID, userID string) (collaboration.User, error) {
	raw, err := s.rdb.HGet(ctx, s.usersKey(workflowID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return collaboration.User{}, nil
	}
	if err != nil {
		return collaboration.User{}, err
	}
	var u collaboration.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return collaboration.User{}, nil
	}
	return u, nil
}

func (s *RedisStore) Remove(ctx context.Context, workflowID, userID string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.ZRem(ctx, s.joinedKey(workflowID), userID)
		p.ZRem(ctx, s.seenKey(workflowID), userID)
		p.HDel(ctx, s.usersKey(workflowID), userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence remove: %w", err)
	}
	if err := s.dropIfEmpty(ctx, workflowID); err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) dropIfEmpty(ctx context.Context, workflowID string) error {
	n, err := s.rdb.ZCard(ctx, s.joinedKey(workflowID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.rdb.SRem(ctx, s.indexKey(), workflowID).Err()
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, workflowID string) ([]Entry, error) {
	joined, err := s.rdb.ZRangeWithScores(ctx, s.joinedKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	if len(joined) == 0 {
		return nil, nil
	}
	ids := make([]string, len(joined))
	for i, z := range joined {
		ids[i], _ = z.Member.(string)
	}
	seen, err := s.rdb.ZMScore(ctx, s.seenKey(workflowID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	profiles, err := s.rdb.HMGet(ctx, s.usersKey(workflowID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}

	out := make([]Entry, 0, len(ids))
	for i, id := range ids {
		e := Entry{User: collaboration.User{ID: id}, Joined: fromScore(joined[i].Score)}
		if i < len(seen) {
			e.LastSeen = fromScore(seen[i])
		}
		if raw, ok := profiles[i].(string); ok {
			var u collaboration.User
			if json.Unmarshal([]byte(raw), &u) == nil && u.ID == id {
				e.User = u
			}
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *RedisStore) Expire(ctx context.Context, cutoff time.Time) ([]string, error) {
	workflows, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence expire: %w", err)
	}
	var changed []string
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	for _, wf := range workflows {
		stale, err := s.rdb.ZRangeByScore(ctx, s.seenKey(wf), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
		if err != nil {
			return changed, err
		}
		if len(stale) == 0 {
			continue
		}
		members := make([]any, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, s.joinedKey(wf), members...)
			p.ZRem(ctx, s.seenKey(wf), members...)
			p.HDel(ctx, s.usersKey(wf), stale...)
			return nil
		})
		if err != nil {
			return changed, err
		}
		if err := s.dropIfEmpty(ctx, wf); err != nil {
			return changed, err
		}
		changed = append(changed, wf)
	}
	sort.Strings(changed)
	return changed, nil
}

// Close leaves the client open; its owner closes it.
func (s *RedisStore) Close() error { return nil }
