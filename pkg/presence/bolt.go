package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

var rootBucket = []byte("presence")

// BoltStore keeps presence in a local file so a single relay restarts
// with the rosters it had. One nested bucket per workflow, keyed by user id.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open presence db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Upsert(_ context.Context, workflowID string, user collaboration.User, at time.Time) (bool, error) {
	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		wf, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(workflowID))
		if err != nil {
			return err
		}
		e := Entry{User: user, Joined: at, LastSeen: at}
		if raw := wf.Get([]byte(user.ID)); raw != nil {
			var prev Entry
			if json.Unmarshal(raw, &prev) == nil {
				e.Joined = prev.Joined
				e.User = mergeUser(prev.User, user)
			}
		} else {
			added = true
		}
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return wf.Put([]byte(user.ID), body)
	})
	return added, err
}

func (s *BoltStore) Remove(_ context.Context, workflowID, userID string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		wf := root.Bucket([]byte(workflowID))
		if wf == nil || wf.Get([]byte(userID)) == nil {
			return nil
		}
		removed = true
		if err := wf.Delete([]byte(userID)); err != nil {
			return err
		}
		if k, _ := wf.Cursor().First(); k == nil {
			return root.DeleteBucket([]byte(workflowID))
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) List(_ context.Context, workflowID string) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		wf := tx.Bucket(rootBucket).Bucket([]byte(workflowID))
		if wf == nil {
			return nil
		}
		return wf.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	sortEntries(out)
	return out, err
}

func (s *BoltStore) Expire(_ context.Context, cutoff time.Time) ([]string, error) {
	var changed []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		var names [][]byte
		if err := root.ForEachBucket(func(k []byte) error {
			names = append(names, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			wf := root.Bucket(name)
			var stale [][]byte
			left := 0
			_ = wf.ForEach(func(k, v []byte) error {
				var e Entry
				if json.Unmarshal(v, &e) != nil || e.LastSeen.Before(cutoff) {
					stale = append(stale, append([]byte(nil), k...))
				} else {
					left++
				}
				return nil
			})
			if len(stale) == 0 {
				continue
			}
			changed = append(changed, string(name))
			if left == 0 {
				if err := root.DeleteBucket(name); err != nil {
					return err
				}
				continue
			}
			for _, k := range stale {
				if err := wf.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	sort.Strings(changed)
	return changed, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
