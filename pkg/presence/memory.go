package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

type MemoryStore struct {
	mu        sync.Mutex
	workflows map[string]map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) Upsert(_ context.Context, workflowID string, user collaboration.User, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		wf = make(map[string]Entry)
		s.workflows[workflowID] = wf
	}
	prev, exists := wf[user.ID]
	if !exists {
		wf[user.ID] = Entry{User: user, Joined: at, LastSeen: at}
		return true, nil
	}
	prev.User = mergeUser(prev.User, user)
	prev.LastSeen = at
	wf[user.ID] = prev
	return false, nil
}

func (s *MemoryStore) Remove(_ context.Context, workflowID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return false, nil
	}
	if _, ok := wf[userID]; !ok {
		return false, nil
	}
	delete(wf, userID)
	if len(wf) == 0 {
		delete(s.workflows, workflowID)
	}
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, workflowID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf := s.workflows[workflowID]
	out := make([]Entry, 0, len(wf))
	for _, e := range wf {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) Expire(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for id, wf := range s.workflows {
		n := len(wf)
		for uid, e := range wf {
			if e.LastSeen.Before(cutoff) {
				delete(wf, uid)
			}
		}
		if len(wf) != n {
			changed = append(changed, id)
		}
		if len(wf) == 0 {
			delete(s.workflows, id)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (s *MemoryStore) Close() error { return nil }
