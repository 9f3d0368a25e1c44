// Package presence tracks who is viewing which workflow and turns that
// into collaboratorsChanged rosters. Entries expire when a participant
// stops sending heartbeats.
package presence

import (
	"context"
	"sort"
	"time"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

// Entry is one participant on one workflow.
type Entry struct {
	User     collaboration.User `json:"user"`
	Joined   time.Time          `json:"joined"`
	LastSeen time.Time          `json:"lastSeen"`
}

// Store persists presence. Implementations must be safe for concurrent use.
type Store interface {
	// Upsert records user as present at at. added is true for a new entry.
	Upsert(ctx context.Context, workflowID string, user collaboration.User, at time.Time) (added bool, err error)
	Remove(ctx context.Context, workflowID, userID string) (removed bool, err error)
	// List returns entries in join order.
	List(ctx context.Context, workflowID string) ([]Entry, error)
	// Expire drops entries last seen before cutoff and returns the
	// workflows that lost someone.
	Expire(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Joined.Equal(entries[j].Joined) {
			return entries[i].Joined.Before(entries[j].Joined)
		}
		return entries[i].User.ID < entries[j].User.ID
	})
}

// mergeUser keeps known profile fields when a later sighting carries
// only the id.
func mergeUser(prev, next collaboration.User) collaboration.User {
	if next.Email == "" {
		next.Email = prev.Email
	}
	if next.FirstName == "" {
		next.FirstName = prev.FirstName
	}
	if next.LastName == "" {
		next.LastName = prev.LastName
	}
	return next
}
