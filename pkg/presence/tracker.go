package presence

import (
	"context"
	"io"
	"log/slog"
	"time"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

// DefaultTTL is three missed heartbeats.
const DefaultTTL = 15 * time.Minute

// Tracker applies workflowOpened/workflowClosed sightings to a Store and
// reports when a workflow's roster changed.
type Tracker struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

type TrackerOption func(*Tracker)

func WithTTL(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

func WithNow(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Opened records a sighting. changed is true when user just joined.
func (t *Tracker) Opened(ctx context.Context, workflowID string, user collaboration.User) (changed bool, err error) {
	if collaboration.IsPlaceholder(workflowID) || user.ID == "" {
		return false, nil
	}
	added, err := t.store.Upsert(ctx, workflowID, user, t.now().UTC())
	if err != nil {
		return false, err
	}
	if added {
		t.log.Info("participant joined", slog.String("workflow", workflowID), slog.String("user", user.ID))
	}
	return added, nil
}

// Closed removes user. changed is true when user was present.
func (t *Tracker) Closed(ctx context.Context, workflowID, userID string) (changed bool, err error) {
	removed, err := t.store.Remove(ctx, workflowID, userID)
	if err != nil {
		return false, err
	}
	if removed {
		t.log.Info("participant left", slog.String("workflow", workflowID), slog.String("user", userID))
	}
	return removed, nil
}

// Roster is the collaboratorsChanged payload for workflowID.
func (t *Tracker) Roster(ctx context.Context, workflowID string) (collaboration.CollaboratorsChangedV1, error) {
	entries, err := t.store.List(ctx, workflowID)
	if err != nil {
		return collaboration.CollaboratorsChangedV1{}, err
	}
	out := collaboration.CollaboratorsChangedV1{
		WorkflowID:    workflowID,
		Collaborators: make([]collaboration.Collaborator, 0, len(entries)),
	}
	for _, e := range entries {
		out.Collaborators = append(out.Collaborators, collaboration.Collaborator{
			User:     e.User,
			LastSeen: e.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// Sweep expires participants not seen within the TTL and returns the
// workflows whose roster changed.
func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	changed, err := t.store.Expire(ctx, t.now().Add(-t.ttl))
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		t.log.Info("expired stale participants", slog.Any("workflows", changed))
	}
	return changed, nil
}

// Run sweeps every interval and calls onChange per affected workflow
// until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onChange func(workflowID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := t.Sweep(ctx)
			if err != nil {
				t.log.Error("sweep failed", slog.Any("err", err))
				continue
			}
			for _, wf := range changed {
				onChange(wf)
			}
		}
	}
}

func (t *Tracker) Close() error { return t.store.Close() }
