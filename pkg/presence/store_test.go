package presence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// stores returns every backend runnable in this environment. Redis runs
// only when COLLAB_TEST_REDIS names a server.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemoryStore()}

	b, err := OpenBoltStore(filepath.Join(t.TempDir(), "presence.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	out["bolt"] = b

	if addr := os.Getenv("COLLAB_TEST_REDIS"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = rdb.Close() })
		prefix := "collab:test:" + t.Name()
		out["redis"] = NewRedisStore(rdb, prefix)
	}
	return out
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.User.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			added, err := s.Upsert(ctx, "wf", collaboration.User{ID: "u2", Email: "b@example.com"}, t0)
			if err != nil || !added {
				t.Fatalf("first upsert = %v, %v", added, err)
			}
			if added, _ := s.Upsert(ctx, "wf", collaboration.User{ID: "u1"}, t0.Add(time.Second)); !added {
				t.Fatal("u1 not added")
			}
			if added, _ := s.Upsert(ctx, "wf", collaboration.User{ID: "u2"}, t0.Add(time.Minute)); added {
				t.Fatal("heartbeat reported as join")
			}
			if _, err := s.Upsert(ctx, "other", collaboration.User{ID: "u9"}, t0); err != nil {
				t.Fatal(err)
			}

			got, err := s.List(ctx, "wf")
			if err != nil {
				t.Fatal(err)
			}
			if !equal(ids(got), []string{"u2", "u1"}) {
				t.Fatalf("join order = %v", ids(got))
			}
			if got[0].User.Email != "b@example.com" {
				t.Fatalf("profile lost on heartbeat: %+v", got[0].User)
			}
			if !got[0].LastSeen.Equal(t0.Add(time.Minute)) {
				t.Fatalf("last seen = %v", got[0].LastSeen)
			}

			changed, err := s.Expire(ctx, t0.Add(30*time.Second))
			if err != nil {
				t.Fatal(err)
			}
			if !equal(changed, []string{"other", "wf"}) {
				t.Fatalf("expired workflows = %v", changed)
			}
			got, _ = s.List(ctx, "wf")
			if !equal(ids(got), []string{"u2"}) {
				t.Fatalf("after expire = %v", ids(got))
			}
			if got, _ := s.List(ctx, "other"); len(got) != 0 {
				t.Fatalf("other = %v", ids(got))
			}

			if removed, _ := s.Remove(ctx, "wf", "u2"); !removed {
				t.Fatal("remove reported nothing")
			}
			if removed, _ := s.Remove(ctx, "wf", "u2"); removed {
				t.Fatal("second remove reported a removal")
			}
			if changed, _ := s.Expire(ctx, t0.Add(time.Hour)); len(changed) != 0 {
				t.Fatalf("expire on empty store = %v", changed)
			}
		})
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	s, err := OpenBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.Upsert(ctx, "wf", collaboration.User{ID: "u1", FirstName: "Ann"}, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, _ := s.List(ctx, "wf")
	if len(got) != 1 || got[0].User.FirstName != "Ann" || !got[0].Joined.Equal(t0) {
		t.Fatalf("after reopen = %+v", got)
	}
}
