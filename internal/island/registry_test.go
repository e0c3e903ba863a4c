package island

import (
	"fmt"
	"testing"
	"time"
)

func regEvent(i int) Event {
	return Event{Title: fmt.Sprintf("title %d", i), Body: "body"}
}

func regHash(e Event, cat Category) uint64 {
	return contentHash(e.Title, e.Body, e.Subtitle, cat)
}

func fillRegistry(t *testing.T, r *registry, clock *fakeClock, cfg Settings, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		key := GroupKey{App: fmt.Sprintf("app%d", i), Category: CategoryStandard}
		e := regEvent(i)
		res := r.upsert(key, e, regHash(e, key.Category), cfg)
		if !res.Created {
			t.Fatalf("fill %d: not created: %+v", i, res)
		}
		clock.Advance(time.Second)
	}
}

func TestUpsertInPlaceUpdate(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{Capacity: 9}.withDefaults()
	key := GroupKey{App: "a", Category: CategoryStandard}

	e1 := Event{Title: "one"}
	res := r.upsert(key, e1, regHash(e1, key.Category), cfg)
	if !res.Created {
		t.Fatalf("first upsert: Created = false")
	}
	handle := res.Surrogate.Handle

	e2 := Event{Title: "two"}
	res = r.upsert(key, e2, regHash(e2, key.Category), cfg)
	if res.Created || res.Noop {
		t.Fatalf("update: Created=%v Noop=%v, want in-place", res.Created, res.Noop)
	}
	if res.Surrogate.Handle != handle {
		t.Fatalf("update allocated a new handle: %d != %d", res.Surrogate.Handle, handle)
	}
	if res.Surrogate.Title != "two" {
		t.Fatalf("Title = %q, want %q", res.Surrogate.Title, "two")
	}
	if r.size() != 1 {
		t.Fatalf("size = %d, want 1", r.size())
	}
}

func TestRestoreRevertsInPlaceUpdate(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{Capacity: 9}.withDefaults()
	key := GroupKey{App: "a", Category: CategoryStandard}

	e1 := Event{Title: "v1"}
	r.upsert(key, e1, regHash(e1, key.Category), cfg)

	e2 := Event{Title: "v2"}
	res := r.upsert(key, e2, regHash(e2, key.Category), cfg)
	if res.Prev == nil || res.Prev.Title != "v1" {
		t.Fatalf("Prev = %+v, want the v1 snapshot", res.Prev)
	}

	r.restore(key, res.Prev)
	if s, _ := r.get(key); s.Title != "v1" || s.ContentHash != regHash(e1, key.Category) {
		t.Fatalf("restored surrogate = %+v, want v1 content", s)
	}

	// After the rollback the same content is an update again, not a noop.
	res = r.upsert(key, e2, regHash(e2, key.Category), cfg)
	if res.Noop || res.Created {
		t.Fatalf("re-upsert: Created=%v Noop=%v, want in-place update", res.Created, res.Noop)
	}

	// Restoring a removed key is a no-op, as is a nil snapshot.
	r.remove(key)
	r.restore(key, res.Prev)
	r.restore(key, nil)
	if r.size() != 0 {
		t.Fatalf("size = %d, want 0", r.size())
	}
}

func TestUpsertNoopOnIdenticalContent(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{Capacity: 9}.withDefaults()
	key := GroupKey{App: "a", Category: CategoryStandard}

	e := Event{Title: "same", Body: "same"}
	r.upsert(key, e, regHash(e, key.Category), cfg)
	res := r.upsert(key, e, regHash(e, key.Category), cfg)
	if !res.Noop {
		t.Fatalf("duplicate content: Noop = false")
	}
}

func TestFirstComeDropsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{Capacity: 3, Eviction: EvictFirstCome}.withDefaults()
	fillRegistry(t, r, clock, cfg, 3)

	key := GroupKey{App: "late", Category: CategoryStandard}
	e := regEvent(99)
	res := r.upsert(key, e, regHash(e, key.Category), cfg)
	if !res.Dropped {
		t.Fatalf("at capacity: Dropped = false, got %+v", res)
	}
	if res.Evicted != nil {
		t.Fatalf("first-come evicted %v", res.Evicted.Key)
	}
	if r.size() != 3 {
		t.Fatalf("size = %d, want 3", r.size())
	}
	// An update to an existing key still goes through at capacity.
	exist := GroupKey{App: "app0", Category: CategoryStandard}
	e2 := Event{Title: "changed"}
	res = r.upsert(exist, e2, regHash(e2, exist.Category), cfg)
	if res.Dropped || res.Created {
		t.Fatalf("update at capacity: %+v, want in-place", res)
	}
}

func TestMostRecentEvictsOldest(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{Capacity: 3, Eviction: EvictMostRecent}.withDefaults()
	fillRegistry(t, r, clock, cfg, 3)

	key := GroupKey{App: "new", Category: CategoryMedia}
	e := regEvent(99)
	res := r.upsert(key, e, regHash(e, key.Category), cfg)
	if !res.Created {
		t.Fatalf("eviction upsert: Created = false: %+v", res)
	}
	if res.Evicted == nil || res.Evicted.Key.App != "app0" {
		t.Fatalf("Evicted = %+v, want app0 (oldest)", res.Evicted)
	}
	if r.size() != 3 {
		t.Fatalf("size = %d, want 3", r.size())
	}
}

func TestPriorityRankedEvictsWorst(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{
		Capacity:         2,
		Eviction:         EvictPriorityRanked,
		CategoryPriority: []Category{CategoryCall, CategoryMedia, CategoryStandard},
	}.withDefaults()

	for i, cat := range []Category{CategoryMedia, CategoryStandard} {
		key := GroupKey{App: fmt.Sprintf("app%d", i), Category: cat}
		e := regEvent(i)
		r.upsert(key, e, regHash(e, cat), cfg)
		clock.Advance(time.Second)
	}

	// A call ranks better than both; the standard surrogate is the worst.
	key := GroupKey{App: "dialer", Category: CategoryCall}
	e := regEvent(10)
	res := r.upsert(key, e, regHash(e, key.Category), cfg)
	if !res.Created {
		t.Fatalf("call upsert: %+v, want created", res)
	}
	if res.Evicted == nil || res.Evicted.Key.Category != CategoryStandard {
		t.Fatalf("Evicted = %+v, want the standard surrogate", res.Evicted)
	}
}

func TestPriorityRankedRefusesEqualRank(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{
		Capacity:         1,
		Eviction:         EvictPriorityRanked,
		CategoryPriority: []Category{CategoryCall, CategoryStandard},
	}.withDefaults()

	held := GroupKey{App: "a", Category: CategoryStandard}
	e := regEvent(0)
	r.upsert(held, e, regHash(e, held.Category), cfg)

	// Same rank is not strictly better: the incoming event is dropped.
	key := GroupKey{App: "b", Category: CategoryStandard}
	e2 := regEvent(1)
	res := r.upsert(key, e2, regHash(e2, key.Category), cfg)
	if !res.Dropped {
		t.Fatalf("equal rank: %+v, want dropped", res)
	}
	if _, ok := r.get(held); !ok {
		t.Fatal("held surrogate evicted by equal-rank arrival")
	}
}

func TestWorstTieBreaksMostRecent(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{
		Capacity:         2,
		Eviction:         EvictPriorityRanked,
		CategoryPriority: []Category{CategoryCall, CategoryStandard},
	}.withDefaults()

	old := GroupKey{App: "old", Category: CategoryStandard}
	e := regEvent(0)
	r.upsert(old, e, regHash(e, old.Category), cfg)
	clock.Advance(time.Minute)
	recent := GroupKey{App: "recent", Category: CategoryStandard}
	e2 := regEvent(1)
	r.upsert(recent, e2, regHash(e2, recent.Category), cfg)

	key := GroupKey{App: "dialer", Category: CategoryCall}
	e3 := regEvent(2)
	res := r.upsert(key, e3, regHash(e3, key.Category), cfg)
	if res.Evicted == nil || res.Evicted.Key != recent {
		t.Fatalf("Evicted = %+v, want the most recent of the tied pair", res.Evicted)
	}
}

func TestRemoveAbsentIsSuccess(t *testing.T) {
	r := newRegistry(newFakeClock())
	if _, ok := r.remove(GroupKey{App: "ghost"}); ok {
		t.Fatal("remove of absent key reported a surrogate")
	}
}

func TestSetRouteRecords(t *testing.T) {
	clock := newFakeClock()
	r := newRegistry(clock)
	cfg := Settings{Capacity: 9}.withDefaults()
	key := GroupKey{App: "a", Category: CategoryStandard}
	e := regEvent(0)
	r.upsert(key, e, regHash(e, key.Category), cfg)

	r.setRoute(key, RouteBridge)
	s, _ := r.get(key)
	if s.Route != RouteBridge {
		t.Fatalf("Route = %v, want bridge", s.Route)
	}
}
