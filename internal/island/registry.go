package island

import (
	"math"
	"sync"
	"time"
)

// upsertResult describes what the registry did with an accepted event.
type upsertResult struct {
	Surrogate *Surrogate
	Created   bool
	// Noop is set when the content hash matched the stored one (duplicate).
	Noop bool
	// Prev holds the content replaced by an in-place update, so a failed
	// render can roll the surrogate back.
	Prev *Surrogate
	// Evicted is the surrogate removed to make room, if any.
	Evicted *Surrogate
	// Dropped is set when the registry was full and the policy refused to evict.
	Dropped bool
}

// registry is the capacity-bounded map of active surrogates.
// Replace semantics: one surrogate per GroupKey, updated in place.
type registry struct {
	mu    sync.Mutex
	clock Clock
	seq   uint64
	m     map[GroupKey]*Surrogate
}

func newRegistry(clock Clock) *registry {
	return &registry{clock: clock, m: map[GroupKey]*Surrogate{}}
}

func (r *registry) get(key GroupKey) (*Surrogate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[key]
	return s, ok
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

func (r *registry) keys() []GroupKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GroupKey, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}

// setRoute records the active presentation route for a surrogate.
func (r *registry) setRoute(key GroupKey, route Route) {
	r.mu.Lock()
	if s, ok := r.m[key]; ok {
		s.Route = route
	}
	r.mu.Unlock()
}

// restore puts back the content snapshot an in-place update replaced.
// Without it a failed render would leave the registry claiming content the
// surrogate never displayed, and a retry of the same event would be
// swallowed as a duplicate.
func (r *registry) restore(key GroupKey, prev *Surrogate) {
	if prev == nil {
		return
	}
	r.mu.Lock()
	if s, ok := r.m[key]; ok {
		s.Title, s.Body, s.Subtitle = prev.Title, prev.Body, prev.Subtitle
		s.ContentHash = prev.ContentHash
		s.Conversation = prev.Conversation
	}
	r.mu.Unlock()
}

// remove deletes a surrogate. Already-absent is success.
func (r *registry) remove(key GroupKey) (*Surrogate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[key]
	if ok {
		delete(r.m, key)
	}
	return s, ok
}

// upsert applies an accepted event. New keys at capacity run the eviction
// policy first; if no room can be made the event is dropped so the registry
// never exceeds capacity.
func (r *registry) upsert(key GroupKey, e Event, hash uint64, cfg Settings) upsertResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.m[key]; ok {
		if s.ContentHash == hash {
			return upsertResult{Surrogate: s, Noop: true}
		}
		prev := *s
		s.Title, s.Body, s.Subtitle = e.Title, e.Body, e.Subtitle
		s.ContentHash = hash
		s.Conversation = e.Conversation
		return upsertResult{Surrogate: s, Prev: &prev}
	}

	var evicted *Surrogate
	if len(r.m) >= cfg.Capacity {
		evicted = r.evictLocked(key, cfg)
		if len(r.m) >= cfg.Capacity {
			return upsertResult{Dropped: true, Evicted: evicted}
		}
	}

	r.seq++
	s := &Surrogate{
		Handle:       r.seq,
		Key:          key,
		CreatedAt:    r.clock.Now(),
		Title:        e.Title,
		Body:         e.Body,
		Subtitle:     e.Subtitle,
		ContentHash:  hash,
		Conversation: e.Conversation,
	}
	r.m[key] = s
	return upsertResult{Surrogate: s, Created: true, Evicted: evicted}
}

func (r *registry) evictLocked(incoming GroupKey, cfg Settings) *Surrogate {
	switch cfg.Eviction {
	case EvictMostRecent:
		var oldest *Surrogate
		for _, s := range r.m {
			if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
				oldest = s
			}
		}
		if oldest != nil {
			delete(r.m, oldest.Key)
		}
		return oldest

	case EvictPriorityRanked:
		worst := r.worstLocked(cfg)
		if worst == nil {
			return nil
		}
		// Evict only when the incoming event ranks strictly better.
		in := rankOf(incoming, cfg)
		if !in.better(rankOf(worst.Key, cfg)) {
			return nil
		}
		delete(r.m, worst.Key)
		return worst

	default: // EvictFirstCome: never evict.
		return nil
	}
}

// worstLocked finds the lowest-priority active surrogate: highest category
// rank, then highest app rank, then most recent creation time.
func (r *registry) worstLocked(cfg Settings) *Surrogate {
	var (
		worst  *Surrogate
		worstR rank
		worstT time.Time
	)
	for _, s := range r.m {
		rk := rankOf(s.Key, cfg)
		if worst == nil || worstR.better(rk) ||
			(!rk.better(worstR) && s.CreatedAt.After(worstT)) {
			worst, worstR, worstT = s, rk, s.CreatedAt
		}
	}
	return worst
}

// rank is the ordered (category, app) priority tuple. Lower is better;
// entries absent from the configured orderings rank lowest.
type rank struct {
	cat int
	app int
}

// better reports a strictly better rank than o.
func (r rank) better(o rank) bool {
	if r.cat != o.cat {
		return r.cat < o.cat
	}
	return r.app < o.app
}

func rankOf(key GroupKey, cfg Settings) rank {
	rk := rank{cat: math.MaxInt, app: math.MaxInt}
	for i, c := range cfg.CategoryPriority {
		if c == key.Category {
			rk.cat = i
			break
		}
	}
	limit := len(cfg.AppPriority)
	if limit > maxAppPriority {
		limit = maxAppPriority
	}
	for i := 0; i < limit; i++ {
		if cfg.AppPriority[i] == key.App {
			rk.app = i
			break
		}
	}
	return rk
}
