package island

import (
	"sync"
	"time"
)

// Verdict is the priority engine's decision for one event.
type Verdict int

const (
	Allow Verdict = iota
	BlockBurst
	BlockThrottle
)

func (v Verdict) String() string {
	switch v {
	case BlockBurst:
		return "block-burst"
	case BlockThrottle:
		return "block-throttle"
	default:
		return "allow"
	}
}

// Counters are the per-app learning signals. They are capped, never negative,
// and decay daily.
type Counters struct {
	FastDismiss int
	TapOpen     int
	MuteBlock   int
}

func (c Counters) zero() bool {
	return c.FastDismiss == 0 && c.TapOpen == 0 && c.MuteBlock == 0
}

// PriorityStore owns the learning counters and the decay bookkeeping.
// Implementations must be safe for concurrent use; decay only shrinks or
// deletes entries so it may run alongside live updates.
type PriorityStore interface {
	Get(app string) (Counters, bool)
	// Add applies a delta, clamping each counter to [0, cap].
	Add(app string, delta Counters, cap int)
	// Decay multiplies every counter by retention (floored) and deletes
	// all-zero entries. It is a no-op when called again within interval.
	// Returns whether a sweep actually ran.
	Decay(now time.Time, interval time.Duration, retention float64) bool
	LastDecay() time.Time
	Snapshot() map[string]Counters
}

// memPriorityStore is the default in-memory store. Persistence, when
// configured, is layered on by the engine via the storage collaborator.
type memPriorityStore struct {
	mu        sync.Mutex
	m         map[string]Counters
	lastDecay time.Time
}

// NewMemPriorityStore returns an empty in-memory priority store.
func NewMemPriorityStore() PriorityStore {
	return &memPriorityStore{m: map[string]Counters{}}
}

// NewSeededPriorityStore returns a store preloaded with counters and a decay
// timestamp, used to restore learning state across restarts.
func NewSeededPriorityStore(seed map[string]Counters, lastDecay time.Time) PriorityStore {
	m := make(map[string]Counters, len(seed))
	for k, v := range seed {
		if !v.zero() {
			m[k] = v
		}
	}
	return &memPriorityStore{m: m, lastDecay: lastDecay}
}

func (s *memPriorityStore) Get(app string) (Counters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[app]
	return c, ok
}

func (s *memPriorityStore) Add(app string, delta Counters, cap int) {
	if app == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.m[app]
	c.FastDismiss = clampCounter(c.FastDismiss+delta.FastDismiss, cap)
	c.TapOpen = clampCounter(c.TapOpen+delta.TapOpen, cap)
	c.MuteBlock = clampCounter(c.MuteBlock+delta.MuteBlock, cap)
	if c.zero() {
		delete(s.m, app)
		return
	}
	s.m[app] = c
}

func (s *memPriorityStore) Decay(now time.Time, interval time.Duration, retention float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastDecay.IsZero() && now.Sub(s.lastDecay) < interval {
		return false
	}
	s.lastDecay = now
	for app, c := range s.m {
		c.FastDismiss = int(float64(c.FastDismiss) * retention)
		c.TapOpen = int(float64(c.TapOpen) * retention)
		c.MuteBlock = int(float64(c.MuteBlock) * retention)
		if c.zero() {
			delete(s.m, app)
			continue
		}
		s.m[app] = c
	}
	return true
}

func (s *memPriorityStore) LastDecay() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDecay
}

func (s *memPriorityStore) Snapshot() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

func clampCounter(v, cap int) int {
	if v < 0 {
		return 0
	}
	if cap > 0 && v > cap {
		return cap
	}
	return v
}

// burstState tracks the rolling show window and cooldown for one GroupKey.
type burstState struct {
	shown         []time.Time
	burstBlocks   int
	throttleUntil time.Time
}

// priorityEngine implements the two-stage rate decision: a short-window burst
// counter and a longer cooldown-based throttle.
type priorityEngine struct {
	mu    sync.Mutex
	clock Clock
	store PriorityStore
	burst map[GroupKey]*burstState
}

func newPriorityEngine(clock Clock, store PriorityStore) *priorityEngine {
	if store == nil {
		store = NewMemPriorityStore()
	}
	return &priorityEngine{clock: clock, store: store, burst: map[GroupKey]*burstState{}}
}

// effectiveBurstThreshold folds the aggressiveness knob, per-app profile,
// learning counters and the preset bias into one threshold. Never below 1.
func (p *priorityEngine) effectiveBurstThreshold(app string, cat Category, cfg Settings) int {
	t := cfg.BurstThreshold

	agg := cfg.Aggressiveness
	// Habitually dismissed sources get one extra aggressiveness step.
	if c, ok := p.store.Get(app); ok {
		if c.FastDismiss+c.MuteBlock-c.TapOpen >= cfg.HabitualMargin {
			agg++
		}
	}
	if agg > 2 {
		agg = 2
	}
	switch agg {
	case 0:
		t += 2
	case 2:
		t--
	}

	prof := cfg.App(app).Profile
	switch prof {
	case ProfileLenient:
		t += 2
	case ProfileStrict:
		t--
	}

	if cat == CategoryStandard {
		t -= cfg.Preset.StandardBias()
	}

	if t < 1 {
		t = 1
	}
	return t
}

// Check records the event attempt and returns the verdict for key.
func (p *priorityEngine) Check(key GroupKey, cfg Settings) Verdict {
	now := p.clock.Now()
	threshold := p.effectiveBurstThreshold(key.App, key.Category, cfg)

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.burst[key]
	if st == nil {
		st = &burstState{}
		p.burst[key] = st
	}

	if now.Before(st.throttleUntil) {
		return BlockThrottle
	}

	// Prune the rolling window.
	cut := now.Add(-cfg.BurstWindow)
	kept := st.shown[:0]
	for _, t := range st.shown {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	st.shown = kept

	if len(st.shown) >= threshold {
		st.burstBlocks++
		// Sustained bursts escalate into a cooldown.
		if st.burstBlocks >= cfg.ThrottleAfter {
			st.throttleUntil = now.Add(cfg.ThrottleCooldown)
			st.burstBlocks = 0
			return BlockThrottle
		}
		return BlockBurst
	}

	st.burstBlocks = 0
	st.shown = append(st.shown, now)
	return Allow
}

// Bypass records a "shown" signal without applying any block. Used for
// critical categories under presets that force them through.
func (p *priorityEngine) Bypass(key GroupKey, cfg Settings) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.burst[key]
	if st == nil {
		st = &burstState{}
		p.burst[key] = st
	}
	cut := now.Add(-cfg.BurstWindow)
	kept := st.shown[:0]
	for _, t := range st.shown {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	st.shown = append(kept, now)
}

// prune drops burst states that carry no live signal: an empty rolling
// window, no pending escalation and an elapsed throttle cooldown. Burst
// state deliberately outlives the surrogate, so a throttled source stays
// throttled after its notification is removed or evicted.
func (p *priorityEngine) prune(window time.Duration) {
	now := p.clock.Now()
	cut := now.Add(-window)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, st := range p.burst {
		if st.burstBlocks != 0 || now.Before(st.throttleUntil) {
			continue
		}
		live := false
		for _, t := range st.shown {
			if t.After(cut) {
				live = true
				break
			}
		}
		if !live {
			delete(p.burst, key)
		}
	}
}

// Learning signal entry points.

func (p *priorityEngine) NoteFastDismiss(app string, cfg Settings) {
	p.store.Add(app, Counters{FastDismiss: 1}, cfg.CounterCap)
}

func (p *priorityEngine) NoteTapOpen(app string, cfg Settings) {
	p.store.Add(app, Counters{TapOpen: 1}, cfg.CounterCap)
}

func (p *priorityEngine) NoteMuteBlock(app string, cfg Settings) {
	p.store.Add(app, Counters{MuteBlock: 1}, cfg.CounterCap)
}

// DecaySweep runs the bounded daily decay. Idempotent within the interval.
// Stale burst states are pruned on the same schedule.
func (p *priorityEngine) DecaySweep(cfg Settings) bool {
	p.prune(cfg.BurstWindow)
	return p.store.Decay(p.clock.Now(), cfg.DecayInterval, cfg.DecayRetention)
}
