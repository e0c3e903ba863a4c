package island

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeShade struct {
	mu       sync.Mutex
	cancels  []string
	snoozes  []string
	snoozeBy time.Duration
}

func (s *fakeShade) Cancel(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, key)
	return nil
}

func (s *fakeShade) Snooze(ctx context.Context, key string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snoozes = append(s.snoozes, key)
	s.snoozeBy = d
	return nil
}

func (s *fakeShade) ActiveCount(ctx context.Context) (int, error) { return 0, nil }

func (s *fakeShade) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

type renderCall struct {
	key   GroupKey
	route Route
}

type fakeRenderer struct {
	mu        sync.Mutex
	renders   []renderCall
	withdrawn []GroupKey
	confirmed bool  // value returned from Render
	confirm   bool  // value returned from Confirm
	renderErr error // when set, Render fails without recording
}

func (r *fakeRenderer) Render(ctx context.Context, p Payload, route Route) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renderErr != nil {
		return false, r.renderErr
	}
	r.renders = append(r.renders, renderCall{key: p.Key, route: route})
	return r.confirmed, nil
}

func (r *fakeRenderer) failWith(err error) {
	r.mu.Lock()
	r.renderErr = err
	r.mu.Unlock()
}

func (r *fakeRenderer) Withdraw(ctx context.Context, key GroupKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdrawn = append(r.withdrawn, key)
	return nil
}

func (r *fakeRenderer) Tick(ctx context.Context, p Payload) error { return nil }

func (r *fakeRenderer) Confirm(ctx context.Context, key GroupKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirm, nil
}

func (r *fakeRenderer) renderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.renders)
}

func (r *fakeRenderer) withdrawnKeys() []GroupKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GroupKey(nil), r.withdrawn...)
}

type fakeDigest struct {
	mu      sync.Mutex
	reasons []Reason
}

func (d *fakeDigest) RecordSuppressed(app string, cat Category, reason Reason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

func (d *fakeDigest) last() Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.reasons) == 0 {
		return ReasonNone
	}
	return d.reasons[len(d.reasons)-1]
}

func (d *fakeDigest) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons)
}

type engineFixture struct {
	eng   *Engine
	clock *fakeClock
	shade *fakeShade
	rend  *fakeRenderer
	dev   *fakeDevice
	dig   *fakeDigest
	store PriorityStore
}

func newEngineFixture(t *testing.T, cfg Settings) *engineFixture {
	t.Helper()
	f := &engineFixture{
		clock: newFakeClock(),
		shade: &fakeShade{},
		rend:  &fakeRenderer{confirmed: true, confirm: true},
		dev:   okDevice(),
		dig:   &fakeDigest{},
		store: NewMemPriorityStore(),
	}
	f.eng = New(cfg, Deps{
		Shade:    f.shade,
		Renderer: f.rend,
		Device:   f.dev,
		Digest:   f.dig,
		Priority: f.store,
		Clock:    f.clock,
	})
	return f
}

func (f *engineFixture) post(t *testing.T, e Event) {
	t.Helper()
	f.eng.processPosted(context.Background(), e)
}

func TestEngineRendersAndCancelsShade(t *testing.T) {
	f := newEngineFixture(t, Settings{
		Apps: map[string]AppSettings{"a": {Mode: ModeFullyHide}},
	})

	f.post(t, Event{App: "a", Key: "os:1", ID: 1, Title: "hello", Clearable: true})

	if got := f.rend.renderCount(); got != 1 {
		t.Fatalf("renders = %d, want 1", got)
	}
	if f.eng.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", f.eng.ActiveCount())
	}
	f.shade.mu.Lock()
	cancels := append([]string(nil), f.shade.cancels...)
	f.shade.mu.Unlock()
	if len(cancels) != 1 || cancels[0] != "os:1" {
		t.Fatalf("shade cancels = %v, want [os:1]", cancels)
	}
}

func TestEngineHidePopupSnoozesShade(t *testing.T) {
	f := newEngineFixture(t, Settings{
		SnoozeDuration: 8 * time.Second,
		Apps:           map[string]AppSettings{"a": {Mode: ModeHidePopup}},
	})

	f.post(t, Event{App: "a", Key: "os:1", ID: 1, Title: "hello", Clearable: true})

	f.shade.mu.Lock()
	snoozes, by := append([]string(nil), f.shade.snoozes...), f.shade.snoozeBy
	f.shade.mu.Unlock()
	if len(snoozes) != 1 || snoozes[0] != "os:1" {
		t.Fatalf("shade snoozes = %v, want [os:1]", snoozes)
	}
	if by != 8*time.Second {
		t.Fatalf("snooze duration = %v, want 8s", by)
	}
	if f.shade.cancelCount() != 0 {
		t.Fatal("hide-popup must snooze, not cancel")
	}
}

func TestEngineSmartSilenceWindow(t *testing.T) {
	f := newEngineFixture(t, Settings{SilenceWindow: 10 * time.Second})
	e := Event{App: "a", Key: "os:1", Title: "same", Body: "same"}

	f.post(t, e)
	if got := f.rend.renderCount(); got != 1 {
		t.Fatalf("renders = %d, want 1", got)
	}

	f.clock.Advance(2 * time.Second)
	e.Key = "os:2"
	f.post(t, e)
	if got := f.dig.last(); got != ReasonSmartSilence {
		t.Fatalf("reason = %v, want smart-silence", got)
	}
	if got := f.rend.renderCount(); got != 1 {
		t.Fatalf("renders after duplicate = %d, want 1", got)
	}

	// Past the window the same content may show again; the registry then
	// treats it as an unchanged duplicate, so no re-render either way.
	f.clock.Advance(11 * time.Second)
	e.Key = "os:3"
	before := f.dig.count()
	f.post(t, e)
	if got := f.dig.count(); got != before {
		t.Fatalf("suppressed count = %d, want %d (no new suppression)", got, before)
	}
}

func TestEngineDismissCooldown(t *testing.T) {
	f := newEngineFixture(t, Settings{DismissCooldown: 30 * time.Second})

	f.post(t, Event{App: "a", Key: "os:1", Title: "one"})
	key := GroupKey{App: "a", Category: CategoryStandard}
	f.eng.Dismissed(key)

	if f.eng.ActiveCount() != 0 {
		t.Fatalf("ActiveCount after dismiss = %d, want 0", f.eng.ActiveCount())
	}

	f.clock.Advance(5 * time.Second)
	f.post(t, Event{App: "a", Key: "os:2", Title: "two"})
	if got := f.dig.last(); got != ReasonDismissCooldown {
		t.Fatalf("reason = %v, want dismiss-cooldown", got)
	}

	f.clock.Advance(30 * time.Second)
	f.post(t, Event{App: "a", Key: "os:3", Title: "three"})
	if f.eng.ActiveCount() != 1 {
		t.Fatal("event after cooldown expiry should render")
	}
}

func TestEngineDismissFeedsLearning(t *testing.T) {
	f := newEngineFixture(t, Settings{})

	f.post(t, Event{App: "a", Key: "os:1", Title: "one"})
	f.clock.Advance(time.Second)
	f.eng.Dismissed(GroupKey{App: "a", Category: CategoryStandard})

	c, ok := f.store.Get("a")
	if !ok || c.FastDismiss != 1 {
		t.Fatalf("FastDismiss = %d (ok=%v), want 1", c.FastDismiss, ok)
	}
}

func TestEngineJunkSuppressed(t *testing.T) {
	f := newEngineFixture(t, Settings{})
	f.post(t, Event{App: "a", Key: "os:1"})
	if got := f.dig.last(); got != ReasonJunk {
		t.Fatalf("reason = %v, want junk", got)
	}
	if f.rend.renderCount() != 0 {
		t.Fatal("junk event rendered")
	}
}

func TestEngineGroupSummaryDisposed(t *testing.T) {
	f := newEngineFixture(t, Settings{})
	f.post(t, Event{App: "a", Key: "os:1", Title: "summary", GroupSummary: true})

	if got := f.dig.last(); got != ReasonGroupSummary {
		t.Fatalf("reason = %v, want group-summary", got)
	}
	if f.shade.cancelCount() != 1 {
		t.Fatal("allowed app's group summary should be cancelled in the shade")
	}
	if f.rend.renderCount() != 0 {
		t.Fatal("group summary rendered")
	}

	// Blocked apps keep their summaries; we only suppress the island.
	f2 := newEngineFixture(t, Settings{
		Apps: map[string]AppSettings{"b": {Blocked: true}},
	})
	f2.post(t, Event{App: "b", Key: "os:2", Title: "summary", GroupSummary: true})
	if f2.shade.cancelCount() != 0 {
		t.Fatal("blocked app's summary must not be touched")
	}
}

func TestEnginePolicyOrdering(t *testing.T) {
	f := newEngineFixture(t, Settings{
		Apps: map[string]AppSettings{
			"a": {Blocked: true, Muted: true, Blocklist: []string{"hello"}},
		},
	})
	// Blocked wins over muted and blocklist.
	f.post(t, Event{App: "a", Key: "os:1", Title: "hello"})
	if got := f.dig.last(); got != ReasonAppBlocked {
		t.Fatalf("reason = %v, want app-blocked", got)
	}
}

func TestEngineRouteNoneLeavesOriginal(t *testing.T) {
	f := newEngineFixture(t, Settings{})
	f.dev.overlay = false // standard cannot fall back to the bridge

	f.post(t, Event{App: "a", Key: "os:1", Title: "hello"})
	if f.rend.renderCount() != 0 {
		t.Fatal("rendered without an available route")
	}
	if f.eng.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after rollback", f.eng.ActiveCount())
	}
	if f.shade.cancelCount() != 0 {
		t.Fatal("shade touched with no surrogate standing in")
	}
}

func TestEngineFailedUpdateRetriesOnNextEvent(t *testing.T) {
	f := newEngineFixture(t, Settings{})

	f.post(t, Event{App: "a", Key: "os:1", Title: "v1"})
	if got := f.rend.renderCount(); got != 1 {
		t.Fatalf("renders = %d, want 1", got)
	}

	// The update commits nothing while the renderer is down.
	f.rend.failWith(errors.New("transport down"))
	f.post(t, Event{App: "a", Key: "os:2", Title: "v2"})
	if got := f.rend.renderCount(); got != 1 {
		t.Fatalf("renders after failure = %d, want 1", got)
	}
	key := GroupKey{App: "a", Category: CategoryStandard}
	if s, ok := f.eng.reg.get(key); !ok || s.Title != "v1" {
		t.Fatalf("surrogate = %+v (ok=%v), want rolled back to v1", s, ok)
	}

	// Past the smart-silence window the same content must retry, not be
	// swallowed as an unchanged duplicate.
	f.rend.failWith(nil)
	f.clock.Advance(11 * time.Second)
	f.post(t, Event{App: "a", Key: "os:3", Title: "v2"})
	if got := f.rend.renderCount(); got != 2 {
		t.Fatalf("renders after retry = %d, want 2", got)
	}
	if s, ok := f.eng.reg.get(key); !ok || s.Title != "v2" {
		t.Fatalf("surrogate = %+v (ok=%v), want updated to v2", s, ok)
	}
}

func TestEngineThrottleSurvivesSurrogateRemoval(t *testing.T) {
	f := newEngineFixture(t, Settings{
		BurstThreshold: 1,
		ThrottleAfter:  1,
		Aggressiveness: 1,
	})

	f.post(t, Event{App: "a", Key: "os:1", ID: 1, Title: "one"})
	if got := f.rend.renderCount(); got != 1 {
		t.Fatalf("renders = %d, want 1", got)
	}

	f.clock.Advance(3 * time.Second) // past the minimum-visibility window
	f.post(t, Event{App: "a", Key: "os:2", ID: 2, Title: "two"})
	if got := f.dig.last(); got != ReasonThrottle {
		t.Fatalf("reason = %v, want throttle", got)
	}

	f.eng.processRemoved(context.Background(), "a", "os:1", 1)
	if f.eng.ActiveCount() != 0 {
		t.Fatal("surrogate not removed")
	}

	// The cooldown must outlive the surrogate.
	f.clock.Advance(time.Second)
	f.post(t, Event{App: "a", Key: "os:3", ID: 3, Title: "three"})
	if got := f.rend.renderCount(); got != 1 {
		t.Fatalf("renders after removal = %d, want 1 (cooldown still active)", got)
	}
	if got := f.dig.last(); got != ReasonThrottle {
		t.Fatalf("reason = %v, want throttle", got)
	}
}

func TestEngineEvictionWithdrawsLoser(t *testing.T) {
	f := newEngineFixture(t, Settings{Capacity: 1, Eviction: EvictMostRecent})

	f.post(t, Event{App: "a", Key: "os:1", Title: "first"})
	f.clock.Advance(time.Second)
	f.post(t, Event{App: "b", Key: "os:2", Title: "second"})

	if f.eng.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", f.eng.ActiveCount())
	}
	wd := f.rend.withdrawnKeys()
	if len(wd) != 1 || wd[0].App != "a" {
		t.Fatalf("withdrawn = %v, want the evicted surrogate for app a", wd)
	}
}

func TestEngineCapacityDropRecorded(t *testing.T) {
	f := newEngineFixture(t, Settings{Capacity: 1, Eviction: EvictFirstCome})

	f.post(t, Event{App: "a", Key: "os:1", Title: "first"})
	f.post(t, Event{App: "b", Key: "os:2", Title: "second"})

	if got := f.dig.last(); got != ReasonCapacity {
		t.Fatalf("reason = %v, want capacity", got)
	}
	if f.eng.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", f.eng.ActiveCount())
	}
}

func TestEngineProgressCompletionCollapses(t *testing.T) {
	f := newEngineFixture(t, Settings{CompleteCollapse: 20 * time.Millisecond})

	f.post(t, Event{
		App: "dl", Key: "os:1", Title: "download",
		Progress: 100, ProgressMax: 100,
	})
	if f.eng.ActiveCount() != 1 {
		t.Fatal("completed surrogate should still be visible")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.eng.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.eng.ActiveCount() != 0 {
		t.Fatal("completed surrogate never collapsed")
	}
}

func TestEngineExternalRemovalDefersThenHides(t *testing.T) {
	f := newEngineFixture(t, Settings{MinVisible: time.Hour})

	f.post(t, Event{App: "a", Key: "os:1", ID: 3, Title: "hello"})
	f.clock.Advance(time.Second)
	f.eng.processRemoved(context.Background(), "a", "os:1", 3)

	// Inside the window the surrogate survives; the dismissal is deferred.
	if f.eng.ActiveCount() != 1 {
		t.Fatal("surrogate hidden inside the minimum-visibility window")
	}
	// The fast external dismissal was learned.
	if c, ok := f.store.Get("a"); !ok || c.FastDismiss != 1 {
		t.Fatalf("FastDismiss = %d (ok=%v), want 1", c.FastDismiss, ok)
	}

	f.clock.Advance(2 * time.Hour)
	f.eng.processRemoved(context.Background(), "a", "os:1", 3)
	if f.eng.ActiveCount() != 0 {
		t.Fatal("surrogate survived past the window")
	}
	wd := f.rend.withdrawnKeys()
	if len(wd) != 1 {
		t.Fatalf("withdrawn = %v, want exactly one", wd)
	}
}

func TestEngineSelfCancelEchoNotLearned(t *testing.T) {
	f := newEngineFixture(t, Settings{
		MinVisible: time.Hour,
		Apps:       map[string]AppSettings{"a": {Mode: ModeFullyHide}},
	})

	// The engine cancels the original; the shade echoes a removal back.
	f.post(t, Event{App: "a", Key: "os:1", ID: 9, Title: "hello", Clearable: true})
	if f.shade.cancelCount() != 1 {
		t.Fatal("expected a shade cancel")
	}
	f.clock.Advance(time.Second)
	f.eng.processRemoved(context.Background(), "a", "os:1", 9)

	if _, ok := f.store.Get("a"); ok {
		t.Fatal("self-cancel echo must not feed the learning counters")
	}
	if f.eng.ActiveCount() != 1 {
		t.Fatal("fresh self-cancel echo must not hide the island early")
	}
}

func TestEngineExpiredSelfCancelHidesImmediately(t *testing.T) {
	f := newEngineFixture(t, Settings{
		MinVisible:       time.Hour,
		SelfCancelWindow: 5 * time.Second,
		Apps:             map[string]AppSettings{"a": {Mode: ModeFullyHide}},
	})

	f.post(t, Event{App: "a", Key: "os:1", ID: 9, Title: "hello", Clearable: true})
	f.clock.Advance(time.Minute) // mark is stale by now
	f.eng.processRemoved(context.Background(), "a", "os:1", 9)

	if f.eng.ActiveCount() != 0 {
		t.Fatal("expired self-cancel mark must force an immediate hide")
	}
}

func TestEngineRemovalForUnknownKeyIgnored(t *testing.T) {
	f := newEngineFixture(t, Settings{})
	f.eng.processRemoved(context.Background(), "ghost", "os:404", 1)
	if len(f.rend.withdrawnKeys()) != 0 {
		t.Fatal("unknown removal triggered a withdraw")
	}
}

func TestEngineBridgeConfirmGatesShadeCancel(t *testing.T) {
	cfg := Settings{
		RenderConfirmTimeout:  200 * time.Millisecond,
		RenderConfirmInterval: 10 * time.Millisecond,
		Apps:                  map[string]AppSettings{"a": {Mode: ModeFullyHide, CancelShade: boolPtr(true)}},
	}
	f := newEngineFixture(t, cfg)
	f.dev.overlay = false // media falls back to the bridge
	f.rend.confirmed = false
	f.rend.confirm = true

	f.post(t, Event{App: "a", Key: "os:1", Title: "song", MediaStyle: true, Clearable: true})
	if f.shade.cancelCount() != 1 {
		t.Fatal("confirmed bridge post should cancel the shade")
	}

	// Confirmation never arrives: the shade stays untouched.
	f2 := newEngineFixture(t, cfg)
	f2.dev.overlay = false
	f2.rend.confirmed = false
	f2.rend.confirm = false
	f2.post(t, Event{App: "a", Key: "os:2", Title: "song two", MediaStyle: true, Clearable: true})
	if f2.shade.cancelCount() != 0 {
		t.Fatal("unconfirmed bridge post must not cancel the shade")
	}
}

func TestEngineTapAndMuteLearning(t *testing.T) {
	f := newEngineFixture(t, Settings{})
	f.eng.Tapped("a")
	f.eng.MutedByUser("a")
	c, ok := f.store.Get("a")
	if !ok || c.TapOpen != 1 || c.MuteBlock != 1 {
		t.Fatalf("counters = %+v (ok=%v), want one tap and one mute", c, ok)
	}
}

func TestEngineStartStop(t *testing.T) {
	f := newEngineFixture(t, Settings{})
	ctx := context.Background()

	f.eng.Start(ctx)
	if err := f.eng.Posted(ctx, Event{App: "a", Key: "os:1", Title: "hello"}); err != nil {
		t.Fatalf("Posted: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.eng.ActiveCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.eng.ActiveCount() != 1 {
		t.Fatal("queued event never processed")
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f.eng.Stop(sctx)

	if err := f.eng.Posted(ctx, Event{App: "a", Key: "os:2", Title: "late"}); err != ErrStopped {
		t.Fatalf("Posted after stop = %v, want ErrStopped", err)
	}
}

func TestParseGroupKeyRoundTrip(t *testing.T) {
	key := GroupKey{App: "org.app/with/slashes", Category: CategoryMedia}
	got, ok := parseGroupKey(key.String())
	if !ok || got != key {
		t.Fatalf("parseGroupKey(%q) = %v, %v", key.String(), got, ok)
	}
	if _, ok := parseGroupKey("no-separator"); ok {
		t.Fatal("parse without separator should fail")
	}
}
