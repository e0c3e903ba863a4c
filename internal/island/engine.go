package island

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"hyperisle/internal/eventbus"
	rtsup "hyperisle/internal/runtime/supervisor"
	logx "hyperisle/pkg/logx"
)

var (
	ErrQueueFull = errors.New("island: event queue full")
	ErrStopped   = errors.New("island: engine stopped")
)

// StateStore persists learning counters and cooldown stamps across restarts.
// All calls are best-effort; the engine degrades to in-memory state.
type StateStore interface {
	SaveCounters(ctx context.Context, counters map[string]Counters, lastDecay time.Time) error
	LoadCounters(ctx context.Context) (map[string]Counters, time.Time, error)
	SaveCooldown(ctx context.Context, key string, until time.Time) error
	LoadCooldowns(ctx context.Context) (map[string]time.Time, error)
}

// Deps are the engine's collaborators. Shade, Renderer and Device are
// required; the rest default to no-ops.
type Deps struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Shade    Shade
	Renderer Renderer
	Device   Device
	Dir      Directory
	Digest   Digest
	State    StateStore
	Priority PriorityStore
	Clock    Clock
}

type workKind int

const (
	workPosted workKind = iota
	workRemoved
)

type work struct {
	kind workKind
	e    Event

	app string
	key string
	id  uint32
}

// Engine is the notification arbitration service: a queue plus worker pool
// running classification, the policy pipeline, the surrogate registry and
// the dual-route dispatch per event. Safe for concurrent use.
type Engine struct {
	mu  sync.Mutex // guards cfg, queue lifecycle, accepting
	cfg Settings

	log    logx.Logger
	bus    eventbus.Bus
	shade  Shade
	rend   Renderer
	dev    Device
	dir    Directory
	digest Digest
	state  StateStore
	clock  Clock

	reg  *registry
	lc   *lifecycle
	prio *priorityEngine

	// stateMu guards the small per-key decision caches.
	stateMu  sync.Mutex
	silence  map[GroupKey]silenceRecord
	cooldown map[GroupKey]time.Time
	byKey    map[string]GroupKey // OS notification key -> surrogate identity

	// keyMu serializes processing per GroupKey so no two concurrent updates
	// to the same surrogate interleave destructively.
	keyMuMu sync.Mutex
	keyMu   map[GroupKey]*sync.Mutex

	hint *rate.Limiter

	queue     chan work
	sup       *rtsup.Supervisor
	cron      *cron.Cron
	accepting bool
	stopDone  chan struct{}
	sendWG    sync.WaitGroup
}

// New builds an engine. Call Start to begin consuming events.
func New(cfg Settings, deps Deps) *Engine {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Dir == nil {
		deps.Dir = nopDirectory{}
	}
	if deps.Digest == nil {
		deps.Digest = nopDigest{}
	}
	g := &Engine{
		log:      deps.Log,
		bus:      deps.Bus,
		shade:    deps.Shade,
		rend:     deps.Renderer,
		dev:      deps.Device,
		dir:      deps.Dir,
		digest:   deps.Digest,
		state:    deps.State,
		clock:    deps.Clock,
		silence:  map[GroupKey]silenceRecord{},
		cooldown: map[GroupKey]time.Time{},
		byKey:    map[string]GroupKey{},
		keyMu:    map[GroupKey]*sync.Mutex{},
	}
	g.reg = newRegistry(g.clock)
	g.lc = newLifecycle(g.clock)
	g.prio = newPriorityEngine(g.clock, deps.Priority)
	g.applyLocked(cfg)
	return g
}

func (g *Engine) Apply(cfg Settings) {
	g.mu.Lock()
	g.applyLocked(cfg)
	g.mu.Unlock()
}

func (g *Engine) applyLocked(cfg Settings) {
	cfg = cfg.withDefaults()
	g.cfg = cfg
	// At most one hint per HintInterval.
	g.hint = rate.NewLimiter(rate.Every(cfg.HintInterval), 1)
}

func (g *Engine) config() Settings {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Start is idempotent. Restores persisted cooldowns and launches the worker
// pool plus the nightly decay sweep.
func (g *Engine) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	g.mu.Lock()
	if g.stopDone != nil {
		done := g.stopDone
		g.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		g.mu.Lock()
	}
	if g.queue != nil {
		g.mu.Unlock()
		return
	}
	cfg := g.cfg
	g.queue = make(chan work, 256)
	g.accepting = true
	g.sup = rtsup.New(ctx,
		rtsup.WithLogger(g.log.With(logx.String("comp", "island"))),
		rtsup.WithCancelOnError(false),
	)
	sup := g.sup
	q := g.queue
	g.mu.Unlock()

	g.restoreState(ctx)

	const workers = 2
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			g.workerLoop(c, q)
			g.mu.Lock()
			stopping := g.stopDone != nil
			g.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("island worker exited unexpectedly")
		})
	}

	cr := cron.New()
	if _, err := cr.AddFunc(cfg.DecaySpec, func() { g.runDecaySweep(context.Background()) }); err != nil {
		g.log.Warn("invalid decay schedule; sweep disabled", logx.String("spec", cfg.DecaySpec), logx.Err(err))
	} else {
		cr.Start()
		g.mu.Lock()
		g.cron = cr
		g.mu.Unlock()
	}
}

// Stop stops intake, drains queued events best-effort until ctx deadline,
// and cancels all per-surrogate timers.
func (g *Engine) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	g.mu.Lock()
	q := g.queue
	sup := g.sup
	cr := g.cron
	if q == nil {
		g.mu.Unlock()
		return
	}
	if g.stopDone != nil {
		done := g.stopDone
		g.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	g.stopDone = done
	g.accepting = false
	g.cron = nil
	g.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}

	go func() {
		defer close(done)
		g.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		g.persistState(context.Background())

		// Release every surrogate so no timers or tickers leak.
		for _, k := range g.reg.keys() {
			g.lc.release(k)
			g.reg.remove(k)
		}

		g.mu.Lock()
		g.queue = nil
		g.sup = nil
		g.stopDone = nil
		g.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Posted enqueues an inbound notification event.
func (g *Engine) Posted(ctx context.Context, e Event) error {
	return g.enqueue(ctx, work{kind: workPosted, e: e})
}

// Removed enqueues a notification removal.
func (g *Engine) Removed(ctx context.Context, app, key string, id uint32) error {
	return g.enqueue(ctx, work{kind: workRemoved, app: app, key: key, id: id})
}

func (g *Engine) enqueue(ctx context.Context, w work) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	g.mu.Lock()
	if !g.accepting || g.queue == nil {
		g.mu.Unlock()
		return ErrStopped
	}
	q := g.queue
	g.sendWG.Add(1)
	g.mu.Unlock()
	defer g.sendWG.Done()

	select {
	case q <- w:
		return nil
	default:
		g.log.Warn("event queue full; dropping",
			logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

func (g *Engine) workerLoop(ctx context.Context, q <-chan work) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-q:
			if !ok {
				return
			}
			switch w.kind {
			case workPosted:
				g.processPosted(ctx, w.e)
			case workRemoved:
				g.processRemoved(ctx, w.app, w.key, w.id)
			}
		}
	}
}

// lockKey serializes processing for one GroupKey.
func (g *Engine) lockKey(key GroupKey) func() {
	g.keyMuMu.Lock()
	m := g.keyMu[key]
	if m == nil {
		m = &sync.Mutex{}
		g.keyMu[key] = m
	}
	g.keyMuMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (g *Engine) processPosted(ctx context.Context, e Event) {
	cfg := g.config()
	cat := Classify(e)
	key := GroupKey{App: e.App, Category: cat}

	unlock := g.lockKey(key)
	defer unlock()

	// Group summaries never become islands: dispose immediately, and cancel
	// the summary itself when the app is otherwise allowed.
	if e.GroupSummary {
		g.suppressed(e.App, cat, ReasonGroupSummary)
		if !cfg.App(e.App).Blocked {
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := g.shade.Cancel(cctx, e.Key); err != nil {
				g.log.Debug("group summary cancel failed", logx.String("app", e.App), logx.Err(err))
			}
			cancel()
		}
		return
	}

	if isJunk(e, cat, g.dir.Label(e.App), cfg.BlockedTerms) {
		g.suppressed(e.App, cat, ReasonJunk)
		return
	}

	if reason := g.evaluatePolicy(e, cat, key, cfg); reason != ReasonNone {
		g.suppressed(e.App, cat, reason)
		return
	}

	hash := contentHash(e.Title, e.Body, e.Subtitle, cat)
	res := g.reg.upsert(key, e, hash, cfg)

	if res.Evicted != nil {
		g.withdrawEvicted(ctx, res.Evicted)
	}
	if res.Dropped {
		g.suppressed(e.App, cat, ReasonCapacity)
		return
	}
	if res.Noop {
		return
	}

	route := decideRoute(cat, cfg, g.dev)
	if route == RouteNone {
		// No presentation available: leave the original notification alone.
		if res.Created {
			g.reg.remove(key)
			g.lc.release(key)
		}
		g.log.Debug("no route available", logx.String("key", key.String()))
		return
	}

	prev := res.Surrogate.Route
	if !res.Created && prev != RouteNone && prev != route {
		// Only one route per surrogate: withdraw the old one first.
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := g.rend.Withdraw(wctx, key); err != nil {
			g.log.Debug("route switch withdraw failed", logx.String("key", key.String()), logx.Err(err))
		}
		cancel()
	}

	payload := buildPayload(key, e)
	confirmed, err := g.rend.Render(ctx, payload, route)
	if err != nil {
		// Transient render failure: roll back to pre-render, never retry
		// within the same event. A later event for the key may retry.
		g.log.Warn("render failed", logx.String("key", key.String()), logx.String("route", route.String()), logx.Err(err))
		if res.Created {
			g.reg.remove(key)
			g.lc.release(key)
		} else {
			g.reg.restore(key, res.Prev)
		}
		return
	}
	g.reg.setRoute(key, route)

	g.lc.markShown(key, cfg.MinVisible)
	g.stateMu.Lock()
	g.byKey[e.Key] = key
	g.stateMu.Unlock()

	evt := "island.updated"
	if res.Created {
		evt = "island.shown"
	}
	g.publish(evt, key)
	g.log.Debug("surrogate rendered",
		logx.String("key", key.String()),
		logx.String("route", route.String()),
		logx.Bool("created", res.Created))

	if cat == CategoryCall && e.Ongoing {
		g.startCallTicker(key, payload)
	}

	if e.ProgressMax > 0 && e.Progress >= e.ProgressMax {
		if g.lc.markCompleted(key) {
			g.lc.scheduleDismiss(key, cfg.CompleteCollapse, func() { g.collapse(key) })
			g.publish("island.completed", key)
		}
	}

	g.maybeCancelShade(ctx, e, cat, key, cfg, route, confirmed)
}

func buildPayload(key GroupKey, e Event) Payload {
	return Payload{
		Key:           key,
		Title:         e.Title,
		Body:          e.Body,
		Subtitle:      e.Subtitle,
		Progress:      e.Progress,
		ProgressMax:   e.ProgressMax,
		Indeterminate: e.Indeterminate,
		Ongoing:       e.Ongoing,
	}
}

func (g *Engine) startCallTicker(key GroupKey, payload Payload) {
	g.lc.startCallTicker(key, func(elapsed time.Duration) bool {
		if _, ok := g.reg.get(key); !ok {
			return false
		}
		p := payload
		p.Elapsed = elapsed
		tctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := g.rend.Tick(tctx, p); err != nil {
			g.log.Debug("call tick failed", logx.String("key", key.String()), logx.Err(err))
		}
		return true
	})
}

// maybeCancelShade runs the shade-cancellation decision engine after the
// render is confirmed and applies the selected suppression strategy.
func (g *Engine) maybeCancelShade(ctx context.Context, e Event, cat Category, key GroupKey, cfg Settings, route Route, confirmed bool) {
	if route == RouteBridge && !confirmed {
		confirmed = g.awaitBridgeConfirm(ctx, key, cfg)
	}

	dec := decideShadeCancel(e, cat, cfg, g.dev, confirmed)
	if dec.CancelShade {
		g.applyStrategy(ctx, e, dec.Strategy)
		g.publish("island.shade-cancelled", key)
		return
	}
	if dec.wantsHint() && g.hintAllowed() {
		g.publish("island.hint", key)
		g.log.Info("shade cancel blocked by non-clearable notification", logx.String("app", e.App))
	}
}

func (g *Engine) hintAllowed() bool {
	g.mu.Lock()
	lim := g.hint
	g.mu.Unlock()
	return lim != nil && lim.Allow()
}

// awaitBridgeConfirm polls the renderer for post confirmation. Bounded; it
// must never block the worker indefinitely.
func (g *Engine) awaitBridgeConfirm(ctx context.Context, key GroupKey, cfg Settings) bool {
	deadline := time.NewTimer(cfg.RenderConfirmTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(cfg.RenderConfirmInterval)
	defer tick.Stop()
	for {
		cctx, cancel := context.WithTimeout(ctx, cfg.RenderConfirmInterval)
		ok, err := g.rend.Confirm(cctx, key)
		cancel()
		if err == nil && ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

func (g *Engine) applyStrategy(ctx context.Context, e Event, st SuppressionStrategy) {
	switch st.Kind {
	case StrategyCancel:
		g.lc.markSelfCancel(e.App, e.ID)
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		err := g.shade.Cancel(cctx, e.Key)
		cancel()
		if err != nil {
			// Drop the mark so a later genuine removal is not misread.
			g.lc.unmarkSelfCancel(e.App, e.ID)
			g.log.Warn("shade cancel failed", logx.String("app", e.App), logx.Err(err))
		}
	case StrategySnooze:
		g.lc.markSelfCancel(e.App, e.ID)
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		err := g.shade.Snooze(cctx, e.Key, st.Snooze)
		cancel()
		if err != nil {
			g.lc.unmarkSelfCancel(e.App, e.ID)
			g.log.Warn("shade snooze failed", logx.String("app", e.App), logx.Err(err))
		}
	}
}

func (g *Engine) processRemoved(ctx context.Context, app, nkey string, id uint32) {
	cfg := g.config()

	g.stateMu.Lock()
	key, ok := g.byKey[nkey]
	g.stateMu.Unlock()
	if !ok {
		return
	}

	unlock := g.lockKey(key)
	defer unlock()

	marked, expired := g.lc.consumeSelfCancel(app, id, cfg.SelfCancelWindow)

	// External fast dismissal feeds the learning counters.
	if !marked {
		if shownAt, ok := g.lc.shownAtFor(key); ok && g.clock.Now().Sub(shownAt) <= cfg.FastDismissWindow {
			g.prio.NoteFastDismiss(app, cfg)
			g.persistCountersAsync()
		}
	}

	dec := g.lc.requestRemoval(key, marked && expired)
	if dec.Immediate {
		g.hide(ctx, key, nkey)
		return
	}
	g.lc.scheduleDismiss(key, dec.Delay, func() { g.deferredHide(key, nkey) })
	g.log.Debug("hide deferred",
		logx.String("key", key.String()),
		logx.Duration("delay", dec.Delay))
}

// deferredHide runs from a lifecycle timer once the remaining
// minimum-visibility window has elapsed.
func (g *Engine) deferredHide(key GroupKey, nkey string) {
	unlock := g.lockKey(key)
	defer unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g.hide(ctx, key, nkey)
}

// hide withdraws the surrogate and releases its lifecycle state as one
// cleanup step. Burst and throttle state stays; it is keyed to the source,
// not the surrogate. Already-absent surrogates are treated as success.
func (g *Engine) hide(ctx context.Context, key GroupKey, nkey string) {
	if _, ok := g.reg.remove(key); ok {
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := g.rend.Withdraw(wctx, key); err != nil {
			g.log.Debug("withdraw failed", logx.String("key", key.String()), logx.Err(err))
		}
		cancel()
		g.publish("island.hidden", key)
	}
	g.lc.release(key)

	g.stateMu.Lock()
	if nkey != "" {
		delete(g.byKey, nkey)
	}
	g.stateMu.Unlock()

	if g.reg.size() == 0 {
		g.publish("island.idle", GroupKey{})
	}
}

// collapse auto-hides a completed surrogate.
func (g *Engine) collapse(key GroupKey) {
	unlock := g.lockKey(key)
	defer unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g.hide(ctx, key, "")
}

func (g *Engine) withdrawEvicted(ctx context.Context, s *Surrogate) {
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	if err := g.rend.Withdraw(wctx, s.Key); err != nil {
		g.log.Debug("evicted withdraw failed", logx.String("key", s.Key.String()), logx.Err(err))
	}
	cancel()
	g.lc.release(s.Key)
	g.publish("island.evicted", s.Key)
}

// Dismissed records a user's explicit dismissal of a surrogate: starts the
// re-display cooldown, feeds the learning counters and hides the island.
func (g *Engine) Dismissed(key GroupKey) {
	cfg := g.config()
	now := g.clock.Now()
	until := now.Add(cfg.DismissCooldown)

	unlock := g.lockKey(key)
	defer unlock()

	g.stateMu.Lock()
	g.cooldown[key] = until
	g.stateMu.Unlock()

	if shownAt, ok := g.lc.shownAtFor(key); ok && now.Sub(shownAt) <= cfg.FastDismissWindow {
		g.prio.NoteFastDismiss(key.App, cfg)
	}
	g.persistCooldownAsync(key, until)
	g.persistCountersAsync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g.hide(ctx, key, "")
}

// Tapped records a tap-open signal for a source app.
func (g *Engine) Tapped(app string) {
	g.prio.NoteTapOpen(app, g.config())
	g.persistCountersAsync()
}

// MutedByUser records a mute/block learning signal for a source app.
func (g *Engine) MutedByUser(app string) {
	g.prio.NoteMuteBlock(app, g.config())
	g.persistCountersAsync()
}

// ActiveCount returns the number of active surrogates.
func (g *Engine) ActiveCount() int { return g.reg.size() }

// HasActive reports whether any surrogate is currently active.
func (g *Engine) HasActive() bool { return g.reg.size() > 0 }

// Surrogates returns a snapshot of the active surrogates.
func (g *Engine) Surrogates() []Surrogate {
	out := make([]Surrogate, 0, g.reg.size())
	for _, k := range g.reg.keys() {
		if s, ok := g.reg.get(k); ok {
			out = append(out, *s)
		}
	}
	return out
}

// runDecaySweep applies the bounded daily counter decay. Idempotent within
// the configured interval so cron and opportunistic calls cannot double-run.
func (g *Engine) runDecaySweep(ctx context.Context) {
	if g.prio.DecaySweep(g.config()) {
		g.log.Debug("learning counters decayed")
		g.persistCountersAsync()
	}
}

func (g *Engine) suppressed(app string, cat Category, reason Reason) {
	g.digest.RecordSuppressed(app, cat, reason)
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{
			Type: "island.suppressed",
			Data: eventbus.Suppressed{App: app, Category: cat.String(), Reason: string(reason)},
		})
	}
	g.log.Debug("event suppressed",
		logx.String("app", app),
		logx.String("category", cat.String()),
		logx.String("reason", string(reason)))
}

func (g *Engine) publish(typ string, key GroupKey) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.Island{App: key.App, Category: key.Category.String()},
	})
}

// ---- persistence (best-effort) ----

func (g *Engine) restoreState(ctx context.Context) {
	if g.state == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cds, err := g.state.LoadCooldowns(cctx)
	if err != nil {
		g.log.Debug("cooldown restore failed", logx.Err(err))
		return
	}
	now := g.clock.Now()
	g.stateMu.Lock()
	for raw, until := range cds {
		if !now.Before(until) {
			continue
		}
		if key, ok := parseGroupKey(raw); ok {
			g.cooldown[key] = until
		}
	}
	g.stateMu.Unlock()
}

func (g *Engine) persistState(ctx context.Context) {
	if g.state == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := g.state.SaveCounters(cctx, g.prio.store.Snapshot(), g.prio.store.LastDecay()); err != nil {
		g.log.Debug("counter persist failed", logx.Err(err))
	}
}

func (g *Engine) persistCountersAsync() {
	if g.state == nil {
		return
	}
	snap := g.prio.store.Snapshot()
	last := g.prio.store.LastDecay()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.state.SaveCounters(ctx, snap, last)
	}()
}

func (g *Engine) persistCooldownAsync(key GroupKey, until time.Time) {
	if g.state == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.state.SaveCooldown(ctx, key.String(), until)
	}()
}

func parseGroupKey(s string) (GroupKey, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			cat, ok := ParseCategory(s[i+1:])
			if !ok {
				return GroupKey{}, false
			}
			return GroupKey{App: s[:i], Category: cat}, true
		}
	}
	return GroupKey{}, false
}
