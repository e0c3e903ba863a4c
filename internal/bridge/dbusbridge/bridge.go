// Package dbusbridge connects the engine to the Linux desktop notification
// bus. It monitors org.freedesktop.Notifications traffic, translates Notify
// calls into engine events, and implements the shade collaborator through
// CloseNotification on a side connection.
//
// Everything here is best-effort: a broken bus degrades to notifications
// staying where the OS put them, never to an engine crash.
package dbusbridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"hyperisle/internal/island"
	rtsup "hyperisle/internal/runtime/supervisor"
	logx "hyperisle/pkg/logx"
)

const (
	notifyDest  = "org.freedesktop.Notifications"
	notifyPath  = "/org/freedesktop/Notifications"
	notifyIface = "org.freedesktop.Notifications"

	keyPrefix = "dbus:"
)

type Config struct {
	Enabled bool
	// Monitor selects the BecomeMonitor interface; when false an eavesdrop
	// match rule is used instead (older buses).
	Monitor bool
}

// Sink receives translated notification traffic. *island.Engine satisfies it.
type Sink interface {
	Posted(ctx context.Context, e island.Event) error
	Removed(ctx context.Context, app, key string, id uint32) error
}

// Bridge monitors the session bus and implements island.Shade.
type Bridge struct {
	cfg  Config
	log  logx.Logger
	sink Sink

	// side is a regular connection used for CloseNotification calls; the
	// monitor connection cannot issue method calls once BecomeMonitor is on.
	side *dbus.Conn
	obj  dbus.BusObject

	mu      sync.Mutex
	apps    map[uint32]string    // notification id -> app name
	pending map[uint32]pendingEv // Notify serial -> parsed event awaiting the reply id
	snoozed map[uint32]time.Time

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

type pendingEv struct {
	e  island.Event
	at time.Time
}

// New builds the bridge. The sink may be nil at construction (the engine and
// the bridge reference each other); it must be set before Start.
func New(cfg Config, log logx.Logger, sink Sink) (*Bridge, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	side, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("dbusbridge: session bus: %w", err)
	}
	return &Bridge{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		side:    side,
		obj:     side.Object(notifyDest, notifyPath),
		apps:    map[uint32]string{},
		pending: map[uint32]pendingEv{},
		snoozed: map[uint32]time.Time{},
	}, nil
}

// SetSink installs the event consumer. Must be called before Start.
func (b *Bridge) SetSink(sink Sink) { b.sink = sink }

// Start launches the monitor loop. Idempotent. A missing sink is a
// programming error and panics early rather than dropping traffic silently.
func (b *Bridge) Start(ctx context.Context) {
	if b.sink == nil {
		panic("dbusbridge: Start without sink")
	}
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true

	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "dbusbridge"))),
		rtsup.WithCancelOnError(false),
	)
	b.sup.GoRestart("monitor", b.monitorLoop)
}

func (b *Bridge) Stop(ctx context.Context) {
	b.runMu.Lock()
	sup := b.sup
	b.running = false
	b.runMu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// monitorLoop opens a dedicated connection, subscribes to notification
// traffic and pumps messages until the connection breaks. The supervisor
// restarts it with backoff.
func (b *Bridge) monitorLoop(ctx context.Context) error {
	conn, err := dbus.SessionBusPrivate()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	if err := conn.Auth(nil); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := conn.Hello(); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	rules := []string{
		"type='method_call',interface='" + notifyIface + "',member='Notify'",
		"type='method_return'",
		"type='signal',interface='" + notifyIface + "',member='NotificationClosed'",
	}
	if b.cfg.Monitor {
		call := conn.BusObject().Call("org.freedesktop.DBus.Monitoring.BecomeMonitor", 0, rules, uint32(0))
		if call.Err != nil {
			return fmt.Errorf("become monitor: %w", call.Err)
		}
	} else {
		for _, r := range rules {
			call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, "eavesdrop='true',"+r)
			if call.Err != nil {
				return fmt.Errorf("add match: %w", call.Err)
			}
		}
	}

	ch := make(chan *dbus.Message, 64)
	conn.Eavesdrop(ch)
	b.log.Info("notification monitor attached", logx.Bool("monitor_iface", b.cfg.Monitor))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("monitor channel closed")
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg *dbus.Message) {
	switch msg.Type {
	case dbus.TypeMethodCall:
		if member, _ := msg.Headers[dbus.FieldMember].Value().(string); member == "Notify" {
			b.handleNotify(msg)
		}
	case dbus.TypeMethodReply:
		b.handleReturn(ctx, msg)
	case dbus.TypeSignal:
		if member, _ := msg.Headers[dbus.FieldMember].Value().(string); member == "NotificationClosed" {
			b.handleClosed(ctx, msg)
		}
	}
}

// handleNotify parses a Notify call and parks the event until the reply
// carries the server-assigned id.
func (b *Bridge) handleNotify(msg *dbus.Message) {
	// Notify(app_name, replaces_id, app_icon, summary, body, actions, hints, timeout)
	if len(msg.Body) < 8 {
		return
	}
	app, _ := msg.Body[0].(string)
	// Skip our own presentations; feeding them back would loop.
	if app == selfApp {
		return
	}
	replaces, _ := msg.Body[1].(uint32)
	summary, _ := msg.Body[3].(string)
	body, _ := msg.Body[4].(string)
	actions, _ := msg.Body[5].([]string)
	hints, _ := msg.Body[6].(map[string]dbus.Variant)
	timeout, _ := msg.Body[7].(int32)

	e := island.Event{
		App:     app,
		ID:      replaces,
		Title:   summary,
		Body:    body,
		Actions: actionLabels(actions),
		// "default" is the action invoked by activating the body itself.
		HasContentAction: hasAction(actions, "default"),
		PostedAt:         time.Now(),
		// Servers keep resident notifications until explicitly closed.
		Clearable: true,
	}
	applyHints(&e, hints, timeout)

	now := time.Now()
	b.mu.Lock()
	b.pending[msg.Serial()] = pendingEv{e: e, at: now}
	// Parked entries whose reply never arrived (filtered, dropped) rot here;
	// sweep anything older than a minute.
	if len(b.pending) > 128 {
		for s, p := range b.pending {
			if now.Sub(p.at) > time.Minute {
				delete(b.pending, s)
			}
		}
	}
	b.mu.Unlock()
}

// handleReturn matches a Notify reply to its parked event and forwards it.
func (b *Bridge) handleReturn(ctx context.Context, msg *dbus.Message) {
	replySerial, ok := msg.Headers[dbus.FieldReplySerial].Value().(uint32)
	if !ok {
		return
	}

	b.mu.Lock()
	p, found := b.pending[replySerial]
	if found {
		delete(b.pending, replySerial)
	}
	b.mu.Unlock()
	if !found || len(msg.Body) < 1 {
		return
	}
	id, ok := msg.Body[0].(uint32)
	if !ok {
		return
	}

	e := p.e
	e.ID = id
	e.Key = keyForID(id)

	b.mu.Lock()
	b.apps[id] = e.App
	if until, snoozing := b.snoozed[id]; snoozing && time.Now().Before(until) {
		b.mu.Unlock()
		// A snoozed notification re-posted by its app: keep the popup hidden.
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		_ = b.closeID(cctx, id)
		cancel()
		return
	}
	b.mu.Unlock()

	if err := b.sink.Posted(ctx, e); err != nil {
		b.log.Debug("posted event dropped", logx.String("app", e.App), logx.Err(err))
	}
}

func (b *Bridge) handleClosed(ctx context.Context, msg *dbus.Message) {
	if len(msg.Body) < 1 {
		return
	}
	id, ok := msg.Body[0].(uint32)
	if !ok {
		return
	}

	b.mu.Lock()
	app := b.apps[id]
	delete(b.apps, id)
	b.mu.Unlock()

	if err := b.sink.Removed(ctx, app, keyForID(id), id); err != nil {
		b.log.Debug("removed event dropped", logx.String("app", app), logx.Err(err))
	}
}

// ---- island.Shade ----

func (b *Bridge) Cancel(ctx context.Context, key string) error {
	id, err := idFromKey(key)
	if err != nil {
		return err
	}
	return b.closeID(ctx, id)
}

// Snooze closes the popup and suppresses re-posts of the same id for d.
// The freedesktop protocol has no native snooze; most servers keep the
// notification in history after CloseNotification, which matches the
// hide-popup contract.
func (b *Bridge) Snooze(ctx context.Context, key string, d time.Duration) error {
	id, err := idFromKey(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snoozed[id] = time.Now().Add(d)
	now := time.Now()
	for k, until := range b.snoozed {
		if now.After(until) {
			delete(b.snoozed, k)
		}
	}
	b.mu.Unlock()
	return b.closeID(ctx, id)
}

// ActiveCount reports the number of notifications this bridge has seen
// posted and not yet closed.
func (b *Bridge) ActiveCount(ctx context.Context) (int, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.apps), nil
}

func (b *Bridge) closeID(ctx context.Context, id uint32) error {
	call := b.obj.CallWithContext(ctx, notifyIface+".CloseNotification", 0, id)
	return call.Err
}

func keyForID(id uint32) string { return keyPrefix + strconv.FormatUint(uint64(id), 10) }

func idFromKey(key string) (uint32, error) {
	s, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, fmt.Errorf("dbusbridge: foreign key %q", key)
	}
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("dbusbridge: bad key %q: %w", key, err)
	}
	return uint32(id), nil
}

// applyHints maps freedesktop hint conventions onto event fields.
func applyHints(e *island.Event, hints map[string]dbus.Variant, timeout int32) {
	category := ""
	if v, ok := hints["category"]; ok {
		category, _ = v.Value().(string)
	}
	switch {
	case strings.HasPrefix(category, "call"):
		e.IsCall = true
	case category == "navigation" || strings.HasPrefix(category, "x-navigation"):
		e.IsNavigation = true
	case strings.HasPrefix(category, "x-media") || strings.HasPrefix(category, "music"):
		e.MediaStyle = true
	}

	if v, ok := hints["resident"]; ok {
		if resident, _ := v.Value().(bool); resident {
			e.Ongoing = true
			e.Clearable = false
		}
	}
	// timeout 0 means "never expire"; ongoing-style notification.
	if timeout == 0 {
		e.Ongoing = true
	}
	if v, ok := hints["value"]; ok {
		if pct, ok := v.Value().(int32); ok {
			e.Progress = int(pct)
			e.ProgressMax = 100
		}
	}
	if v, ok := hints["x-chronometer"]; ok {
		if base, ok := v.Value().(int64); ok {
			e.Chronometer = true
			e.ChronometerBase = base
		}
	}
}

func hasAction(actions []string, id string) bool {
	for i := 0; i < len(actions); i += 2 {
		if actions[i] == id {
			return true
		}
	}
	return false
}

func actionLabels(actions []string) []string {
	// Actions arrive as flat [id, label, id, label, ...] pairs.
	if len(actions) < 2 {
		return nil
	}
	out := make([]string, 0, len(actions)/2)
	for i := 1; i < len(actions); i += 2 {
		out = append(out, actions[i])
	}
	return out
}
