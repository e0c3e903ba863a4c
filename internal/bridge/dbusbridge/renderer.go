package dbusbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"hyperisle/internal/island"
	logx "hyperisle/pkg/logx"
)

// selfApp is the app_name this process posts under; the monitor skips it so
// our own presentations never feed back into the engine.
const selfApp = "hyperisled"

// Renderer presents surrogates as desktop notifications, one per GroupKey,
// replacing in place on update. It implements island.Renderer.
//
// Overlay and bridge routes differ only in urgency and expiry here; a real
// overlay surface would register as a separate collaborator.
type Renderer struct {
	log logx.Logger
	obj dbus.BusObject

	mu  sync.Mutex
	ids map[island.GroupKey]uint32
}

func NewRenderer(log logx.Logger) (*Renderer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("dbusbridge: session bus: %w", err)
	}
	return &Renderer{
		log: log,
		obj: conn.Object(notifyDest, notifyPath),
		ids: map[island.GroupKey]uint32{},
	}, nil
}

func (r *Renderer) Render(ctx context.Context, p island.Payload, route island.Route) (bool, error) {
	id, err := r.post(ctx, p, route)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	r.ids[p.Key] = id
	r.mu.Unlock()
	// The overlay path is synchronous; the bridge path is confirmed by poll.
	return route == island.RouteOverlay, nil
}

func (r *Renderer) Withdraw(ctx context.Context, key island.GroupKey) error {
	r.mu.Lock()
	id, ok := r.ids[key]
	delete(r.ids, key)
	r.mu.Unlock()
	if !ok {
		// Already absent is success.
		return nil
	}
	call := r.obj.CallWithContext(ctx, notifyIface+".CloseNotification", 0, id)
	return call.Err
}

// Tick refreshes an in-place presentation (call duration updates).
func (r *Renderer) Tick(ctx context.Context, p island.Payload) error {
	r.mu.Lock()
	_, ok := r.ids[p.Key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	id, err := r.post(ctx, p, island.RouteBridge)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ids[p.Key] = id
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Confirm(ctx context.Context, key island.GroupKey) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[key]
	return ok, nil
}

func (r *Renderer) post(ctx context.Context, p island.Payload, route island.Route) (uint32, error) {
	r.mu.Lock()
	replaces := r.ids[p.Key]
	r.mu.Unlock()

	body := p.Body
	if p.Subtitle != "" {
		body = p.Subtitle + "\n" + body
	}
	if p.Elapsed > 0 {
		body = strings.TrimSpace(body + "\n" + formatElapsed(p.Elapsed))
	}

	hints := map[string]dbus.Variant{
		"desktop-entry": dbus.MakeVariant(selfApp),
	}
	urgency := byte(1)
	if route == island.RouteOverlay {
		urgency = 2
	}
	hints["urgency"] = dbus.MakeVariant(urgency)
	if p.ProgressMax > 0 && !p.Indeterminate {
		pct := int32(p.Progress * 100 / p.ProgressMax)
		hints["value"] = dbus.MakeVariant(pct)
	}

	timeout := int32(-1) // server default
	if p.Ongoing {
		timeout = 0 // stays until withdrawn
	}

	call := r.obj.CallWithContext(ctx, notifyIface+".Notify", 0,
		selfApp, replaces, "", p.Title, body, []string{}, hints, timeout)
	if call.Err != nil {
		return 0, call.Err
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func formatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
