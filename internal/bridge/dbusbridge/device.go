package dbusbridge

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	logx "hyperisle/pkg/logx"
)

const (
	screensaverDest  = "org.freedesktop.ScreenSaver"
	screensaverPath  = "/org/freedesktop/ScreenSaver"
	screensaverIface = "org.freedesktop.ScreenSaver"
)

// Device answers the dispatch and safety-gate questions from the session bus.
// Answers are cached for a second; every query is best-effort and failures
// fall back to permissive defaults so presentation never wedges on a broken
// screensaver service.
type Device struct {
	log  logx.Logger
	conn *dbus.Conn

	mu       sync.Mutex
	checked  time.Time
	locked   bool
	chanUp   bool
	silenced bool
}

func NewDevice(log logx.Logger) (*Device, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}
	return &Device{log: log, conn: conn, chanUp: true}, nil
}

// ScreenOn is assumed true on desktops; there is no portable signal for a
// powered-off display over the session bus.
func (d *Device) ScreenOn() bool { return true }

// OverlayPermitted is a platform capability, granted on desktops.
func (d *Device) OverlayPermitted() bool { return true }

func (d *Device) Locked() bool {
	d.refresh()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

func (d *Device) ChannelEnabled() bool {
	d.refresh()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chanUp
}

func (d *Device) ChannelSilenced() bool {
	d.refresh()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.silenced
}

func (d *Device) refresh() {
	d.mu.Lock()
	if time.Since(d.checked) < time.Second {
		d.mu.Unlock()
		return
	}
	d.checked = time.Now()
	d.mu.Unlock()

	locked := false
	obj := d.conn.Object(screensaverDest, screensaverPath)
	if call := obj.Call(screensaverIface+".GetActive", 0); call.Err == nil {
		_ = call.Store(&locked)
	}

	chanUp := false
	var owner string
	if call := d.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, notifyDest); call.Err == nil {
		if call.Store(&owner) == nil && owner != "" {
			chanUp = true
		}
	}

	// Some servers expose do-not-disturb as the Inhibited property.
	silenced := false
	nobj := d.conn.Object(notifyDest, notifyPath)
	if v, err := nobj.GetProperty(notifyIface + ".Inhibited"); err == nil {
		silenced, _ = v.Value().(bool)
	}

	d.mu.Lock()
	d.locked = locked
	d.chanUp = chanUp
	d.silenced = silenced
	d.mu.Unlock()
}
