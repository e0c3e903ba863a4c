package island

import (
	"context"
	"time"
)

// Shade is the OS notification surface: the engine may cancel or snooze the
// original event there. All calls are best-effort; failures degrade to the
// original notification staying where the OS put it.
type Shade interface {
	Cancel(ctx context.Context, key string) error
	Snooze(ctx context.Context, key string, d time.Duration) error
	ActiveCount(ctx context.Context) (int, error)
}

// Renderer presents surrogates. Render returns whether delivery is already
// confirmed (overlay route); bridge-route confirmation is polled via Confirm.
type Renderer interface {
	Render(ctx context.Context, p Payload, route Route) (confirmed bool, err error)
	Withdraw(ctx context.Context, key GroupKey) error
	Tick(ctx context.Context, p Payload) error
	Confirm(ctx context.Context, key GroupKey) (bool, error)
}

// Device exposes the context-aware inputs of the dispatch and safety gates.
type Device interface {
	ScreenOn() bool
	Locked() bool
	OverlayPermitted() bool
	// ChannelEnabled/ChannelSilenced describe the island presentation channel.
	// The shade-cancellation safety gate refuses whenever the channel is
	// disabled or silenced.
	ChannelEnabled() bool
	ChannelSilenced() bool
}

// Directory resolves app metadata. Label returns "" when unknown.
type Directory interface {
	Label(app string) string
}

// Digest receives suppressed-event audit records. Implementations must not
// retain message text; the engine only ever passes app, category and reason.
type Digest interface {
	RecordSuppressed(app string, cat Category, reason Reason)
}

// nopDigest is used when no digest collaborator is wired.
type nopDigest struct{}

func (nopDigest) RecordSuppressed(string, Category, Reason) {}

// nopDirectory resolves nothing.
type nopDirectory struct{}

func (nopDirectory) Label(string) string { return "" }
