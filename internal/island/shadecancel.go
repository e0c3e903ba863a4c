package island

import "time"

// StrategyKind is what the engine does to the original notification.
type StrategyKind int

const (
	StrategyNoAction StrategyKind = iota
	StrategySnooze
	StrategyCancel
)

// SuppressionStrategy is the single explicit action selected per decision,
// replacing scattered per-category cancel/snooze heuristics.
type SuppressionStrategy struct {
	Kind   StrategyKind
	Snooze time.Duration
}

// ShadeDecision is the full outcome of the shade-cancellation engine.
// CancelShade is only ever true when allowed, eligible and safe all hold
// (with the Navigation special case folded into eligibility).
type ShadeDecision struct {
	Allowed     bool
	Eligible    bool
	Safe        bool
	CancelShade bool
	// Reason explains a refusal, e.g. "not-clearable", "unsafe-channel".
	Reason   string
	Strategy SuppressionStrategy
}

// decideShadeCancel combines the per-app mode, category eligibility rules and
// the hard safety gate. It must only run after render confirmation; callers
// pass confirmed accordingly.
func decideShadeCancel(e Event, cat Category, cfg Settings, dev Device, confirmed bool) ShadeDecision {
	app := cfg.App(e.App)
	d := ShadeDecision{Strategy: SuppressionStrategy{Kind: StrategyNoAction}}

	// Cancellation-enabled: forced for Standard and Navigation, forced for
	// Call when the global call toggle is on, otherwise per-app.
	enabled := false
	switch cat {
	case CategoryStandard, CategoryNavigation:
		enabled = true
	case CategoryCall:
		enabled = cfg.CancelCallShade
	default:
		if app.CancelShade != nil {
			enabled = *app.CancelShade
		}
	}

	switch app.Mode {
	case ModeHidePopup:
		d.Allowed = enabled
		d.Strategy = SuppressionStrategy{Kind: StrategySnooze, Snooze: cfg.SnoozeDuration}
	case ModeFullyHide:
		d.Allowed = enabled
		d.Strategy = SuppressionStrategy{Kind: StrategyCancel}
	default:
		// Stash and IslandOnly never touch the shade.
		d.Allowed = false
		d.Reason = "mode-never"
	}

	// Hard safety gate: the presentation channel itself must be enabled and
	// not silenced, otherwise we could hide a notification with no visible
	// surrogate standing in for it.
	d.Safe = dev.ChannelEnabled() && !dev.ChannelSilenced()
	if !d.Safe {
		d.Reason = "unsafe-channel"
	}

	// Category eligibility.
	switch {
	case cat == CategoryNavigation:
		// Forced once allowed+safe+confirmed, independent of clearability.
		d.Eligible = true
	case cat == CategoryCall:
		// In-call notifications are always ongoing and the island replaces
		// them, so ongoing does not block eligibility.
		d.Eligible = e.Clearable || e.Ongoing
		if !d.Eligible {
			d.Reason = "not-clearable"
		}
	default:
		d.Eligible = e.Clearable
		if !d.Eligible {
			d.Reason = "not-clearable"
		}
	}

	d.CancelShade = d.Allowed && d.Eligible && d.Safe && confirmed
	if !d.CancelShade {
		d.Strategy = SuppressionStrategy{Kind: StrategyNoAction}
	}
	return d
}

// wantsHint reports whether the user should (rate limits permitting) be told
// that cancellation was desired but blocked solely by non-clearability.
func (d ShadeDecision) wantsHint() bool {
	return d.Allowed && d.Safe && !d.Eligible && d.Reason == "not-clearable"
}
