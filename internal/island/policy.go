package island

import (
	"strings"
	"time"
)

// silenceRecord is the last-shown content per GroupKey for smart-silence.
type silenceRecord struct {
	hash uint64
	at   time.Time
}

// evaluatePolicy runs the ordered, short-circuiting filter chain.
// Returns ReasonNone when the event may proceed, otherwise the first
// blocking reason. Callers hold the per-key lock.
func (g *Engine) evaluatePolicy(e Event, cat Category, key GroupKey, cfg Settings) Reason {
	now := g.clock.Now()
	app := cfg.App(e.App)

	// 1. Per-app type allow-list (default allow-all when unset).
	if !app.AllowsCategory(cat) {
		return ReasonTypeDisabled
	}

	// 2/3. Unconditional per-app block and mute. Kept distinct for audit.
	if app.Blocked {
		return ReasonAppBlocked
	}
	if app.Muted {
		return ReasonAppMuted
	}

	// 4. Explicit-dismiss cooldown.
	g.stateMu.Lock()
	until, onCooldown := g.cooldown[key]
	if onCooldown && !now.Before(until) {
		delete(g.cooldown, key)
		onCooldown = false
	}
	g.stateMu.Unlock()
	if onCooldown {
		return ReasonDismissCooldown
	}

	// 5. App-specific blocklist against title+body.
	if len(app.Blocklist) > 0 {
		haystack := strings.ToLower(e.Title + " " + e.Body)
		for _, term := range app.Blocklist {
			t := strings.ToLower(strings.TrimSpace(term))
			if t != "" && strings.Contains(haystack, t) {
				return ReasonBlocklist
			}
		}
	}

	// 6. Priority/throttle engine. Critical categories may bypass under a
	// preset; the bypass still records a shown signal.
	if cfg.PresetBypassCritical && cfg.Preset != PresetNone && cat.Critical() {
		g.prio.Bypass(key, cfg)
	} else {
		switch g.prio.Check(key, cfg) {
		case BlockBurst:
			return ReasonBurst
		case BlockThrottle:
			return ReasonThrottle
		}
	}

	// 7. Scenario preset.
	if cfg.Preset.Suppresses(cat) {
		return ReasonPreset
	}

	// 8. Quiet hours (supports overnight wrap).
	if cfg.Quiet.Active(now) && !cfg.Quiet.Allows(cat) {
		return ReasonQuietHours
	}

	// 9. Screen-off importance filter.
	if cfg.ContextAware && cfg.OnlyImportant && !g.dev.ScreenOn() && !cfg.important(cat) {
		return ReasonScreenOff
	}

	// 10. Smart silence: identical content for the same key inside the
	// window is suppressed. The last-shown record is updated regardless of
	// outcome so sustained spam stays silenced.
	hash := contentHash(e.Title, e.Body, e.Subtitle, cat)
	g.stateMu.Lock()
	rec, had := g.silence[key]
	g.silence[key] = silenceRecord{hash: hash, at: now}
	g.stateMu.Unlock()
	if had && rec.hash == hash && now.Sub(rec.at) < cfg.SilenceWindow {
		return ReasonSmartSilence
	}

	return ReasonNone
}
