package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Island  IslandConfig  `json:"island"`

	Bridge  BridgeConfig   `json:"bridge"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Digest  *DigestConfig  `json:"digest,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./hyperisle.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BridgeConfig controls the desktop notification bridge (D-Bus).
type BridgeConfig struct {
	Enabled bool `json:"enabled"`
	// Monitor uses the BecomeMonitor interface when true; falls back to an
	// eavesdrop match rule otherwise.
	Monitor bool `json:"monitor"`
}

// DigestConfig controls the suppressed-notification digest.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the digest keeps an in-memory history
// but never delivers summaries anywhere.
type DigestConfig struct {
	Enabled     bool   `json:"enabled"`
	HistorySize int    `json:"history_size,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`

	// FlushSpec is a cron expression for periodic summary delivery.
	FlushSpec string `json:"flush_spec,omitempty"`

	Telegram *DigestTelegram `json:"telegram,omitempty"`
}

// DigestTelegram delivers periodic digest summaries to a Telegram chat.
type DigestTelegram struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// IslandConfig is the file-level schema for the arbitration engine.
//
// All durations are Go duration strings. Quiet-hours boundaries are "HH:MM"
// local clock times. Category names: standard, call, navigation, timer,
// media, progress.
type IslandConfig struct {
	Capacity int    `json:"capacity,omitempty"`
	Eviction string `json:"eviction,omitempty"` // first-come | most-recent | priority

	CategoryPriority []string `json:"category_priority,omitempty"`
	AppPriority      []string `json:"app_priority,omitempty"`

	MinVisible       string `json:"min_visible,omitempty"`
	CompleteCollapse string `json:"complete_collapse,omitempty"`
	SelfCancelWindow string `json:"self_cancel_window,omitempty"`
	DismissCooldown  string `json:"dismiss_cooldown,omitempty"`
	SilenceWindow    string `json:"silence_window,omitempty"`
	SnoozeDuration   string `json:"snooze_duration,omitempty"`

	Aggressiveness   int    `json:"aggressiveness,omitempty"` // 0..2
	BurstThreshold   int    `json:"burst_threshold,omitempty"`
	BurstWindow      string `json:"burst_window,omitempty"`
	ThrottleAfter    int    `json:"throttle_after,omitempty"`
	ThrottleCooldown string `json:"throttle_cooldown,omitempty"`

	CounterCap     int     `json:"counter_cap,omitempty"`
	DecayInterval  string  `json:"decay_interval,omitempty"`
	DecayRetention float64 `json:"decay_retention,omitempty"`
	DecaySpec      string  `json:"decay_spec,omitempty"`
	HabitualMargin int     `json:"habitual_margin,omitempty"`

	Preset               string `json:"preset,omitempty"` // none | focused | driving | strict
	PresetBypassCritical bool   `json:"preset_bypass_critical,omitempty"`

	QuietHours QuietHoursConfig `json:"quiet_hours,omitempty"`

	ContextAware        bool     `json:"context_aware,omitempty"`
	OnlyImportant       bool     `json:"only_important,omitempty"`
	ImportantCategories []string `json:"important_categories,omitempty"`

	BlockedTerms []string `json:"blocked_terms,omitempty"`

	PreferBridge    bool   `json:"prefer_bridge,omitempty"`
	ForceRoute      string `json:"force_route,omitempty"` // none | overlay | bridge
	CancelCallShade bool   `json:"cancel_call_shade,omitempty"`

	RenderConfirmTimeout  string `json:"render_confirm_timeout,omitempty"`
	RenderConfirmInterval string `json:"render_confirm_interval,omitempty"`
	FastDismissWindow     string `json:"fast_dismiss_window,omitempty"`
	HintInterval          string `json:"hint_interval,omitempty"`

	Apps map[string]AppConfig `json:"apps,omitempty"`
}

type QuietHoursConfig struct {
	Enabled bool     `json:"enabled"`
	Start   string   `json:"start,omitempty"` // "HH:MM"
	End     string   `json:"end,omitempty"`   // "HH:MM"
	Allow   []string `json:"allow,omitempty"` // category names
}

// AppConfig are the per-source-app knobs.
type AppConfig struct {
	Allow     []string `json:"allow,omitempty"` // category allow-list; empty allows all
	Blocked   bool     `json:"blocked,omitempty"`
	Muted     bool     `json:"muted,omitempty"`
	Blocklist []string `json:"blocklist,omitempty"`
	Profile   string   `json:"profile,omitempty"` // normal | lenient | strict
	Mode      string   `json:"mode,omitempty"`    // stash | island-only | hide-popup | fully-hide
	// CancelShade overrides the global default when present.
	CancelShade *bool `json:"cancel_shade,omitempty"`
}
