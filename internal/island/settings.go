package island

import (
	"strings"
	"time"
)

// EvictionPolicy selects how the registry makes room when at capacity.
type EvictionPolicy int

const (
	// EvictFirstCome never evicts; new arrivals are dropped at capacity.
	EvictFirstCome EvictionPolicy = iota
	// EvictMostRecent evicts the surrogate with the oldest creation time.
	EvictMostRecent
	// EvictPriorityRanked evicts the worst-ranked surrogate, and only when the
	// incoming event ranks strictly better.
	EvictPriorityRanked
)

func ParseEvictionPolicy(s string) (EvictionPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first-come", "firstcome":
		return EvictFirstCome, s != ""
	case "most-recent", "mostrecent", "oldest-out":
		return EvictMostRecent, true
	case "priority", "priority-ranked", "ranked":
		return EvictPriorityRanked, true
	default:
		return EvictFirstCome, false
	}
}

// Preset is a named scenario bundle of suppression rules.
type Preset int

const (
	PresetNone Preset = iota
	PresetFocused
	PresetDriving
	PresetStrict
)

func ParsePreset(s string) (Preset, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return PresetNone, true
	case "focused", "meeting":
		return PresetFocused, true
	case "driving":
		return PresetDriving, true
	case "strict":
		return PresetStrict, true
	default:
		return PresetNone, false
	}
}

// Suppresses reports whether the preset designates cat as suppressed.
// Critical categories always pass.
func (p Preset) Suppresses(cat Category) bool {
	if p == PresetNone || cat.Critical() {
		return false
	}
	switch cat {
	case CategoryStandard, CategoryProgress:
		return true
	case CategoryMedia:
		return p == PresetStrict
	default:
		return false
	}
}

// StandardBias is the burst-threshold bias (0 or 1) a preset applies to
// Standard-category events in the priority engine.
func (p Preset) StandardBias() int {
	if p == PresetStrict || p == PresetDriving {
		return 1
	}
	return 0
}

// Profile scales throttle thresholds per app.
type Profile int

const (
	ProfileNormal Profile = iota
	ProfileLenient
	ProfileStrict
)

func ParseProfile(s string) (Profile, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return ProfileNormal, true
	case "lenient":
		return ProfileLenient, true
	case "strict":
		return ProfileStrict, true
	default:
		return ProfileNormal, false
	}
}

// ShadeMode is the per-app policy for touching the original notification.
type ShadeMode int

const (
	// ModeStash never touches the shade.
	ModeStash ShadeMode = iota
	// ModeIslandOnly shows the island but never touches the shade.
	ModeIslandOnly
	// ModeHidePopup briefly snoozes the original so only its popup is hidden.
	ModeHidePopup
	// ModeFullyHide cancels the original outright once the island is confirmed.
	ModeFullyHide
)

func ParseShadeMode(s string) (ShadeMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stash":
		return ModeStash, s != ""
	case "island-only", "islandonly":
		return ModeIslandOnly, true
	case "hide-popup", "hidepopup", "keep-shade":
		return ModeHidePopup, true
	case "fully-hide", "fullyhide", "aggressive":
		return ModeFullyHide, true
	default:
		return ModeStash, false
	}
}

// QuietHours is a daily window during which only allowed categories pass.
// Start/End are minutes of day; Start > End wraps past midnight.
type QuietHours struct {
	Enabled bool
	Start   int
	End     int
	Allowed []Category
}

// Active reports whether t falls inside the window.
func (q QuietHours) Active(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	// Overnight wrap.
	return m >= q.Start || m < q.End
}

func (q QuietHours) Allows(cat Category) bool {
	for _, c := range q.Allowed {
		if c == cat {
			return true
		}
	}
	return false
}

// AppSettings are the per-source-app knobs.
type AppSettings struct {
	// Allowed is the category allow-list; empty means allow all.
	Allowed []Category
	Blocked bool
	Muted   bool
	// Blocklist terms are matched against title+body.
	Blocklist []string
	Profile   Profile
	Mode      ShadeMode
	// CancelShade overrides the global default when non-nil.
	CancelShade *bool
}

func (a AppSettings) AllowsCategory(cat Category) bool {
	if len(a.Allowed) == 0 {
		return true
	}
	for _, c := range a.Allowed {
		if c == cat {
			return true
		}
	}
	return false
}

// maxAppPriority caps the configurable app-priority list used by ranked eviction.
const maxAppPriority = 20

// Settings is the full reactive configuration of the engine.
// Zero values are replaced by withDefaults before use.
type Settings struct {
	Capacity int
	Eviction EvictionPolicy

	// Eviction ranking inputs. Entries absent from either list rank lowest.
	CategoryPriority []Category
	AppPriority      []string

	MinVisible       time.Duration
	CompleteCollapse time.Duration
	SelfCancelWindow time.Duration
	DismissCooldown  time.Duration
	SilenceWindow    time.Duration
	SnoozeDuration   time.Duration

	Aggressiveness   int // 0..2
	BurstThreshold   int
	BurstWindow      time.Duration
	ThrottleAfter    int // burst blocks before a throttle cooldown engages
	ThrottleCooldown time.Duration

	// Learning counters.
	CounterCap     int
	DecayInterval  time.Duration
	DecayRetention float64
	DecaySpec      string // cron spec for the nightly sweep
	// Habitual sources (fast dismissals outweighing opens by this margin)
	// get one extra aggressiveness step.
	HabitualMargin int

	Preset               Preset
	PresetBypassCritical bool

	Quiet QuietHours

	ContextAware        bool
	OnlyImportant       bool
	ImportantCategories []Category

	BlockedTerms []string

	PreferBridge    bool
	ForceRoute      Route
	CancelCallShade bool

	RenderConfirmTimeout  time.Duration
	RenderConfirmInterval time.Duration
	FastDismissWindow     time.Duration
	HintInterval          time.Duration

	Apps map[string]AppSettings
}

func (s Settings) withDefaults() Settings {
	if s.Capacity <= 0 {
		s.Capacity = 9
	}
	if s.MinVisible <= 0 {
		s.MinVisible = 2500 * time.Millisecond
	}
	if s.CompleteCollapse <= 0 {
		s.CompleteCollapse = 3 * time.Second
	}
	if s.SelfCancelWindow <= 0 {
		s.SelfCancelWindow = 5 * time.Second
	}
	if s.DismissCooldown <= 0 {
		s.DismissCooldown = 30 * time.Second
	}
	if s.SilenceWindow <= 0 {
		s.SilenceWindow = 10 * time.Second
	}
	if s.SnoozeDuration <= 0 {
		s.SnoozeDuration = 8 * time.Second
	}
	if s.Aggressiveness < 0 {
		s.Aggressiveness = 0
	}
	if s.Aggressiveness > 2 {
		s.Aggressiveness = 2
	}
	if s.BurstThreshold <= 0 {
		s.BurstThreshold = 4
	}
	if s.BurstWindow <= 0 {
		s.BurstWindow = 5 * time.Second
	}
	if s.ThrottleAfter <= 0 {
		s.ThrottleAfter = 4
	}
	if s.ThrottleCooldown <= 0 {
		s.ThrottleCooldown = time.Minute
	}
	if s.CounterCap <= 0 {
		s.CounterCap = 50
	}
	if s.DecayInterval <= 0 {
		s.DecayInterval = 24 * time.Hour
	}
	if s.DecayRetention <= 0 || s.DecayRetention >= 1 {
		s.DecayRetention = 0.5
	}
	if strings.TrimSpace(s.DecaySpec) == "" {
		s.DecaySpec = "17 4 * * *"
	}
	if s.HabitualMargin <= 0 {
		s.HabitualMargin = 10
	}
	if len(s.ImportantCategories) == 0 {
		s.ImportantCategories = []Category{CategoryCall, CategoryTimer, CategoryNavigation}
	}
	if s.RenderConfirmTimeout <= 0 {
		s.RenderConfirmTimeout = 2 * time.Second
	}
	if s.RenderConfirmInterval <= 0 {
		s.RenderConfirmInterval = 100 * time.Millisecond
	}
	if s.FastDismissWindow <= 0 {
		s.FastDismissWindow = 4 * time.Second
	}
	if s.HintInterval <= 0 {
		s.HintInterval = 6 * time.Hour
	}
	if len(s.AppPriority) > maxAppPriority {
		s.AppPriority = s.AppPriority[:maxAppPriority]
	}
	return s
}

// App returns the per-app settings (zero value when unset).
func (s Settings) App(app string) AppSettings {
	if s.Apps == nil {
		return AppSettings{}
	}
	return s.Apps[app]
}

func (s Settings) important(cat Category) bool {
	for _, c := range s.ImportantCategories {
		if c == cat {
			return true
		}
	}
	return false
}
