package island

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Category is the presentation taxonomy an event is classified into.
// The zero value is Standard so malformed events degrade to the default lane.
type Category int

const (
	CategoryStandard Category = iota
	CategoryCall
	CategoryNavigation
	CategoryTimer
	CategoryMedia
	CategoryProgress
)

func (c Category) String() string {
	switch c {
	case CategoryCall:
		return "call"
	case CategoryNavigation:
		return "navigation"
	case CategoryTimer:
		return "timer"
	case CategoryMedia:
		return "media"
	case CategoryProgress:
		return "progress"
	default:
		return "standard"
	}
}

// ParseCategory maps a config string to a Category.
func ParseCategory(s string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return CategoryStandard, true
	case "call":
		return CategoryCall, true
	case "navigation", "nav":
		return CategoryNavigation, true
	case "timer":
		return CategoryTimer, true
	case "media":
		return CategoryMedia, true
	case "progress":
		return CategoryProgress, true
	default:
		return CategoryStandard, false
	}
}

// Critical categories bypass some suppression paths (preset bypass, junk noise checks).
func (c Category) Critical() bool {
	return c == CategoryCall || c == CategoryTimer || c == CategoryNavigation
}

// GroupKey is the identity of a surrogate: one active island per (app, category).
type GroupKey struct {
	App      string
	Category Category
}

func (k GroupKey) String() string { return k.App + "/" + k.Category.String() }

// Route is the presentation channel a surrogate is rendered through.
type Route int

const (
	RouteNone Route = iota
	RouteOverlay
	RouteBridge
)

func (r Route) String() string {
	switch r {
	case RouteOverlay:
		return "overlay"
	case RouteBridge:
		return "bridge"
	default:
		return "none"
	}
}

// Event is one inbound notification occurrence. Immutable once received;
// missing fields default to zero values and are never fatal.
type Event struct {
	App      string
	Key      string
	ID       uint32
	Title    string
	Body     string
	Subtitle string

	IsCall       bool
	IsNavigation bool

	// Chronometer with a positive base marks timers/stopwatches.
	Chronometer     bool
	ChronometerBase int64 // unix millis

	MediaStyle bool

	Progress      int
	ProgressMax   int
	Indeterminate bool

	Clearable    bool
	Ongoing      bool
	GroupSummary bool
	Conversation bool

	Actions          []string
	HasContentAction bool

	PostedAt time.Time
}

// Surrogate is the mutable record behind one active island.
type Surrogate struct {
	Handle       uint64
	Key          GroupKey
	CreatedAt    time.Time
	Title        string
	Body         string
	Subtitle     string
	ContentHash  uint64
	Conversation bool
	Route        Route
}

// Payload is what the rendering collaborators receive. The per-category
// translators that turn this into pixels live outside this module.
type Payload struct {
	Key           GroupKey
	Title         string
	Body          string
	Subtitle      string
	Progress      int
	ProgressMax   int
	Indeterminate bool
	Ongoing       bool
	Elapsed       time.Duration // call duration ticks
}

// Reason identifies why an event was suppressed. Audit records carry only
// app, category and reason; never message text.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonJunk            Reason = "junk"
	ReasonGroupSummary    Reason = "group-summary"
	ReasonTypeDisabled    Reason = "type-disabled"
	ReasonAppBlocked      Reason = "app-blocked"
	ReasonAppMuted        Reason = "app-muted"
	ReasonDismissCooldown Reason = "dismiss-cooldown"
	ReasonBlocklist       Reason = "blocklist"
	ReasonBurst           Reason = "burst"
	ReasonThrottle        Reason = "throttle"
	ReasonPreset          Reason = "preset"
	ReasonQuietHours      Reason = "quiet-hours"
	ReasonScreenOff       Reason = "screen-off"
	ReasonSmartSilence    Reason = "smart-silence"
	ReasonCapacity        Reason = "capacity"
)

// contentHash returns a stable 64-bit hash of the visible content of an event.
// Used both for smart-silence de-dup and surrogate change detection.
func contentHash(title, body, subtitle string, cat Category) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(body))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(subtitle))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(cat.String()))
	return h.Sum64()
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock used outside tests.
var SystemClock Clock = systemClock{}

// selfCancelKey identifies an engine-initiated removal of the original event.
type selfCancelKey struct {
	App string
	ID  uint32
}

func (k selfCancelKey) String() string { return fmt.Sprintf("%s#%d", k.App, k.ID) }
