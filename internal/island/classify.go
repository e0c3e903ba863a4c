package island

// Known telephony- and mapping-surface sources. Events from these apps are
// treated as calls/navigation even without explicit category flags.
var telephonyApps = map[string]struct{}{
	"com.android.dialer":           {},
	"com.google.android.dialer":    {},
	"com.samsung.android.incallui": {},
	"com.android.incallui":         {},
	"com.android.server.telecom":   {},
	"org.linphone":                 {},
}

var mappingApps = map[string]struct{}{
	"com.google.android.apps.maps": {},
	"com.waze":                     {},
	"net.osmand":                   {},
	"com.here.app.maps":            {},
}

// Classify maps an event to its presentation category.
//
// The order is a strict priority: Call > Navigation > Timer > Media >
// Progress > Standard. No side effects.
func Classify(e Event) Category {
	if e.IsCall {
		return CategoryCall
	}
	if _, ok := telephonyApps[e.App]; ok {
		return CategoryCall
	}
	if e.IsNavigation {
		return CategoryNavigation
	}
	if _, ok := mappingApps[e.App]; ok {
		return CategoryNavigation
	}
	if e.Chronometer && e.ChronometerBase > 0 {
		return CategoryTimer
	}
	if e.MediaStyle {
		return CategoryMedia
	}
	if e.ProgressMax > 0 || e.Indeterminate {
		return CategoryProgress
	}
	return CategoryStandard
}
