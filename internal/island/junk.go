package island

import "strings"

// Substrings that identify internal/system packages leaking into titles.
var internalPackageMarks = []string{
	"com.android.systemui",
	"com.miui.",
	"android.process",
}

// Substrings of well-known system noise that should never become an island.
var systemNoiseMarks = []string{
	"is running in the background",
	"tap for more information",
	"usb debugging connected",
	"checking for new messages",
	"syncing...",
}

// isJunk reports whether an event has no presentable content.
//
// Events carrying progress and critical categories (call, navigation, timer)
// are exempt from the noise/placeholder grounds: only the hard checks
// (no text at all, globally blocked terms) can still reject them.
func isJunk(e Event, cat Category, label string, blockedTerms []string) bool {
	title := strings.TrimSpace(e.Title)
	body := strings.TrimSpace(e.Body)
	subtitle := strings.TrimSpace(e.Subtitle)

	if title == "" && body == "" && subtitle == "" {
		return true
	}

	// Raw package id leaking into any text field.
	if e.App != "" && (title == e.App || body == e.App || subtitle == e.App) {
		return true
	}

	haystack := strings.ToLower(title + " " + body)
	for _, term := range blockedTerms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t != "" && strings.Contains(haystack, t) {
			return true
		}
	}

	exempt := cat.Critical() || e.ProgressMax > 0 || e.Indeterminate
	if exempt {
		return false
	}

	lowTitle := strings.ToLower(title)
	for _, m := range internalPackageMarks {
		if strings.Contains(lowTitle, m) {
			return true
		}
	}

	// Title that merely repeats the app label with nothing else to say.
	if label != "" && strings.EqualFold(title, label) && body == "" && subtitle == "" {
		return true
	}

	for _, m := range systemNoiseMarks {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}
