package capture

import "strings"

// Category is the classification of a backend failure, derived from the
// diagnostic lines the backend printed
type Category int

const (
	// CategoryUnknown indicates unclassified failures (or none seen yet)
	CategoryUnknown Category = iota
	// CategoryBusy indicates another process holds the device
	CategoryBusy
	// CategoryNotFound indicates a missing device, display or binary
	CategoryNotFound
	// CategoryPermission indicates the OS denied access (camera/screen privacy)
	CategoryPermission
	// CategoryFormat indicates a negotiation failure (size, pixel format, rate)
	CategoryFormat
)

// categoryPriority ranks categories for ClassifyLines, higher wins
var categoryPriority = map[Category]int{
	CategoryUnknown:    0,
	CategoryFormat:     1,
	CategoryNotFound:   2,
	CategoryPermission: 3,
	CategoryBusy:       4,
}

// String returns a human-readable string representation of the category
func (c Category) String() string {
	switch c {
	case CategoryBusy:
		return "busy"
	case CategoryNotFound:
		return "not_found"
	case CategoryPermission:
		return "permission"
	case CategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

var (
	busyKeywords = []string{
		"device or resource busy",
		"resource busy",
		"in use",
		"ebusy",
		"already being used",
	}
	permissionKeywords = []string{
		"permission denied",
		"not authorized",
		"not permitted",
		"access denied",
		"eacces",
	}
	notFoundKeywords = []string{
		"no such file or directory",
		"no such device",
		"not found",
		"cannot open display",
		"could not find",
		"input/output error",
		"executable file not found",
	}
	formatKeywords = []string{
		"not supported",
		"unsupported",
		"invalid argument",
		"pixel format",
		"video size",
		"framerate",
		"not negotiated",
		"could not negotiate",
	}
)

// Classify categorizes one diagnostic line.
//
// Priority order (most specific first): busy, permission, not found, format.
func Classify(line string) Category {
	l := strings.ToLower(line)

	switch {
	case containsAny(l, busyKeywords):
		return CategoryBusy
	case containsAny(l, permissionKeywords):
		return CategoryPermission
	case containsAny(l, notFoundKeywords):
		return CategoryNotFound
	case containsAny(l, formatKeywords):
		return CategoryFormat
	default:
		return CategoryUnknown
	}
}

// ClassifyLines returns the most specific category found in lines
func ClassifyLines(lines []string) Category {
	best := CategoryUnknown
	for _, line := range lines {
		if c := Classify(line); categoryPriority[c] > categoryPriority[best] {
			best = c
		}
	}
	return best
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
