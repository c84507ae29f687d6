package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Daypart is one of the four canonical day segments a task can be
// scheduled into.
type Daypart string

const (
	DaypartBeforeOpen    Daypart = "before_open"
	DaypartDuringService Daypart = "during_service"
	DaypartAfterService  Daypart = "after_service"
	DaypartAnytime       Daypart = "anytime"
)

// Dayparts lists the canonical dayparts in display order.
var Dayparts = []Daypart{DaypartBeforeOpen, DaypartDuringService, DaypartAfterService, DaypartAnytime}

// legacyDayparts maps older free-form labels onto the canonical set.
var legacyDayparts = map[string]Daypart{
	"morning":   DaypartBeforeOpen,
	"opening":   DaypartBeforeOpen,
	"open":      DaypartBeforeOpen,
	"breakfast": DaypartBeforeOpen,
	"pre_open":  DaypartBeforeOpen,
	"lunch":     DaypartDuringService,
	"afternoon": DaypartDuringService,
	"dinner":    DaypartDuringService,
	"service":   DaypartDuringService,
	"evening":   DaypartAfterService,
	"night":     DaypartAfterService,
	"closing":   DaypartAfterService,
	"close":     DaypartAfterService,
	"any":       DaypartAnytime,
	"all_day":   DaypartAnytime,
}

// ParseDaypart resolves a stored label. ok is false when the label is
// empty or unrecognised; the returned daypart is then DaypartAnytime.
func ParseDaypart(s string) (Daypart, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if key == "" {
		return DaypartAnytime, false
	}
	switch Daypart(key) {
	case DaypartBeforeOpen, DaypartDuringService, DaypartAfterService, DaypartAnytime:
		return Daypart(key), true
	}
	if d, ok := legacyDayparts[key]; ok {
		return d, true
	}
	return DaypartAnytime, false
}

// NormalizeDaypart returns the canonical daypart for s, defaulting to anytime.
func NormalizeDaypart(s string) Daypart {
	d, _ := ParseDaypart(s)
	return d
}

// Rank orders dayparts for sorting: before_open < during_service <
// after_service < anytime.
func (d Daypart) Rank() int {
	switch d {
	case DaypartBeforeOpen:
		return 0
	case DaypartDuringService:
		return 1
	case DaypartAfterService:
		return 2
	default:
		return 3
	}
}

// Window returns the expected [start, end) clock window and the default
// time for the daypart. ok is false for anytime.
func (d Daypart) Window() (start, end, def string, ok bool) {
	switch d {
	case DaypartBeforeOpen:
		return "05:00", "11:00", "08:00", true
	case DaypartDuringService:
		return "11:00", "17:00", "12:00", true
	case DaypartAfterService:
		return "17:00", "24:00", "18:00", true
	default:
		return "", "", "", false
	}
}

// Label returns a human-readable name.
func (d Daypart) Label() string {
	switch d {
	case DaypartBeforeOpen:
		return "Before open"
	case DaypartDuringService:
		return "During service"
	case DaypartAfterService:
		return "After service"
	default:
		return "Anytime"
	}
}

// ─── Clock strings ──────────────────────────────────────────────────────────

// NormalizeClock converts "8:00", "08:00:00" or "0800" into "08:00".
// Unparseable input yields "".
func NormalizeClock(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var hs, ms string
	if i := strings.IndexByte(s, ':'); i >= 0 {
		hs = s[:i]
		rest := s[i+1:]
		if j := strings.IndexByte(rest, ':'); j >= 0 {
			rest = rest[:j]
		}
		ms = rest
	} else if len(s) == 4 {
		hs, ms = s[:2], s[2:]
	} else {
		return ""
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return ""
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// DaypartTime resolves the due time for an instance that carries no time of
// its own. The template time is kept when it falls inside the daypart's
// window; otherwise the daypart default is used. Anytime keeps the template
// time as is.
func DaypartTime(d Daypart, templateTime string) string {
	t := NormalizeClock(templateTime)
	start, end, def, ok := d.Window()
	if !ok {
		return t
	}
	if t != "" && t >= start && t < end {
		return t
	}
	return def
}
