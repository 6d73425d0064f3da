package domain

import (
	"sort"
	"strconv"
)

// UnknownMinutes marks an arrival whose time could not be parsed.
const UnknownMinutes = -1

// unknownSortKey orders unknown arrivals after any realistic prediction.
const unknownSortKey = 999

// ArrivalTime is a single predicted arrival at a stop.
type ArrivalTime struct {
	Minutes       int    `json:"minutes"`
	ArrivalTime   string `json:"arrival_time"`
	Destination   string `json:"destination"`
	FormattedTime string `json:"formatted_time"`
}

// NewArrivalTime builds an ArrivalTime with its display form filled in.
func NewArrivalTime(minutes int, arrivalTime, destination string) ArrivalTime {
	return ArrivalTime{
		Minutes:       minutes,
		ArrivalTime:   arrivalTime,
		Destination:   destination,
		FormattedTime: FormatMinutes(minutes),
	}
}

// Known reports whether the minutes value is a real prediction.
func (a ArrivalTime) Known() bool {
	return a.Minutes >= 0
}

// SortKey returns the minutes used for ordering.
func (a ArrivalTime) SortKey() int {
	if !a.Known() {
		return unknownSortKey
	}
	return a.Minutes
}

// FormatMinutes renders minutes as "<n> min", or "?" when unknown.
func FormatMinutes(minutes int) string {
	if minutes < 0 {
		return "?"
	}
	return strconv.Itoa(minutes) + " min"
}

// LineArrivals groups the arrivals of one line at a stop.
type LineArrivals struct {
	Line         string        `json:"line"`
	LineRef      string        `json:"line_ref"`
	Destinations []string      `json:"destinations"`
	Times        []ArrivalTime `json:"times"`
}

// SortKey returns the sort key of the soonest arrival.
func (l LineArrivals) SortKey() int {
	if len(l.Times) == 0 {
		return unknownSortKey
	}
	return l.Times[0].SortKey()
}

// SortTimes orders arrival times soonest first, unknown last.
func SortTimes(times []ArrivalTime) {
	sort.SliceStable(times, func(i, j int) bool {
		return times[i].SortKey() < times[j].SortKey()
	})
}

// SortLines orders lines by their soonest arrival. Each line's times must
// already be sorted.
func SortLines(lines []LineArrivals) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].SortKey() < lines[j].SortKey()
	})
}

// CloneLines returns a deep copy of lines.
func CloneLines(lines []LineArrivals) []LineArrivals {
	if lines == nil {
		return nil
	}
	out := make([]LineArrivals, len(lines))
	for i, l := range lines {
		out[i] = LineArrivals{
			Line:         l.Line,
			LineRef:      l.LineRef,
			Destinations: append([]string(nil), l.Destinations...),
			Times:        append([]ArrivalTime(nil), l.Times...),
		}
	}
	return out
}
