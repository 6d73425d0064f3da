package siri

import "strings"

// Line icons by vehicle type.
const (
	IconBus        = "🚌"
	IconTrolleybus = "🚎"
	IconCableCar   = "🚟"
	IconMetro      = "🚇"
	IconOwl        = "🦉"
	IconExpress    = "🚀"
)

var trolleybusLines = setOf("1", "2", "3", "5", "6", "7", "8", "14", "21", "22", "24", "30", "31", "33", "41", "45", "49")

var cableCarLines = setOf("C", "PM", "PH", "59", "60", "61")

var metroLines = setOf("J", "K", "L", "M", "N", "T", "S", "E", "F")

func setOf(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// LineIcon returns the icon for an upper-cased Muni line code, or "" when
// the line has no known type. All-digit codes resolve to bus or trolleybus
// before the other tables are consulted.
func LineIcon(lineRef string) string {
	if isDigits(lineRef) {
		if _, ok := trolleybusLines[lineRef]; ok {
			return IconTrolleybus
		}
		return IconBus
	}
	if _, ok := cableCarLines[lineRef]; ok {
		return IconCableCar
	}
	if _, ok := metroLines[lineRef]; ok {
		return IconMetro
	}
	if lineRef == "91" || strings.Contains(lineRef, "OWL") {
		return IconOwl
	}
	if strings.Contains(lineRef, "R") {
		return IconExpress
	}
	return ""
}

// LineLabel joins icon and line code, or returns the code alone.
func LineLabel(lineRef string, showIcon bool) string {
	if !showIcon {
		return lineRef
	}
	if icon := LineIcon(lineRef); icon != "" {
		return icon + " " + lineRef
	}
	return lineRef
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
