// Package siri decodes 511.org StopMonitoring responses into arrivals
// grouped by line.
package siri

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/muniwatch/internal/core/domain"
	"github.com/vietddude/muniwatch/internal/core/errs"
)

var utf8BOM = []byte("\xef\xbb\xbf")

type envelope struct {
	ServiceDelivery *struct {
		StopMonitoringDelivery json.RawMessage `json:"StopMonitoringDelivery"`
	} `json:"ServiceDelivery"`
}

type delivery struct {
	MonitoredStopVisit json.RawMessage `json:"MonitoredStopVisit"`
}

type visit struct {
	MonitoredVehicleJourney *struct {
		LineRef         json.RawMessage `json:"LineRef"`
		DestinationName json.RawMessage `json:"DestinationName"`
		MonitoredCall   *struct {
			ExpectedArrivalTime json.RawMessage `json:"ExpectedArrivalTime"`
		} `json:"MonitoredCall"`
	} `json:"MonitoredVehicleJourney"`
}

// Parser turns raw response bodies into sorted line arrivals.
type Parser struct {
	ShowIcons bool
	Now       func() time.Time
}

// NewParser returns a parser labelling lines with icons.
func NewParser() *Parser {
	return &Parser{ShowIcons: true, Now: time.Now}
}

// Parse decodes body. Documents without visits yield an empty, non-nil slice.
func (p *Parser) Parse(body []byte) ([]domain.LineArrivals, error) {
	body = bytes.TrimPrefix(body, utf8BOM)
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, errs.New(errs.KindDataFormat, "invalid JSON response")
		}
		return nil, errs.New(errs.KindDataFormat, "response is not a JSON object")
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, errs.Wrap(errs.KindDataFormat, "invalid JSON response", err)
	}
	out := []domain.LineArrivals{}
	if env.ServiceDelivery == nil {
		slog.Debug("No ServiceDelivery in response")
		return out, nil
	}

	smd, err := firstObject(env.ServiceDelivery.StopMonitoringDelivery)
	if err != nil {
		return nil, err
	}
	if smd == nil {
		slog.Debug("No StopMonitoringDelivery in response")
		return out, nil
	}
	var d delivery
	if err := json.Unmarshal(smd, &d); err != nil {
		return nil, errs.Wrap(errs.KindDataFormat, "malformed StopMonitoringDelivery", err)
	}

	visits, err := visitList(d.MonitoredStopVisit)
	if err != nil {
		return nil, err
	}
	return p.group(visits), nil
}

func (p *Parser) group(visits []json.RawMessage) []domain.LineArrivals {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	at := now()

	var order []string
	byLine := map[string]*domain.LineArrivals{}
	destSeen := map[string]map[string]struct{}{}

	for _, raw := range visits {
		var v visit
		if err := json.Unmarshal(raw, &v); err != nil {
			slog.Warn("Skipping malformed visit", "error", err)
			continue
		}
		j := v.MonitoredVehicleJourney
		if j == nil || j.MonitoredCall == nil {
			continue
		}
		lineRef := strings.ToUpper(text(j.LineRef))
		arrival := text(j.MonitoredCall.ExpectedArrivalTime)
		if lineRef == "" || arrival == "" {
			continue
		}
		dest := text(j.DestinationName)

		la, ok := byLine[lineRef]
		if !ok {
			la = &domain.LineArrivals{
				Line:         LineLabel(lineRef, p.ShowIcons),
				LineRef:      lineRef,
				Destinations: []string{},
			}
			byLine[lineRef] = la
			destSeen[lineRef] = map[string]struct{}{}
			order = append(order, lineRef)
		}
		la.Times = append(la.Times, domain.NewArrivalTime(minutesUntil(arrival, at), arrival, dest))
		if _, seen := destSeen[lineRef][dest]; dest != "" && !seen {
			destSeen[lineRef][dest] = struct{}{}
			la.Destinations = append(la.Destinations, dest)
		}
	}

	out := make([]domain.LineArrivals, 0, len(order))
	for _, ref := range order {
		la := byLine[ref]
		domain.SortTimes(la.Times)
		out = append(out, *la)
	}
	domain.SortLines(out)
	return out
}

// minutesUntil returns whole minutes from now to an RFC 3339 timestamp,
// clamped at zero, or UnknownMinutes when the timestamp does not parse.
func minutesUntil(ts string, now time.Time) int {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return domain.UnknownMinutes
	}
	mins := int(t.Sub(now).Seconds() / 60)
	if mins < 0 {
		return 0
	}
	return mins
}

// firstObject accepts an object or an array of objects and returns the
// object, or the first array element. Absent and null values yield nil.
func firstObject(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if isAbsent(raw) {
		return nil, nil
	}
	switch raw[0] {
	case '{':
		return raw, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, errs.Wrap(errs.KindDataFormat, "malformed StopMonitoringDelivery", err)
		}
		if len(items) == 0 || isAbsent(bytes.TrimSpace(items[0])) {
			return nil, nil
		}
		return items[0], nil
	}
	return nil, errs.New(errs.KindDataFormat, "StopMonitoringDelivery is not an object")
}

func visitList(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if isAbsent(raw) {
		return nil, nil
	}
	switch raw[0] {
	case '{':
		return []json.RawMessage{raw}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, errs.Wrap(errs.KindDataFormat, "malformed MonitoredStopVisit", err)
		}
		return items, nil
	}
	return nil, errs.New(errs.KindDataFormat, "MonitoredStopVisit is not a list or object")
}

// isAbsent treats missing, null, false, empty string and zero values as
// "no data" in the way the upstream feed uses them.
func isAbsent(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", `""`, "false", "0":
		return true
	}
	return false
}

// text reads a SIRI text field. The feed sends plain strings, and in some
// agencies an array of strings or {"value": ...} objects.
func text(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return text(list[0])
	}
	var obj struct {
		Value string `json:"value"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Value
	}
	return ""
}
