// Package sensor renders per-stop state the way a home dashboard shows it:
// one display string plus an attribute set.
package sensor

import (
	"fmt"
	"math"
	"time"

	"github.com/vietddude/muniwatch/internal/control"
	"github.com/vietddude/muniwatch/internal/core/domain"
	"github.com/vietddude/muniwatch/internal/infra/cache"
	"github.com/vietddude/muniwatch/internal/infra/rpc"
	"github.com/vietddude/muniwatch/internal/infra/rpc/siri"
)

// Display strings.
const (
	StateConnectionError = "Connection error"
	StateNoData          = "No data"
	StateNoArrivals      = "No arrivals"
	StateNoArrivalsCache = "No arrivals (cached)"
)

// Icons.
const (
	IconFresh      = "mdi:bus"
	IconFreshEmpty = "mdi:bus-stop"
	IconCached     = "mdi:bus-clock"
	IconNoData     = "mdi:bus-off"
	IconErrorState = "mdi:bus-alert"
)

// UnavailableOver is the failure streak past which a stop without data is
// reported unavailable.
const UnavailableOver = 5

// View is the coordinator-wide context a stop is rendered in.
type View struct {
	Agency               string
	MaxResults           int
	ShowIcons            bool
	ConsecutiveFailures  int
	LastError            *control.ErrorRecord
	LastUpdateSuccess    bool
	LastSuccessfulUpdate *time.Time
	Health               rpc.HealthStatus
	CacheEnabled         bool
	Cache                *cache.Info
}

// Arrival is one rendered arrival. Minutes is an int, or "?" when unknown.
type Arrival struct {
	Minutes       any    `json:"minutes"`
	FormattedTime string `json:"formatted_time"`
	Destination   string `json:"destination"`
	ArrivalTime   string `json:"arrival_time"`
}

// Line is one rendered line.
type Line struct {
	Line         string    `json:"line"`
	LineRef      string    `json:"line_ref"`
	Destinations []string  `json:"destinations"`
	Arrivals     []Arrival `json:"arrivals"`
}

// APIHealth is the short health summary attribute.
type APIHealth struct {
	IsHealthy           bool `json:"is_healthy"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

// CacheStatus is the cache summary attribute.
type CacheStatus struct {
	Enabled      bool `json:"enabled"`
	TotalEntries int  `json:"total_entries,omitempty"`
	ValidEntries int  `json:"valid_entries,omitempty"`
}

// Attributes are the extra state attributes of a stop.
type Attributes struct {
	StopCode          string               `json:"stop_code"`
	StopName          string               `json:"stop_name"`
	Agency            string               `json:"agency"`
	Lines             []Line               `json:"lines"`
	ErrorCount        int                  `json:"error_count"`
	LastError         *control.ErrorRecord `json:"last_error,omitempty"`
	APIHealth         APIHealth            `json:"api_health"`
	SuccessRate       float64              `json:"success_rate"`
	ConnectionStatus  string               `json:"connection_status"`
	CacheStatus       CacheStatus          `json:"cache_status"`
	DataSource        string               `json:"data_source"`
	CachedDataAge     float64              `json:"cached_data_age_minutes"`
	CachedAt          string               `json:"cached_at,omitempty"`
	LastUpdated       string               `json:"last_updated,omitempty"`
	Direction         string               `json:"direction,omitempty"`
	LineNameOverrides map[string]string    `json:"line_name_overrides,omitempty"`
}

// Snapshot is the full rendered state of one stop.
type Snapshot struct {
	UniqueID   string     `json:"unique_id"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Icon       string     `json:"icon"`
	Available  bool       `json:"available"`
	Attributes Attributes `json:"attributes"`
}

// State renders a stop. rec is nil when the stop has no current data.
func State(stop domain.StopConfig, rec *domain.StopRecord, v View) Snapshot {
	name := stop.StopName
	if name == "" {
		name = "Stop " + stop.StopCode
	}
	return Snapshot{
		UniqueID:   "muniwatch_" + stop.StopCode,
		Name:       name,
		State:      displayValue(rec, v),
		Icon:       icon(rec, v),
		Available:  available(rec, v),
		Attributes: attributes(stop, name, rec, v),
	}
}

func displayValue(rec *domain.StopRecord, v View) string {
	if rec == nil {
		if v.ConsecutiveFailures > 0 {
			return StateConnectionError
		}
		return StateNoData
	}
	if len(rec.Arrivals) == 0 || len(rec.Arrivals[0].Times) == 0 {
		if rec.FromCache {
			return StateNoArrivalsCache
		}
		return StateNoArrivals
	}

	formatted := rec.Arrivals[0].Times[0].FormattedTime
	if formatted == "" {
		formatted = "?"
	}
	if !rec.FromCache {
		return formatted
	}
	if rec.CacheAgeMinutes > 0 {
		return fmt.Sprintf("%s (cached %.0fm ago)", formatted, rec.CacheAgeMinutes)
	}
	return formatted + " (cached)"
}

func icon(rec *domain.StopRecord, v View) string {
	switch {
	case rec == nil && v.ConsecutiveFailures > 0:
		return IconErrorState
	case rec == nil:
		return IconNoData
	case rec.FromCache && len(rec.Arrivals) > 0:
		return IconCached
	case rec.FromCache:
		return IconNoData
	case len(rec.Arrivals) > 0:
		return IconFresh
	default:
		return IconFreshEmpty
	}
}

// available keeps a stop visible while any data exists, the last cycle
// succeeded, or the failure streak is short.
func available(rec *domain.StopRecord, v View) bool {
	if rec != nil || v.LastUpdateSuccess {
		return true
	}
	return v.ConsecutiveFailures <= UnavailableOver
}

func connectionStatus(h rpc.HealthStatus) string {
	switch {
	case h.IsHealthy:
		return "healthy"
	case h.ConsecutiveFailures > 3:
		return "unhealthy"
	default:
		return "degraded"
	}
}

func attributes(stop domain.StopConfig, name string, rec *domain.StopRecord, v View) Attributes {
	a := Attributes{
		StopCode:         stop.StopCode,
		StopName:         name,
		Agency:           v.Agency,
		Lines:            []Line{},
		ErrorCount:       v.ConsecutiveFailures,
		LastError:        v.LastError,
		APIHealth:        APIHealth{IsHealthy: v.Health.IsHealthy, ConsecutiveFailures: v.Health.ConsecutiveFailures},
		SuccessRate:      v.Health.SuccessRate,
		ConnectionStatus: connectionStatus(v.Health),
		CacheStatus:      CacheStatus{Enabled: v.CacheEnabled},
		DataSource:       "none",
		Direction:        stop.Direction,
	}
	if len(stop.LineNames) > 0 {
		a.LineNameOverrides = stop.LineNames
	}
	if v.Cache != nil {
		a.CacheStatus.TotalEntries = v.Cache.TotalEntries
		a.CacheStatus.ValidEntries = v.Cache.ValidEntries
	}
	if v.LastSuccessfulUpdate != nil {
		a.LastUpdated = v.LastSuccessfulUpdate.Format(time.RFC3339)
	}
	if rec == nil {
		return a
	}

	if rec.FromCache {
		a.DataSource = "cache"
		a.CachedDataAge = math.Round(rec.CacheAgeMinutes*10) / 10
		if rec.CachedAt != nil {
			a.CachedAt = rec.CachedAt.Format(time.RFC3339)
		}
	} else {
		a.DataSource = "api"
		if rec.LastUpdated != nil {
			a.LastUpdated = rec.LastUpdated.Format(time.RFC3339)
		}
	}

	limit := v.MaxResults
	if limit <= 0 {
		limit = len(rec.Arrivals)
	}
	for _, la := range head(rec.Arrivals, limit) {
		line := Line{
			Line:         lineLabel(la, stop, v.ShowIcons),
			LineRef:      la.LineRef,
			Destinations: la.Destinations,
			Arrivals:     []Arrival{},
		}
		if line.Destinations == nil {
			line.Destinations = []string{}
		}
		for _, t := range head(la.Times, limit) {
			line.Arrivals = append(line.Arrivals, Arrival{
				Minutes:       minutesValue(t),
				FormattedTime: t.FormattedTime,
				Destination:   t.Destination,
				ArrivalTime:   t.ArrivalTime,
			})
		}
		a.Lines = append(a.Lines, line)
	}
	return a
}

// lineLabel applies a configured display name for the line, if any.
func lineLabel(la domain.LineArrivals, stop domain.StopConfig, showIcons bool) string {
	name, ok := stop.LineNames[la.LineRef]
	if !ok || name == "" {
		if showIcons {
			return la.Line
		}
		return la.LineRef
	}
	if ic := siri.LineIcon(la.LineRef); showIcons && ic != "" {
		return ic + " " + name
	}
	return name
}

func minutesValue(t domain.ArrivalTime) any {
	if !t.Known() {
		return "?"
	}
	return t.Minutes
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ViewOf builds the rendering context for a coordinator.
func ViewOf(coord *control.Coordinator) View {
	cfg := coord.Config()
	d := coord.Diagnostics()
	v := View{
		Agency:               cfg.Agency,
		MaxResults:           cfg.MaxResults,
		ShowIcons:            cfg.IconsOn(),
		ConsecutiveFailures:  d.Coordinator.ConsecutiveFailures,
		LastUpdateSuccess:    d.Coordinator.LastUpdateSuccess,
		LastSuccessfulUpdate: d.Coordinator.LastSuccessfulUpdate,
		Health:               d.APIHealth,
		CacheEnabled:         coord.Cache() != nil,
		Cache:                d.Cache,
	}
	if n := len(d.Coordinator.ErrorHistory); n > 0 {
		last := d.Coordinator.ErrorHistory[n-1]
		v.LastError = &last
	}
	return v
}

// ForCoordinator renders every configured stop of a coordinator.
func ForCoordinator(coord *control.Coordinator) []Snapshot {
	v := ViewOf(coord)
	data := coord.Data()
	out := make([]Snapshot, 0, len(coord.Config().Stops))
	for _, stop := range coord.Config().Stops {
		if stop.StopCode == "" {
			continue
		}
		var rec *domain.StopRecord
		if r, ok := data[stop.StopCode]; ok {
			rec = &r
		}
		out = append(out, State(stop, rec, v))
	}
	return out
}

// ForStop renders one configured stop.
func ForStop(coord *control.Coordinator, code string) (Snapshot, bool) {
	for _, s := range ForCoordinator(coord) {
		if s.Attributes.StopCode == code {
			return s, true
		}
	}
	return Snapshot{}, false
}
