package domain

import "time"

// StopConfig describes one monitored stop.
type StopConfig struct {
	StopCode  string            `json:"stop_code"  yaml:"stop_code"  toml:"stop_code"`
	StopName  string            `json:"stop_name"  yaml:"stop_name"  toml:"stop_name"`
	Direction string            `json:"direction"  yaml:"direction"  toml:"direction"`
	LineNames map[string]string `json:"line_names" yaml:"line_names" toml:"line_names"` // line_ref -> display name
}

// Clone returns a copy that shares no maps with c.
func (c StopConfig) Clone() StopConfig {
	out := c
	if c.LineNames != nil {
		out.LineNames = make(map[string]string, len(c.LineNames))
		for k, v := range c.LineNames {
			out.LineNames[k] = v
		}
	}
	return out
}

// StopRecord is the per-stop result of an update cycle.
type StopRecord struct {
	StopCode        string         `json:"stop_code"`
	Arrivals        []LineArrivals `json:"arrivals"`
	Config          StopConfig     `json:"config"`
	FromCache       bool           `json:"from_cache"`
	CachedAt        *time.Time     `json:"cached_at,omitempty"`
	CacheAgeMinutes float64        `json:"cache_age_minutes,omitempty"`
	LastUpdated     *time.Time     `json:"last_updated,omitempty"`
}

// FreshRecord builds a record from a live API result.
func FreshRecord(cfg StopConfig, arrivals []LineArrivals, at time.Time) StopRecord {
	return StopRecord{
		StopCode:    cfg.StopCode,
		Arrivals:    arrivals,
		Config:      cfg,
		LastUpdated: &at,
	}
}

// CacheEntry is one cached API result.
type CacheEntry struct {
	StopCode        string         `json:"stop_code"`
	CachedAt        time.Time      `json:"cached_at"`
	Arrivals        []LineArrivals `json:"arrivals"`
	Config          StopConfig     `json:"config"`
	CacheAgeMinutes float64        `json:"-"`
}

// Record converts a cache hit into a stop record.
func (e *CacheEntry) Record() StopRecord {
	at := e.CachedAt
	return StopRecord{
		StopCode:        e.StopCode,
		Arrivals:        e.Arrivals,
		Config:          e.Config,
		FromCache:       true,
		CachedAt:        &at,
		CacheAgeMinutes: e.CacheAgeMinutes,
	}
}
