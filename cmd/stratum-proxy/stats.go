package main

import (
	"net/netip"
	"time"

	"github.com/matst80/stratum-proxy/internal/state"
	"github.com/matst80/stratum-proxy/internal/upstream"
)

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Active        int    `json:"active"`
	TotalSessions int64  `json:"total_sessions"`
	BytesUp       int64  `json:"bytes_up"`
	BytesDown     int64  `json:"bytes_down"`
	Failed        int64  `json:"failed"`
	Upstream      string `json:"upstream"`
	Addr          string `json:"addr"`
	Now           string `json:"now"`
}

func collectStats(s state.Store, target upstream.Target, addr netip.AddrPort) Stats {
	snap := s.Snapshot()
	return Stats{
		Active:        snap.Active,
		TotalSessions: snap.TotalSessions,
		BytesUp:       snap.BytesUp,
		BytesDown:     snap.BytesDown,
		Failed:        snap.Failed,
		Upstream:      target.HostPort(),
		Addr:          addr.String(),
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":    s.Active,
		"Total":     s.TotalSessions,
		"Failed":    s.Failed,
		"BytesUp":   s.BytesUp,
		"BytesDown": s.BytesDown,
		"Upstream":  s.Upstream,
		"Addr":      s.Addr,
	}
}
