// Package analysis aggregates stored log entries into a per-IP attack report.
package analysis

import (
	"sort"

	"github.com/shortontech/reqwatch/internal/event"
)

const (
	// SnapshotSize is how many recent entries a report is built from.
	SnapshotSize = 10000
	// TopIPs is how many addresses a report ranks.
	TopIPs = 50
)

// IPActivity is everything observed from one client address.
type IPActivity struct {
	IP         string   `json:"ip"`
	Count      int      `json:"count"`
	UserAgents []string `json:"userAgents"`
	Paths      []string `json:"paths"`
	FirstSeen  string   `json:"firstSeen"`
	LastSeen   string   `json:"lastSeen"`
	Suspicious bool     `json:"suspicious"`
}

// TimeRange spans the analysed snapshot.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Report is the attack analysis returned by the API.
type Report struct {
	TotalRequests   int          `json:"totalRequests"`
	UniqueIPs       int          `json:"uniqueIPs"`
	SuspiciousIPs   int          `json:"suspiciousIPs"`
	TopAttackingIPs []IPActivity `json:"topAttackingIPs"`
	TimeRange       *TimeRange   `json:"timeRange"`
}

type ipStats struct {
	activity   IPActivity
	userAgents map[string]struct{}
	paths      map[string]struct{}
}

// Analyze groups logs by client IP and ranks the busiest addresses. Entries
// with an unknown IP count toward the total but are not grouped. logs are
// expected oldest first.
func Analyze(logs []event.LogEntry) Report {
	byIP := make(map[string]*ipStats)
	var order []*ipStats

	for i := range logs {
		e := &logs[i]
		if e.IP == "" || e.IP == event.Unknown {
			continue
		}

		st, ok := byIP[e.IP]
		if !ok {
			st = &ipStats{
				activity: IPActivity{
					IP:         e.IP,
					UserAgents: []string{},
					Paths:      []string{},
					FirstSeen:  e.Timestamp,
					LastSeen:   e.Timestamp,
				},
				userAgents: make(map[string]struct{}),
				paths:      make(map[string]struct{}),
			}
			byIP[e.IP] = st
			order = append(order, st)
		}
		st.add(e)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].activity.Count > order[j].activity.Count
	})
	if len(order) > TopIPs {
		order = order[:TopIPs]
	}

	report := Report{
		TotalRequests:   len(logs),
		UniqueIPs:       len(byIP),
		TopAttackingIPs: make([]IPActivity, 0, len(order)),
	}
	for _, st := range order {
		if st.activity.Suspicious {
			report.SuspiciousIPs++
		}
		report.TopAttackingIPs = append(report.TopAttackingIPs, st.activity)
	}
	if len(logs) > 0 {
		report.TimeRange = &TimeRange{
			Start: logs[0].Timestamp,
			End:   logs[len(logs)-1].Timestamp,
		}
	}
	return report
}

func (st *ipStats) add(e *event.LogEntry) {
	a := &st.activity
	a.Count++
	if _, seen := st.userAgents[e.UserAgent]; !seen {
		st.userAgents[e.UserAgent] = struct{}{}
		a.UserAgents = append(a.UserAgents, e.UserAgent)
	}
	if _, seen := st.paths[e.Path]; !seen {
		st.paths[e.Path] = struct{}{}
		a.Paths = append(a.Paths, e.Path)
	}
	// Timestamps share one fixed-width UTC layout, so they order as strings.
	if e.Timestamp < a.FirstSeen {
		a.FirstSeen = e.Timestamp
	}
	if e.Timestamp > a.LastSeen {
		a.LastSeen = e.Timestamp
	}
	a.Suspicious = a.Suspicious || e.Suspicious
}
