package audit

import (
	"sort"
	"time"
)

// DayCount is one bucket of the daily attack histogram.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Stats aggregates the records in a time window.
type Stats struct {
	Since           time.Time      `json:"since"`
	Until           time.Time      `json:"until"`
	Total           int            `json:"total"`
	Attacks         int            `json:"attacks"`
	AutomaticBlocks int            `json:"automatic_blocks"`
	ManualBlocks    int            `json:"manual_blocks"`
	Unblocks        int            `json:"unblocks"`
	ByCategory      map[string]int `json:"by_category"`
	ByClient        map[string]int `json:"by_client"`
	Daily           []DayCount     `json:"daily"`
}

// Stats counts the records with since <= Timestamp < until. Only attack
// records feed the category, client and daily breakdowns. Days are UTC.
func (l *Log) Stats(since, until time.Time) Stats {
	s := Stats{
		Since:      since,
		Until:      until,
		ByCategory: make(map[string]int),
		ByClient:   make(map[string]int),
	}
	daily := make(map[string]int)

	for _, r := range l.Records(since, until) {
		s.Total++
		switch r.Kind {
		case KindAttack:
			s.Attacks++
			s.ByCategory[r.Category]++
			client := r.ClientKey
			if client == "" {
				client = r.IP
			}
			s.ByClient[client]++
			daily[r.Timestamp.UTC().Format(time.DateOnly)]++
		case KindBlock:
			if r.Origin == "manual" {
				s.ManualBlocks++
			} else {
				s.AutomaticBlocks++
			}
		case KindUnblock:
			s.Unblocks++
		}
	}

	s.Daily = make([]DayCount, 0, len(daily))
	for day, n := range daily {
		s.Daily = append(s.Daily, DayCount{Day: day, Count: n})
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Day < s.Daily[j].Day })
	return s
}
