// Package era routes race dates to configured feature eras and splits
// date ranges into partitions.
package era

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoMatchingEra is returned when a date doesn't match any configured era.
var ErrNoMatchingEra = errors.New("no matching era for date")

// ErrOverlappingEras is returned when era boundaries overlap.
var ErrOverlappingEras = errors.New("era boundaries overlap")

// Layout is the date format used in configuration and partition keys.
const Layout = "2006-01-02"

// Day is a calendar date at midnight UTC. The zero Day is unset.
type Day struct {
	time.Time
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Day{t}, nil
}

// DayOf truncates t to its UTC calendar date.
func DayOf(t time.Time) Day {
	y, m, d := t.UTC().Date()
	return Day{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// String formats the day as YYYY-MM-DD, or "" when unset.
func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(Layout)
}

// AddDays returns the day n days later.
func (d Day) AddDays(n int) Day { return Day{d.AddDate(0, 0, n)} }

// UnmarshalYAML accepts YYYY-MM-DD scalars.
func (d *Day) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" {
		*d = Day{}
		return nil
	}
	parsed, err := ParseDay(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML writes the day as YYYY-MM-DD.
func (d Day) MarshalYAML() (interface{}, error) { return d.String(), nil }

// Config defines configuration for a single era.
type Config struct {
	EraID         string `yaml:"era_id"`
	VersionLabel  string `yaml:"version_label"`
	Start         Day    `yaml:"start"`
	End           Day    `yaml:"end"` // zero = unbounded
	PartitionDays int    `yaml:"partition_days"`
}

// Contains returns true if the date is within this era's bounds.
func (c Config) Contains(t time.Time) bool {
	d := DayOf(t)
	if d.Before(c.Start.Time) {
		return false
	}
	if c.End.IsZero() {
		return true
	}
	return !d.After(c.End.Time)
}

// Router routes race dates to their corresponding eras.
type Router struct {
	eras       []Config
	activeEras map[string]bool
}

// NewRouter creates a new era router with the given era configurations.
// Eras are sorted by start date.
func NewRouter(eras []Config, activeEraIDs []string) (*Router, error) {
	if len(eras) == 0 {
		return nil, errors.New("at least one era must be configured")
	}

	sorted := make([]Config, len(eras))
	copy(sorted, eras)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start.Time)
	})

	for i := 0; i < len(sorted)-1; i++ {
		current := sorted[i]
		next := sorted[i+1]

		if current.End.IsZero() {
			return nil, fmt.Errorf("%w: era %q is unbounded but followed by %q",
				ErrOverlappingEras, current.EraID, next.EraID)
		}
		if !current.End.Before(next.Start.Time) {
			return nil, fmt.Errorf("%w: era %q ends on %s but %q starts on %s",
				ErrOverlappingEras, current.EraID, current.End, next.EraID, next.Start)
		}
	}

	active := make(map[string]bool)
	if len(activeEraIDs) == 0 {
		for _, era := range sorted {
			active[era.EraID] = true
		}
	} else {
		for _, id := range activeEraIDs {
			active[id] = true
		}
	}

	return &Router{
		eras:       sorted,
		activeEras: active,
	}, nil
}

// Route returns the active era containing t.
func (r *Router) Route(t time.Time) (*Config, error) {
	for i := range r.eras {
		era := &r.eras[i]
		if era.Contains(t) {
			if r.activeEras[era.EraID] {
				return era, nil
			}
			return nil, fmt.Errorf("date %s matches era %q but era is not active", DayOf(t), era.EraID)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoMatchingEra, DayOf(t))
}

// RouteAny returns the era containing t, regardless of whether it is active.
func (r *Router) RouteAny(t time.Time) (*Config, error) {
	for i := range r.eras {
		era := &r.eras[i]
		if era.Contains(t) {
			return era, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoMatchingEra, DayOf(t))
}

// ActiveEras returns the list of active era configurations.
func (r *Router) ActiveEras() []Config {
	var active []Config
	for _, era := range r.eras {
		if r.activeEras[era.EraID] {
			active = append(active, era)
		}
	}
	return active
}

// IsActive returns true if the given era ID is active.
func (r *Router) IsActive(eraID string) bool {
	return r.activeEras[eraID]
}

// RangeSplit is a date range inside a single era.
type RangeSplit struct {
	Era   Config
	Start Day
	End   Day
}

// SplitRangeByEra splits [start, end] into sub-ranges by era. Days that
// fall between eras are an error.
func (r *Router) SplitRangeByEra(start, end Day) ([]RangeSplit, error) {
	var splits []RangeSplit

	current := start
	for !current.After(end.Time) {
		era, err := r.RouteAny(current.Time)
		if err != nil {
			return nil, err
		}

		rangeEnd := end
		if !era.End.IsZero() && era.End.Before(end.Time) {
			rangeEnd = era.End
		}
		splits = append(splits, RangeSplit{Era: *era, Start: current, End: rangeEnd})
		current = rangeEnd.AddDays(1)
	}
	return splits, nil
}

// Partitions cuts a split into consecutive windows of the era's
// partition_days. A non-positive size yields the whole split.
func (s RangeSplit) Partitions() []RangeSplit {
	if s.Era.PartitionDays <= 0 {
		return []RangeSplit{s}
	}
	var out []RangeSplit
	for cur := s.Start; !cur.After(s.End.Time); {
		last := cur.AddDays(s.Era.PartitionDays - 1)
		if last.After(s.End.Time) {
			last = s.End
		}
		out = append(out, RangeSplit{Era: s.Era, Start: cur, End: last})
		cur = last.AddDays(1)
	}
	return out
}
