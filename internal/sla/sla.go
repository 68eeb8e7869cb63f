// Package sla classifies entities against their deadlines at calendar-day
// granularity. Every function takes "now" explicitly.
package sla

import (
	"time"

	"recordflow/internal/domain"
)

type Class string

const (
	OnTrack    Class = "on_track"
	AtRisk     Class = "at_risk"
	Overdue    Class = "overdue"
	NoDeadline Class = "no_deadline"
	// Closed marks entities in a terminal status; they are never overdue.
	Closed Class = "closed"
)

// DefaultRiskThresholdDays applies when a kind has no configured threshold.
const DefaultRiskThresholdDays = 3

// Classify evaluates deadline against now in UTC.
func Classify(deadline *time.Time, now time.Time, riskThresholdDays int) Class {
	return ClassifyIn(deadline, now, riskThresholdDays, time.UTC)
}

// ClassifyIn evaluates deadline against now using calendar days of loc.
func ClassifyIn(deadline *time.Time, now time.Time, riskThresholdDays int, loc *time.Location) Class {
	if deadline == nil {
		return NoDeadline
	}
	remaining := RemainingDays(*deadline, now, loc)
	switch {
	case remaining < 0:
		return Overdue
	case remaining <= riskThresholdDays:
		return AtRisk
	default:
		return OnTrack
	}
}

// RemainingDays is the number of calendar days from now to deadline in loc.
// A deadline later today yields 0, yesterday yields -1.
func RemainingDays(deadline, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return int(civilDay(deadline, loc).Sub(civilDay(now, loc)).Hours() / 24)
}

// civilDay maps t to midnight UTC of its calendar date in loc so day
// arithmetic is exact across DST changes.
func civilDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// State is the derived SLA view of one entity.
type State struct {
	Class         Class `json:"class" enum:"on_track,at_risk,overdue,no_deadline,closed"`
	RemainingDays *int  `json:"remaining_days,omitempty"`
}

// Policy carries per-kind thresholds and default deadlines.
type Policy struct {
	Location     *time.Location
	Thresholds   map[domain.Kind]int
	DefaultDays  map[domain.Kind]int
	FallbackDays int
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Threshold returns the risk threshold for kind.
func (p Policy) Threshold(kind domain.Kind) int {
	if v, ok := p.Thresholds[kind]; ok && v >= 0 {
		return v
	}
	if p.FallbackDays > 0 {
		return p.FallbackDays
	}
	return DefaultRiskThresholdDays
}

// Evaluate classifies e. terminal reports whether e's status is terminal.
func (p Policy) Evaluate(e domain.Entity, terminal bool, now time.Time) State {
	if e.Deadline == nil {
		if terminal {
			return State{Class: Closed}
		}
		return State{Class: NoDeadline}
	}
	remaining := RemainingDays(*e.Deadline, now, p.location())
	if terminal {
		return State{Class: Closed, RemainingDays: &remaining}
	}
	return State{
		Class:         ClassifyIn(e.Deadline, now, p.Threshold(e.Kind), p.location()),
		RemainingDays: &remaining,
	}
}

// DefaultDeadline returns the end of the calendar day DefaultDays[kind] days
// after created, or nil when the kind has no default.
func (p Policy) DefaultDeadline(kind domain.Kind, created time.Time) *time.Time {
	days, ok := p.DefaultDays[kind]
	if !ok || days <= 0 {
		return nil
	}
	loc := p.location()
	y, m, d := created.In(loc).Date()
	due := time.Date(y, m, d+days, 23, 59, 59, 0, loc).UTC()
	return &due
}
