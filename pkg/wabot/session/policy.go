// Package session keeps short-lived conversational memory per participant
// and chat. A session expires according to a Policy and is dropped lazily
// on the next lookup.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode selects how a session's expiry is computed.
type Mode string

const (
	// ModeTime expires at the next occurrence of a wall-clock time.
	ModeTime Mode = "time"
	// ModeDuration expires a fixed duration after the last activity.
	ModeDuration Mode = "duration"
	// ModeSameDay expires at the next local midnight.
	ModeSameDay Mode = "same_day"
)

// Policy is the memory-reset rule of a conversation.
type Policy struct {
	Mode         Mode   `yaml:"reset_mode" json:"reset_mode"`
	ResetTime    string `yaml:"reset_time,omitempty" json:"reset_time,omitempty"`
	ResetHours   int    `yaml:"reset_hours,omitempty" json:"reset_hours,omitempty"`
	ResetMinutes int    `yaml:"reset_minutes,omitempty" json:"reset_minutes,omitempty"`
	Timezone     string `yaml:"timezone" json:"timezone"`
}

// DefaultPolicy resets every night at 02:00 UTC.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeTime, ResetTime: "02:00", Timezone: "UTC"}
}

// Validate checks that the fields required by the mode are present and in
// range.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeTime:
		if p.ResetTime == "" {
			return fmt.Errorf("session_memory.reset_time required when reset_mode is 'time'")
		}
		if _, _, err := ParseClock(p.ResetTime); err != nil {
			return fmt.Errorf("session_memory.reset_time: %w", err)
		}
	case ModeDuration:
		if p.ResetHours == 0 && p.ResetMinutes == 0 {
			return fmt.Errorf("session_memory.reset_hours or reset_minutes required when reset_mode is 'duration'")
		}
		if p.ResetHours != 0 && (p.ResetHours < 1 || p.ResetHours > 168) {
			return fmt.Errorf("session_memory.reset_hours must be between 1 and 168")
		}
		if p.ResetMinutes != 0 && (p.ResetMinutes < 1 || p.ResetMinutes > 10080) {
			return fmt.Errorf("session_memory.reset_minutes must be between 1 and 10080")
		}
	case ModeSameDay:
	default:
		return fmt.Errorf("session_memory.reset_mode must be one of time, duration, same_day (got %q)", p.Mode)
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the policy's time zone. An empty zone is UTC.
func (p Policy) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// DurationMinutes returns the sliding window for duration mode, preferring
// minutes over hours. ok is false for other modes.
func (p Policy) DurationMinutes() (minutes int, ok bool) {
	if p.Mode != ModeDuration {
		return 0, false
	}
	if p.ResetMinutes > 0 {
		return p.ResetMinutes, true
	}
	if p.ResetHours > 0 {
		return p.ResetHours * 60, true
	}
	return 0, false
}

// Expiry returns the instant a session touched at ref expires, in UTC.
// Boundaries are computed in the policy's zone.
func (p Policy) Expiry(ref time.Time) (time.Time, error) {
	loc, err := p.Location()
	if err != nil {
		return time.Time{}, err
	}
	local := ref.In(loc)

	var expiry time.Time
	switch p.Mode {
	case ModeTime:
		hour, minute, err := ParseClock(p.ResetTime)
		if err != nil {
			return time.Time{}, err
		}
		expiry = time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !local.Before(expiry) {
			expiry = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
		}
	case ModeDuration:
		minutes, ok := p.DurationMinutes()
		if !ok {
			return time.Time{}, fmt.Errorf("duration-based session memory requires reset_hours or reset_minutes")
		}
		expiry = local.Add(time.Duration(minutes) * time.Minute)
	case ModeSameDay:
		expiry = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	default:
		return time.Time{}, fmt.Errorf("unknown reset_mode %q", p.Mode)
	}
	return expiry.UTC(), nil
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	h, m, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || len(m) != 2 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
