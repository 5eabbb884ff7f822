package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone applies when neither the organization nor the config names
// a usable zone.
const DefaultTimezone = "America/New_York"

var ErrInvalidSchedule = errors.New("invalid schedule")

// ZoneResolver turns organization wall-clock schedules into instants.
type ZoneResolver struct {
	fallback     *time.Location
	fallbackName string
}

func NewZoneResolver(defaultZone string) *ZoneResolver {
	name := strings.TrimSpace(defaultZone)
	loc, err := time.LoadLocation(name)
	if name == "" || err != nil {
		name = DefaultTimezone
		loc, err = time.LoadLocation(name)
		if err != nil {
			name, loc = "UTC", time.UTC
		}
	}
	return &ZoneResolver{fallback: loc, fallbackName: name}
}

// Location returns the named zone, or the fallback for empty or unknown names.
func (z *ZoneResolver) Location(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return z.fallback
	}
	if strings.EqualFold(name, "local") {
		return z.fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return z.fallback
	}
	return loc
}

// Offset returns the signed UTC offset ("+02:00") of zone at instant at.
func (z *ZoneResolver) Offset(zone string, at time.Time) string {
	_, seconds := at.In(z.Location(zone)).Zone()
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d:%02d", sign, seconds/3600, (seconds%3600)/60)
}

// ScheduledAt combines a calendar date (YYYY-MM-DD) and an optional
// time of day (HH:MM or HH:MM:SS, midnight when empty) in zone.
func (z *ZoneResolver) ScheduledAt(date, clock, zone string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}, fmt.Errorf("%w: missing scheduled date", ErrInvalidSchedule)
	}
	// date columns sometimes come back as full timestamps
	if len(date) > 10 && date[10] == 'T' {
		date = date[:10]
	}

	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = "00:00:00"
	}

	layout := "2006-01-02 15:04:05"
	if strings.Count(clock, ":") == 1 {
		layout = "2006-01-02 15:04"
	}

	at, err := time.ParseInLocation(layout, date+" "+clock, z.Location(zone))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q %q: %v", ErrInvalidSchedule, date, clock, err)
	}
	return at, nil
}
