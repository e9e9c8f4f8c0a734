package gatekeeper

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Instant is an absolute point in time, as UTC epoch milliseconds.
//
// Every ingestion path (external fetches, seed files, clocks) converts to an Instant before a value is stored or compared, so zone-less timestamps never meet zone-aware ones. The zero value means "unset".
type Instant int64

func InstantOf(t time.Time) Instant {
	if t.IsZero() {
		return 0
	}
	return Instant(t.UnixMilli())
}

func Now() Instant {
	return InstantOf(time.Now())
}

func (i Instant) IsZero() bool {
	return i == 0
}

// Time returns the instant as a UTC time.Time. The zero Instant returns the zero time.
func (i Instant) Time() time.Time {
	if i == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(i)).UTC()
}

func (i Instant) Add(d time.Duration) Instant {
	return i + Instant(d.Milliseconds())
}

// Sub returns the duration i-j.
func (i Instant) Sub(j Instant) time.Duration {
	return time.Duration(int64(i)-int64(j)) * time.Millisecond
}

func (i Instant) Before(j Instant) bool {
	return i < j
}

func (i Instant) After(j Instant) bool {
	return i > j
}

func (i Instant) String() string {
	if i == 0 {
		return ""
	}
	return i.Time().Format(time.RFC3339Nano)
}

var utcZoneNames = map[string]bool{"": true, "UTC": true, "GMT": true, "Z": true}

// ParseInstant normalizes a timestamp string from an external source.
//
// Timestamps with an explicit offset (including "Z") are converted to UTC. Timestamps without any zone information are interpreted as UTC, deterministically, regardless of the host's local zone. Bare integers are treated as unix epoch values (seconds or milliseconds, by magnitude).
//
// Zone abbreviations other than UTC/GMT ("PST", "EST") are rejected: their offset is ambiguous, and time.ParseInLocation would silently read them as +00:00.
func ParseInstant(raw string) (Instant, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parsing timestamp %q: %w", raw, err)
	}
	if t.IsZero() {
		return 0, fmt.Errorf("parsing timestamp %q: zero time", raw)
	}
	if name, off := t.Zone(); off == 0 && t.Location() != time.Local && !utcZoneNames[name] {
		return 0, fmt.Errorf("parsing timestamp %q: unresolvable zone abbreviation %q", raw, name)
	}
	return InstantOf(t.UTC()), nil
}
