package gatekeeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseInstant(t *testing.T) {
	assert := assert.New(t)

	want := InstantOf(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	fixtures := []string{
		"2025-03-01T12:00:00Z",
		"2025-03-01T12:00:00.000Z",
		"2025-03-01T14:00:00+02:00",
		"2025-03-01T07:00:00-05:00",
		// no zone: interpreted as UTC, never as host-local
		"2025-03-01T12:00:00",
		"2025-03-01 12:00:00",
		"1740830400",
	}
	for _, raw := range fixtures {
		got, err := ParseInstant(raw)
		assert.NoError(err, raw)
		assert.Equal(want, got, raw)
		assert.Equal(time.UTC, got.Time().Location(), raw)
	}

	for _, raw := range []string{"", "   ", "soon", "not-a-date"} {
		_, err := ParseInstant(raw)
		assert.Error(err, raw)
	}

	// abbreviations with no known offset must not be read as UTC
	for _, raw := range []string{
		"2025-01-01 10:00:00 PST",
		"2025-01-01T10:00:00 EST",
		"Wed, 01 Jan 2025 10:00:00 MST",
	} {
		got, err := ParseInstant(raw)
		assert.Error(err, raw)
		assert.True(got.IsZero(), raw)
	}

	for _, raw := range []string{"2025-03-01 12:00:00 UTC", "Sat, 01 Mar 2025 12:00:00 GMT"} {
		got, err := ParseInstant(raw)
		assert.NoError(err, raw)
		assert.Equal(want, got, raw)
	}
}

func TestInstantArithmetic(t *testing.T) {
	assert := assert.New(t)

	var zero Instant
	assert.True(zero.IsZero())
	assert.True(zero.Time().IsZero())
	assert.Equal("", zero.String())
	assert.Equal(Instant(0), InstantOf(time.Time{}))

	base := InstantOf(time.Date(2025, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600)))
	later := base.Add(90 * time.Second)
	assert.Equal(90*time.Second, later.Sub(base))
	assert.True(base.Before(later))
	assert.True(later.After(base))
	assert.Equal("2024-12-31T23:00:00Z", base.String())
}

func TestSubjectKey(t *testing.T) {
	assert := assert.New(t)

	s := Subject{ChatID: -100123, UserID: 42}
	assert.Equal("-100123:42", s.Key())

	parsed, err := ParseSubject(s.Key())
	assert.NoError(err)
	assert.Equal(s, parsed)

	_, err = ParseSubject("nope")
	assert.Error(err)
	_, err = ParseSubject("1:x")
	assert.Error(err)
}
