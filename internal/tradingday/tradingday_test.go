package tradingday

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prague(t *testing.T) *time.Location {
	t.Helper()
	loc, err := LoadLocation("")
	require.NoError(t, err)
	return loc
}

func utc(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return ts
}

func TestForStraddlesLocalMidnightAcrossDST(t *testing.T) {
	loc := prague(t)

	testCases := []struct {
		name   string
		before time.Time // 23:59 local
		after  time.Time // 00:01 local, next day
		dayA   string
		dayB   string
	}{
		{
			// CET (+01:00) evening before clocks go forward on 2026-03-29.
			name:   "march_eve_of_transition",
			before: utc("2026-03-28T22:59:00Z"),
			after:  utc("2026-03-28T23:01:00Z"),
			dayA:   "2026-03-28",
			dayB:   "2026-03-29",
		},
		{
			// First midnight after the spring transition, now CEST (+02:00).
			name:   "march_after_transition",
			before: utc("2026-03-29T21:59:00Z"),
			after:  utc("2026-03-29T22:01:00Z"),
			dayA:   "2026-03-29",
			dayB:   "2026-03-30",
		},
		{
			// CEST evening before clocks go back on 2026-10-25.
			name:   "october_eve_of_transition",
			before: utc("2026-10-24T21:59:00Z"),
			after:  utc("2026-10-24T22:01:00Z"),
			dayA:   "2026-10-24",
			dayB:   "2026-10-25",
		},
		{
			// First midnight after the autumn transition, back on CET.
			name:   "october_after_transition",
			before: utc("2026-10-25T22:59:00Z"),
			after:  utc("2026-10-25T23:01:00Z"),
			dayA:   "2026-10-25",
			dayB:   "2026-10-26",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Both instants share a UTC calendar date.
			assert.Equal(t, tc.before.UTC().Format(layout), tc.after.UTC().Format(layout))

			a := For(tc.before, loc)
			b := For(tc.after, loc)
			assert.Equal(t, tc.dayA, a.String())
			assert.Equal(t, tc.dayB, b.String())
			assert.NotEqual(t, a, b)
		})
	}
}

func TestForIgnoresHostTimezone(t *testing.T) {
	loc := prague(t)
	instant := utc("2026-10-24T22:01:00Z")

	orig := time.Local
	defer func() { time.Local = orig }()

	for _, host := range []string{"UTC", "America/New_York", "Asia/Tokyo"} {
		hostLoc, err := time.LoadLocation(host)
		require.NoError(t, err)
		time.Local = hostLoc
		assert.Equal(t, "2026-10-25", For(instant.Local(), loc).String(), host)
	}
}

func TestForDiffersFromFixedOffsetInSummer(t *testing.T) {
	loc := prague(t)
	fixed := time.FixedZone("CET", 3600)
	instant := utc("2026-07-01T22:30:00Z")

	assert.Equal(t, "2026-07-02", For(instant, loc).String())
	assert.Equal(t, "2026-07-01", For(instant, fixed).String())
}

func TestParseDayAndArithmetic(t *testing.T) {
	d, err := ParseDay("2026-02-28")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", d.Next().String())
	assert.Equal(t, "2026-02-27", d.Prev().String())
	assert.True(t, d.Before(d.Next()))
	assert.Equal(t, 0, d.Compare(Day{Year: 2026, Month: time.February, Day: 28}))

	_, err = ParseDay("2026-13-01")
	assert.Error(t, err)
	_, err = ParseDay("../etc")
	assert.Error(t, err)
}

func TestDayJSONRoundTrip(t *testing.T) {
	in := map[string]Day{"day": {Year: 2026, Month: time.March, Day: 29}}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"day":"2026-03-29"}`, string(b))

	var out map[string]Day
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestMidnightHelpers(t *testing.T) {
	loc := prague(t)

	// 2026-03-28 23:50 CET; the next midnight is 10 minutes away even though
	// the clocks change later that night.
	now := utc("2026-03-28T22:50:00Z")
	assert.Equal(t, utc("2026-03-28T23:00:00Z"), NextMidnight(now, loc).UTC())
	assert.Equal(t, 10, MinutesUntilMidnight(now, loc))
	assert.True(t, InMidnightWindow(now, loc, 15))
	assert.False(t, InMidnightWindow(now, loc, 5))
	assert.False(t, InMidnightWindow(now, loc, 0))
}

func TestRange(t *testing.T) {
	first, _ := ParseDay("2026-10-24")
	last, _ := ParseDay("2026-10-26")
	got := Range(first, last)
	require.Len(t, got, 3)
	assert.Equal(t, "2026-10-25", got[1].String())
	assert.Nil(t, Range(last, first))
}
