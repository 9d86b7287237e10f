package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const rateLimitPayload = `{"type":"error","message":"usage limit reached, reset at 2026-08-25 14:30:00"}`

func TestRateLimitDetector_MatchesPayload(t *testing.T) {
	var d rateLimitDetector
	d.Feed("normal output\n")
	_, hit := d.Limited()
	assert.False(t, hit)

	d.Feed(rateLimitPayload)
	resetAt, hit := d.Limited()
	assert.True(t, hit)
	want := time.Date(2026, 8, 25, 14, 30, 0, 0, time.Local)
	assert.Equal(t, want, resetAt)
}

func TestRateLimitDetector_SplitAcrossChunks(t *testing.T) {
	var d rateLimitDetector
	mid := len(rateLimitPayload) / 2
	d.Feed(rateLimitPayload[:mid])
	_, hit := d.Limited()
	assert.False(t, hit, "half a payload is not a match")

	d.Feed(rateLimitPayload[mid:])
	_, hit = d.Limited()
	assert.True(t, hit, "rolling window joins the halves")
}

func TestRateLimitDetector_WindowTrim(t *testing.T) {
	var d rateLimitDetector
	d.Feed(strings.Repeat("x", detectorBufferMax+500))
	assert.Equal(t, detectorBufferKeep, len(d.window))

	// A payload arriving after the trim still matches.
	d.Feed(rateLimitPayload)
	_, hit := d.Limited()
	assert.True(t, hit)
}

func TestRateLimitDetector_NoResetTimeWithoutErrorPayload(t *testing.T) {
	var d rateLimitDetector
	d.Feed("the quota will reset at 2026-08-25 14:30:00 according to docs")
	_, hit := d.Limited()
	assert.False(t, hit, "a bare timestamp outside an error payload is ignored")
}

func TestRateLimitWait(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)

	tests := []struct {
		name    string
		resetAt time.Time
		want    time.Duration
	}{
		{"no reset time uses default", time.Time{}, rateLimitDefault},
		{"future reset adds buffer", now.Add(5 * time.Minute), 5*time.Minute + rateLimitBuffer},
		{"past reset falls back to default", now.Add(-10 * time.Minute), rateLimitDefault},
		{"reset just elapsed falls back to default", now.Add(-rateLimitBuffer), rateLimitDefault},
		{"far future capped at probe", now.Add(4 * time.Hour), rateLimitProbe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rateLimitWait(tt.resetAt, now))
		})
	}
}
