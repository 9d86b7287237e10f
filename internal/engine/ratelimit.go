package engine

import (
	"regexp"
	"time"
)

// Rate-limit handling constants. The reset-time buffer absorbs clock
// skew between the provider and this process; very long waits get an
// early probe before the full wait elapses.
const (
	rateLimitBuffer    = 60 * time.Second
	rateLimitDefault   = 30 * time.Minute
	rateLimitProbe     = 30 * time.Minute
	detectorBufferMax  = 2000
	detectorBufferKeep = 1000
)

var (
	// resetTimeRe extracts the provider-reported reset timestamp.
	resetTimeRe = regexp.MustCompile(`reset at (\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`)

	// apiErrorRe matches a structured provider error payload carrying a
	// reset time, as it appears embedded in streamed output.
	apiErrorRe = regexp.MustCompile(`"type"\s*:\s*"error".*"message"\s*:\s*"[^"]*reset at \d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)
)

// rateLimitDetector scans streamed output for rate-limit errors. It keeps
// a rolling window of recent text so a payload split across chunks is
// still recognized.
type rateLimitDetector struct {
	window  string
	resetAt time.Time
	hit     bool
}

// Feed appends a chunk and re-scans the rolling window.
func (d *rateLimitDetector) Feed(chunk string) {
	d.window += chunk
	if len(d.window) > detectorBufferMax {
		d.window = d.window[len(d.window)-detectorBufferKeep:]
	}
	if d.hit {
		return
	}
	if !apiErrorRe.MatchString(d.window) {
		return
	}
	d.hit = true
	if m := resetTimeRe.FindStringSubmatch(d.window); m != nil {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", m[1], time.Local); err == nil {
			d.resetAt = t
		}
	}
}

// Limited reports whether a rate-limit error was seen and the provider's
// reset time (zero when the payload carried none that parsed).
func (d *rateLimitDetector) Limited() (time.Time, bool) {
	return d.resetAt, d.hit
}

// rateLimitWait computes how long to wait before resuming: the reported
// reset time plus the buffer, the default when no reset time is known or
// the reported one is already in the past, and never longer than the
// probe interval.
func rateLimitWait(resetAt, now time.Time) time.Duration {
	wait := rateLimitDefault
	if !resetAt.IsZero() {
		if d := resetAt.Add(rateLimitBuffer).Sub(now); d > 0 {
			wait = d
		}
	}
	if wait > rateLimitProbe {
		wait = rateLimitProbe
	}
	return wait
}
