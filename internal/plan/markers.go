// Package plan turns free-form agent output into structured planning state:
// it detects embedded markers incrementally, parses task lists out of
// fenced blocks, and tracks per-phase completion.
package plan

import (
	"regexp"
	"strconv"
	"strings"
)

// MarkerKind identifies one recognized marker family.
type MarkerKind string

const (
	// MarkerAwaitingApproval signals a generated plan that needs a human
	// decision before implementation starts.
	MarkerAwaitingApproval MarkerKind = "plan_awaiting_approval"
	// MarkerAutoApproved signals a generated plan the agent proceeds with.
	MarkerAutoApproved MarkerKind = "plan_auto_approved"
	// MarkerTaskStart signals work starting on sub-task Ref.
	MarkerTaskStart MarkerKind = "task_start"
	// MarkerTaskComplete signals sub-task Ref finished.
	MarkerTaskComplete MarkerKind = "task_complete"
	// MarkerPhaseComplete signals the agent considers phase Ref done.
	MarkerPhaseComplete MarkerKind = "phase_complete"
)

// Marker is one detected occurrence.
type Marker struct {
	Kind MarkerKind
	Ref  string // Sub-task id (T###) or phase label, when the kind carries one
}

// Marker grammar. One pattern per kind, matched against the accumulated
// stream so markers split across chunks are still found.
var (
	reAwaiting      = regexp.MustCompile(`FOREMAN_PLAN_AWAITING_APPROVAL`)
	reAutoApproved  = regexp.MustCompile(`FOREMAN_PLAN_AUTO_APPROVED`)
	reTaskStart     = regexp.MustCompile(`FOREMAN_TASK_START:\s*(T\d{3})`)
	reTaskComplete  = regexp.MustCompile(`FOREMAN_TASK_COMPLETE:\s*(T\d{3})`)
	rePhaseComplete = regexp.MustCompile(`FOREMAN_PHASE_COMPLETE:\s*([^\r\n]+)`)
)

type pattern struct {
	re   *regexp.Regexp
	kind MarkerKind
}

var grammar = []pattern{
	{reAwaiting, MarkerAwaitingApproval},
	{reAutoApproved, MarkerAutoApproved},
	{reTaskStart, MarkerTaskStart},
	{reTaskComplete, MarkerTaskComplete},
	{rePhaseComplete, MarkerPhaseComplete},
}

// Scanner accumulates streamed text and emits each marker exactly once.
// It is decoupled from the backend producing the text, so any backend can
// drive the same planning state machine.
type Scanner struct {
	buf     strings.Builder
	emitted map[string]struct{}
}

// NewScanner creates an empty Scanner.
func NewScanner() *Scanner {
	return &Scanner{emitted: make(map[string]struct{})}
}

// Feed appends a chunk and returns markers newly detected, in the order
// they appear in the accumulated text.
func (s *Scanner) Feed(chunk string) []Marker {
	s.buf.WriteString(chunk)
	return s.scan(false)
}

// Flush returns markers still held back at the buffer tail. Call it when
// the stream has closed and no further text can arrive.
func (s *Scanner) Flush() []Marker {
	return s.scan(true)
}

func (s *Scanner) scan(final bool) []Marker {
	text := s.buf.String()

	type hit struct {
		m   Marker
		pos int
		key string
	}
	var hits []hit
	for _, p := range grammar {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			// A phase label is open-ended, so a match reaching the buffer
			// tail may still grow in a later chunk. Hold it back until a
			// newline terminates it or the stream closes.
			if !final && p.kind == MarkerPhaseComplete && loc[1] == len(text) {
				continue
			}
			m := Marker{Kind: p.kind}
			if len(loc) >= 4 && loc[2] >= 0 {
				m.Ref = strings.TrimSpace(text[loc[2]:loc[3]])
			}
			key := markerKey(p.kind, loc[0])
			if _, done := s.emitted[key]; done {
				continue
			}
			hits = append(hits, hit{m: m, pos: loc[0], key: key})
		}
	}

	// Order by position in the stream.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	out := make([]Marker, 0, len(hits))
	for _, h := range hits {
		s.emitted[h.key] = struct{}{}
		out = append(out, h.m)
	}
	return out
}

// Text returns everything fed so far, verbatim. Plan content is stored
// from this, so the scanner never normalizes its input.
func (s *Scanner) Text() string {
	return s.buf.String()
}

func markerKey(kind MarkerKind, pos int) string {
	return string(kind) + "@" + strconv.Itoa(pos)
}
