package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanner_DetectsEachKind(t *testing.T) {
	s := NewScanner()

	markers := s.Feed(
		"thinking...\nFOREMAN_PLAN_AWAITING_APPROVAL\n" +
			"FOREMAN_TASK_START: T001\nwork work\n" +
			"FOREMAN_TASK_COMPLETE: T001\n" +
			"FOREMAN_PHASE_COMPLETE: Setup\n")

	require.Len(t, markers, 4)
	assert.Equal(t, MarkerAwaitingApproval, markers[0].Kind)
	assert.Equal(t, Marker{Kind: MarkerTaskStart, Ref: "T001"}, markers[1])
	assert.Equal(t, Marker{Kind: MarkerTaskComplete, Ref: "T001"}, markers[2])
	assert.Equal(t, Marker{Kind: MarkerPhaseComplete, Ref: "Setup"}, markers[3])
}

func TestScanner_MarkerSplitAcrossChunks(t *testing.T) {
	s := NewScanner()

	assert.Empty(t, s.Feed("prelude FOREMAN_TASK_ST"))
	markers := s.Feed("ART: T042 and more text")

	require.Len(t, markers, 1)
	assert.Equal(t, Marker{Kind: MarkerTaskStart, Ref: "T042"}, markers[0])
}

func TestScanner_PhaseLabelSplitAcrossChunks(t *testing.T) {
	s := NewScanner()

	// The label reaches the chunk boundary mid-word; the partial match
	// must not be emitted with a truncated ref.
	assert.Empty(t, s.Feed("FOREMAN_PHASE_COMPLETE: Pha"))
	markers := s.Feed("se 1\ntrailing output")

	require.Len(t, markers, 1)
	assert.Equal(t, Marker{Kind: MarkerPhaseComplete, Ref: "Phase 1"}, markers[0])
	assert.Empty(t, s.Feed("more"), "the completed marker is not re-emitted")
}

func TestScanner_FlushEmitsTrailingPhaseLabel(t *testing.T) {
	s := NewScanner()

	// A label at the very end of the stream stays pending until Flush
	// confirms no more text is coming.
	assert.Empty(t, s.Feed("FOREMAN_PHASE_COMPLETE: Cleanup"))
	markers := s.Flush()

	require.Len(t, markers, 1)
	assert.Equal(t, Marker{Kind: MarkerPhaseComplete, Ref: "Cleanup"}, markers[0])
	assert.Empty(t, s.Flush(), "flush is idempotent")
}

func TestScanner_EmitsEachOccurrenceOnce(t *testing.T) {
	s := NewScanner()

	first := s.Feed("FOREMAN_PLAN_AUTO_APPROVED\n")
	require.Len(t, first, 1)

	// Feeding more text must not re-emit the earlier occurrence, but a
	// second occurrence is a new marker.
	again := s.Feed("more output\nFOREMAN_PLAN_AUTO_APPROVED\n")
	require.Len(t, again, 1)
	assert.Equal(t, MarkerAutoApproved, again[0].Kind)

	assert.Empty(t, s.Feed("trailing text"))
}

func TestScanner_TextIsVerbatim(t *testing.T) {
	s := NewScanner()
	s.Feed("a\x1b[1m")
	s.Feed("b\r\n")
	assert.Equal(t, "a\x1b[1mb\r\n", s.Text())
}

func TestScanner_OrderFollowsStreamPosition(t *testing.T) {
	s := NewScanner()
	markers := s.Feed("FOREMAN_TASK_COMPLETE: T001\nFOREMAN_TASK_START: T002\n")

	require.Len(t, markers, 2)
	assert.Equal(t, MarkerTaskComplete, markers[0].Kind)
	assert.Equal(t, MarkerTaskStart, markers[1].Kind)
}
