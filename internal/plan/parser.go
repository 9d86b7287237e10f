package plan

import (
	"regexp"
	"strings"

	"github.com/runoshun/foreman/internal/domain"
)

// Task list lines inside a fenced block:
//
//	## Phase: Setup
//	- [ ] T001: Create the config loader | File: internal/config/loader.go
//	- [ ] T002: Wire validation
//
// The File part is optional; phase headers are optional.
var (
	reTaskLine    = regexp.MustCompile(`^-\s*\[\s*\]\s*(T\d{3}):\s*(.+?)(?:\s*\|\s*File:\s*(\S+))?\s*$`)
	rePhaseHeader = regexp.MustCompile(`^##\s*(?:Phase:\s*)?(.+?)\s*$`)
)

// ParseTasks extracts the sub-task list from a generated plan. Only lines
// inside the first fenced block are considered; content outside fences is
// free-form prose. Returns nil when no task block is present.
func ParseTasks(content string) []domain.PlanTask {
	block, ok := fencedBlock(content)
	if !ok {
		// Some agents emit the list without fences; fall back to the
		// whole text so a well-formed list is still recognized.
		block = content
	}

	var tasks []domain.PlanTask
	phase := ""
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if m := rePhaseHeader.FindStringSubmatch(trimmed); m != nil {
			phase = m[1]
			continue
		}
		m := reTaskLine.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		tasks = append(tasks, domain.PlanTask{
			ID:          m[1],
			Description: strings.TrimSpace(m[2]),
			File:        m[3],
			Phase:       phase,
			Status:      domain.PlanTaskPending,
		})
	}
	return tasks
}

// fencedBlock returns the content of the first ``` fenced block.
func fencedBlock(content string) (string, bool) {
	start := strings.Index(content, "```")
	if start < 0 {
		return "", false
	}
	// Skip the info string on the opening fence line.
	rest := content[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return rest, true
	}
	return rest[:end], true
}
