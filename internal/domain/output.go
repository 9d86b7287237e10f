package domain

import "time"

// Stream tags which output channel a line arrived on.
type Stream string

const (
	StreamPrimary Stream = "primary" // stdout / agent messages
	StreamError   Stream = "error"   // stderr / diagnostics
)

// OutputLine is one captured line of backend output.
// Content is stored byte-for-byte as received, including any embedded
// control sequences; no normalization or truncation is applied.
type OutputLine struct {
	Time    time.Time `json:"time"`
	Content string    `json:"content"`
	Stream  Stream    `json:"stream"`
	TaskID  int       `json:"taskId"`
}
