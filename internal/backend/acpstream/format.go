package acpstream

import (
	"fmt"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/runoshun/foreman/internal/domain"
)

// formatUpdate renders one session update into a buffer line. Message
// chunks pass through verbatim; structured updates get a bracketed tag
// so the transcript stays readable without the protocol payloads.
func formatUpdate(update acpsdk.SessionUpdate) (string, domain.Stream, bool) {
	switch {
	case update.AgentMessageChunk != nil:
		if t := update.AgentMessageChunk.Content.Text; t != nil {
			return t.Text, domain.StreamPrimary, true
		}
	case update.AgentThoughtChunk != nil:
		if t := update.AgentThoughtChunk.Content.Text; t != nil {
			return t.Text, domain.StreamPrimary, true
		}
	case update.ToolCall != nil:
		title := update.ToolCall.Title
		if title == "" {
			title = "(unnamed)"
		}
		return fmt.Sprintf("\n[Tool: %s]\n", title), domain.StreamPrimary, true
	case update.Plan != nil:
		return "\n[Plan updated]\n", domain.StreamPrimary, true
	}
	return "", domain.StreamPrimary, false
}

// formatPermission renders an auto-answered permission request.
func formatPermission(title, option string) string {
	if title == "" {
		title = "(unnamed)"
	}
	return fmt.Sprintf("\n[Permission: %s -> %s]\n", title, option)
}
