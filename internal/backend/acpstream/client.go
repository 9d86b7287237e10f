package acpstream

import (
	"context"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/runoshun/foreman/internal/domain"
)

// streamClient receives agent-side notifications and turns them into
// output lines. Runs headless: permission requests are auto-answered
// with the first offered option so unattended sessions never block.
type streamClient struct {
	backend *Backend
	sess    *session
	taskID  int
}

var _ acpsdk.Client = (*streamClient)(nil)

func (c *streamClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	if line, stream, ok := formatUpdate(params.Update); ok {
		c.backend.forward(c.taskID, c.sess, line, stream)
	}
	return nil
}

func (c *streamClient) RequestPermission(ctx context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	title := ""
	if params.ToolCall.Title != nil {
		title = *params.ToolCall.Title
	}
	c.backend.logger.Info(c.taskID, "acp", "permission requested: "+title)

	c.backend.mu.Lock()
	stopped := c.sess.stopped
	c.backend.mu.Unlock()
	if stopped || ctx.Err() != nil || len(params.Options) == 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.RequestPermissionOutcome{
				Cancelled: &acpsdk.RequestPermissionOutcomeCancelled{Outcome: "cancelled"},
			},
		}, nil
	}

	opt := params.Options[0]
	c.backend.forward(c.taskID, c.sess, formatPermission(title, opt.Name), domain.StreamPrimary)
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Selected: &acpsdk.RequestPermissionOutcomeSelected{
				OptionId: opt.OptionId,
				Outcome:  "selected",
			},
		},
	}, nil
}

func (c *streamClient) WriteTextFile(_ context.Context, _ acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, acpsdk.NewMethodNotFound(acpsdk.ClientMethodFsWriteTextFile)
}

func (c *streamClient) ReadTextFile(_ context.Context, _ acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, acpsdk.NewMethodNotFound(acpsdk.ClientMethodFsReadTextFile)
}

func (c *streamClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, acpsdk.NewMethodNotFound(acpsdk.ClientMethodTerminalCreate)
}

func (c *streamClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, acpsdk.NewMethodNotFound(acpsdk.ClientMethodTerminalOutput)
}

func (c *streamClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, acpsdk.NewMethodNotFound(acpsdk.ClientMethodTerminalRelease)
}

func (c *streamClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, acpsdk.NewMethodNotFound(acpsdk.ClientMethodTerminalWaitForExit)
}

func (c *streamClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, acpsdk.NewMethodNotFound(acpsdk.ClientMethodTerminalKill)
}
