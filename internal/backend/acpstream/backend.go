// Package acpstream executes tasks over an in-process ACP (Agent Client
// Protocol) connection: the agent process is spoken to over stdio and its
// session updates stream straight into the output buffer.
package acpstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/runoshun/foreman/internal/buffer"
	"github.com/runoshun/foreman/internal/domain"
)

// pausePollInterval bounds the sleep between pause-flag checks. Pausing
// only suspends local consumption; the upstream call keeps running
// (documented trade-off, SupportsSuspend stays false).
const pausePollInterval = 250 * time.Millisecond

// Backend drives ACP agent sessions.
type Backend struct {
	out      *buffer.Buffer
	config   domain.ConfigLoader
	logger   domain.Logger
	sessions map[int]*session
	mu       sync.Mutex
}

// costRe extracts the running total from result payloads embedded in the
// stream, e.g. {"type":"result","total_cost_usd":0.42,...}. The agent
// reports a running total, so the last occurrence wins.
var costRe = regexp.MustCompile(`"total_cost_usd"\s*:\s*([0-9]+(?:\.[0-9]+)?)`)

type session struct {
	cancel  context.CancelFunc
	costUSD float64
	paused  bool
	stopped bool
}

// New creates an ACP streaming backend.
func New(out *buffer.Buffer, config domain.ConfigLoader, logger domain.Logger) *Backend {
	return &Backend{
		out:      out,
		config:   config,
		logger:   logger,
		sessions: make(map[int]*session),
	}
}

// Ensure Backend implements domain.Backend.
var _ domain.Backend = (*Backend)(nil)

// Service returns the service type this backend handles.
func (b *Backend) Service() domain.Service {
	return domain.ServiceACP
}

// Capabilities reports no true suspend: pause only stops forwarding.
func (b *Backend) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsSuspend: false}
}

// Execute runs one ACP session for the task and blocks until the prompt
// turn finishes, the session is stopped, or the context is canceled.
func (b *Backend) Execute(ctx context.Context, task *domain.Task) (*domain.ExecResult, error) {
	cfg, err := b.config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(domain.ServiceACP); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{cancel: cancel}
	b.mu.Lock()
	b.sessions[task.ID] = sess
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, task.ID)
		b.mu.Unlock()
	}()

	parts := strings.Fields(cfg.ACP.Command)
	// #nosec G204 - agent command comes from validated configuration
	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Dir = task.Project
	cmd.Env = agentEnv(cfg.ACP.Env, task.Params.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrProcessSpawnFailed)
	}
	procDone := make(chan error, 1)
	go func() { procDone <- cmd.Wait() }()
	defer func() {
		cancel()
		<-procDone
	}()

	client := &streamClient{backend: b, taskID: task.ID, sess: sess}
	conn := acpsdk.NewClientSideConnection(client, stdin, stdout)

	if _, err := conn.Initialize(runCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs:       acpsdk.FileSystemCapability{ReadTextFile: false, WriteTextFile: false},
			Terminal: false,
		},
	}); err != nil {
		return nil, fmt.Errorf("acp initialize: %w", err)
	}

	newSess, err := conn.NewSession(runCtx, acpsdk.NewSessionRequest{
		Cwd:        task.Project,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return nil, fmt.Errorf("acp new session: %w", err)
	}
	sessionID := string(newSess.SessionId)
	b.logger.Info(task.ID, "acp", "session started: "+sessionID)

	resp, err := conn.Prompt(runCtx, acpsdk.PromptRequest{
		SessionId: newSess.SessionId,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(buildPrompt(task))},
	})

	b.mu.Lock()
	stopped := sess.stopped
	costUSD := sess.costUSD
	b.mu.Unlock()
	res := &domain.ExecResult{SessionID: sessionID, CostMetric: costUSD}

	switch {
	case stopped || errors.Is(err, context.Canceled) || runCtx.Err() != nil:
		// A user stop or context cancel must never read as failure.
		res.Canceled = true
	case err != nil:
		res.Err = err.Error()
	case resp.StopReason == acpsdk.StopReasonEndTurn:
		res.Success = true
	default:
		res.Err = fmt.Sprintf("session ended early: %s", resp.StopReason)
	}
	return res, nil
}

// forward delivers one chunk of agent output, honoring the cooperative
// pause flag with a bounded sleep (no tight spin). Cost totals reported
// in result payloads are tracked as they stream by.
func (b *Backend) forward(taskID int, sess *session, content string, stream domain.Stream) {
	for {
		b.mu.Lock()
		paused, stopped := sess.paused, sess.stopped
		b.mu.Unlock()
		if !paused || stopped {
			break
		}
		time.Sleep(pausePollInterval)
	}
	if ms := costRe.FindAllStringSubmatch(content, -1); len(ms) > 0 {
		if v, err := strconv.ParseFloat(ms[len(ms)-1][1], 64); err == nil {
			b.mu.Lock()
			sess.costUSD = v
			b.mu.Unlock()
		}
	}
	b.out.Append(taskID, content, stream)
}

// Pause sets the cooperative pause flag; consumption suspends, the
// upstream call keeps running.
func (b *Backend) Pause(taskID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sess, ok := b.sessions[taskID]; ok {
		sess.paused = true
	}
	return nil
}

// Resume clears the pause flag.
func (b *Backend) Resume(taskID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sess, ok := b.sessions[taskID]; ok {
		sess.paused = false
	}
	return nil
}

// Stop resumes consumption first so cancellation can be observed, then
// triggers the cancel token.
func (b *Backend) Stop(taskID int) error {
	b.mu.Lock()
	sess, ok := b.sessions[taskID]
	if ok {
		sess.paused = false
		sess.stopped = true
	}
	b.mu.Unlock()
	if ok {
		sess.cancel()
	}
	return nil
}

// buildPrompt renders the task into the session's opening prompt,
// including tool constraints and plan continuation context when
// re-queued after a decision.
func buildPrompt(task *domain.Task) string {
	var sb strings.Builder
	sb.WriteString(task.Description)
	if len(task.Params.AllowedTools) > 0 {
		sb.WriteString("\n\nOnly use these tools: ")
		sb.WriteString(strings.Join(task.Params.AllowedTools, ", "))
		sb.WriteString(".")
	}
	if len(task.Params.DisallowedTools) > 0 {
		sb.WriteString("\n\nNever use these tools: ")
		sb.WriteString(strings.Join(task.Params.DisallowedTools, ", "))
		sb.WriteString(".")
	}
	if task.Params.ApprovedPlan != "" {
		sb.WriteString("\n\nThe following plan has been approved. Implement it:\n\n")
		sb.WriteString(task.Params.ApprovedPlan)
	}
	if task.Params.RejectedPlan != "" {
		sb.WriteString("\n\nYour previous plan was rejected:\n\n")
		sb.WriteString(task.Params.RejectedPlan)
		sb.WriteString("\n\nFeedback:\n")
		sb.WriteString(task.Params.Feedback)
		sb.WriteString("\n\nGenerate a revised plan incorporating the feedback.")
	}
	return sb.String()
}

// agentEnv merges agent config env and task overrides over the base
// process environment. Task-level wins.
func agentEnv(agent, task map[string]string) []string {
	env := os.Environ()
	for _, layer := range []map[string]string{agent, task} {
		for k, v := range layer {
			env = append(env, k+"="+v)
		}
	}
	return env
}
