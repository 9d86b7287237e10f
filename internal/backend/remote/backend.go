package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/runoshun/foreman/internal/buffer"
	"github.com/runoshun/foreman/internal/domain"
)

// pollInterval is the fixed delay between session polls.
const pollInterval = 5 * time.Second

// API is the provider surface the poll loop depends on.
type API interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListActivities(ctx context.Context, sessionID, fromToken string) (*ActivityPage, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// StateHandler observes derived session state changes.
type StateHandler func(taskID int, state SessionState)

// Backend runs tasks as remote cloud sessions.
type Backend struct {
	out       *buffer.Buffer
	config    domain.ConfigLoader
	syncs     domain.SyncStateRepository
	logger    domain.Logger
	onState   StateHandler
	clientFor func(domain.RemoteConfig) API
	polls     map[int]*poll
	interval  time.Duration
	mu        sync.Mutex
}

type poll struct {
	cancel  context.CancelFunc
	history []Activity
	paused  bool
	stopped bool
}

// New creates a remote polling backend.
func New(out *buffer.Buffer, config domain.ConfigLoader, syncs domain.SyncStateRepository, logger domain.Logger) *Backend {
	return &Backend{
		out:       out,
		config:    config,
		syncs:     syncs,
		logger:    logger,
		clientFor: func(cfg domain.RemoteConfig) API { return NewClient(cfg) },
		polls:     make(map[int]*poll),
		interval:  pollInterval,
	}
}

var _ domain.Backend = (*Backend)(nil)

// SetStateHandler registers the observer for derived state changes. Must
// be called before the first Execute.
func (b *Backend) SetStateHandler(h StateHandler) {
	b.onState = h
}

// Service returns the service type this backend handles.
func (b *Backend) Service() domain.Service {
	return domain.ServiceRemote
}

// Capabilities reports no true suspend: pausing only stops polling, the
// remote session keeps working.
func (b *Backend) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsSuspend: false}
}

// Execute creates (or re-attaches to) a cloud session and polls it until
// completion, a fatal provider error, a stop, or context cancellation.
func (b *Backend) Execute(ctx context.Context, task *domain.Task) (*domain.ExecResult, error) {
	cfg, err := b.config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(domain.ServiceRemote); err != nil {
		return nil, err
	}
	client := b.clientFor(cfg.Remote)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &poll{cancel: cancel}
	b.mu.Lock()
	b.polls[task.ID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.polls, task.ID)
		b.mu.Unlock()
	}()

	sessionID := task.Params.SessionID
	if sessionID == "" {
		sess, err := client.CreateSession(runCtx, CreateSessionRequest{
			Prompt:          task.Description,
			Source:          cfg.Remote.Source,
			Automation:      task.AgentType == domain.AgentAutonomous,
			RequireApproval: task.AgentType == domain.AgentFeature,
		})
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
		b.logger.Info(task.ID, "remote", "session created: "+sessionID)
	} else {
		b.logger.Info(task.ID, "remote", "re-attached to session: "+sessionID)
	}

	res := &domain.ExecResult{SessionID: sessionID}
	var lastState SessionState

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		if done := b.tick(runCtx, client, task.ID, sessionID, &lastState, res); done {
			return res, nil
		}
		select {
		case <-ticker.C:
		case <-runCtx.Done():
			b.mu.Lock()
			stopped := p.stopped
			b.mu.Unlock()
			if stopped {
				// Best-effort remote cancel on user stop.
				cancelCtx, cancelDone := context.WithTimeout(context.Background(), 10*time.Second)
				if err := client.CancelSession(cancelCtx, sessionID); err != nil {
					b.logger.Warn(task.ID, "remote", "cancel session: "+err.Error())
				}
				cancelDone()
			}
			res.Canceled = true
			return res, nil
		}
	}
}

// tick performs one poll cycle. Returns true when polling must stop.
func (b *Backend) tick(ctx context.Context, client API, taskID int, sessionID string, lastState *SessionState, res *domain.ExecResult) bool {
	b.mu.Lock()
	p := b.polls[taskID]
	skip := p == nil || p.paused
	b.mu.Unlock()
	if skip {
		return false
	}

	sess, err := client.GetSession(ctx, sessionID)
	if err != nil {
		return b.classifyPollError(taskID, err, res)
	}

	activities, err := b.syncActivities(ctx, client, p, taskID, sessionID)
	if err != nil {
		return b.classifyPollError(taskID, err, res)
	}

	state := DeriveState(sess, activities)
	if state != *lastState {
		*lastState = state
		b.logger.Info(taskID, "remote", "session state: "+string(state))
		if b.onState != nil {
			b.onState(taskID, state)
		}
	}

	switch state {
	case StateCompleted:
		res.Success = true
		for _, a := range sess.Artifacts {
			b.out.Append(taskID, fmt.Sprintf("\n[Artifact: %s %s]\n", a.Kind, a.URL), domain.StreamPrimary)
		}
		return true
	case StateFailed:
		res.Err = "remote session failed"
		return true
	}
	return false
}

// classifyPollError stops polling on fatal provider errors and keeps
// going on anything transient.
func (b *Backend) classifyPollError(taskID int, err error, res *domain.ExecResult) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Fatal() {
		b.logger.Error(taskID, "remote", "fatal poll error: "+err.Error())
		res.Err = err.Error()
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	b.logger.Warn(taskID, "remote", "transient poll error: "+err.Error())
	return false
}

// syncActivities fetches new activity records and appends them to the
// buffer. The stored token and count decide between an incremental fetch
// from the token and a full refetch (token missing, in-memory history out
// of step after a re-attach, or count mismatch with the server). Returns
// the full known history for state inference.
func (b *Backend) syncActivities(ctx context.Context, client API, p *poll, taskID int, sessionID string) ([]Activity, error) {
	state, err := b.syncs.LoadSyncState(taskID)
	if err != nil {
		b.logger.Warn(taskID, "remote", "load sync state: "+err.Error())
		state = domain.SyncState{}
	}

	if state.Token != "" && len(p.history) == state.Count {
		page, err := client.ListActivities(ctx, sessionID, state.Token)
		if err != nil {
			return nil, err
		}
		if page.Total == state.Count+len(page.Activities) {
			b.appendActivities(taskID, page.Activities)
			p.history = append(p.history, page.Activities...)
			if len(page.Activities) > 0 {
				state.Count = len(p.history)
				state.Token = page.NextToken
				b.saveSyncState(taskID, state)
			}
			return p.history, nil
		}
		// Local bookkeeping diverged from the server.
		b.logger.Warn(taskID, "remote", fmt.Sprintf("activity count mismatch (local %d, server %d), refetching", state.Count, page.Total))
	}

	page, err := client.ListActivities(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	all := page.Activities
	if state.Count < len(all) {
		// Lines before the stored count were already captured in an
		// earlier run of this task.
		b.appendActivities(taskID, all[state.Count:])
	}
	p.history = all
	b.saveSyncState(taskID, domain.SyncState{Token: page.NextToken, Count: len(all)})
	return all, nil
}

func (b *Backend) appendActivities(taskID int, activities []Activity) {
	for _, a := range activities {
		text := a.Text
		if text == "" {
			text = "[" + a.Kind + "]"
		}
		b.out.Append(taskID, text+"\n", domain.StreamPrimary)
	}
}

func (b *Backend) saveSyncState(taskID int, state domain.SyncState) {
	if err := b.syncs.SaveSyncState(taskID, state); err != nil {
		b.logger.Warn(taskID, "remote", "save sync state: "+err.Error())
	}
}

// Pause suspends polling; the remote session keeps working upstream.
func (b *Backend) Pause(taskID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.polls[taskID]; ok {
		p.paused = true
	}
	return nil
}

// Resume restarts polling.
func (b *Backend) Resume(taskID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.polls[taskID]; ok {
		p.paused = false
	}
	return nil
}

// Stop ends the poll loop and requests remote cancellation.
func (b *Backend) Stop(taskID int) error {
	b.mu.Lock()
	p, ok := b.polls[taskID]
	if ok {
		p.stopped = true
		p.paused = false
	}
	b.mu.Unlock()
	if ok {
		p.cancel()
	}
	return nil
}
