// Package workspace derives the client's view of the service from session
// events and poll results, and starts and stops the pollers that feed it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/auth"
	"github.com/csheth/kbchat/internal/poller"
)

const healthKey = "health"

// Client is the part of api.Client the engine drives.
type Client interface {
	Health(ctx context.Context) (api.Health, error)
	Projects(ctx context.Context, token string) ([]api.Project, error)
	CreateProject(ctx context.Context, token, name string) (api.Project, error)
	RenameProject(ctx context.Context, token, projectID, name string) (api.Project, error)
	DeleteProject(ctx context.Context, token, projectID string) error
	ProcessProject(ctx context.Context, token, projectID string) (api.Project, error)
	Progress(ctx context.Context, token, projectID string) (api.ProgressSnapshot, error)
	Documents(ctx context.Context, token, projectID string) ([]api.Document, error)
	UploadDocuments(ctx context.Context, token, projectID string, files []api.Upload) ([]api.Document, error)
	DeleteDocument(ctx context.Context, token, projectID, documentID string) error
}

// Session is the read side of auth.Manager.
type Session interface {
	Session() (auth.Session, bool)
	Subscribe() (<-chan auth.Event, func())
}

// Conversation follows the selected project. Bind must not block; Reload
// fetches whatever project is bound when it runs.
type Conversation interface {
	Bind(projectID string)
	Reload(ctx context.Context) error
	Reset()
}

// Citations are dropped on sign out.
type Citations interface {
	Reset()
}

// Intervals are the poll delays.
type Intervals struct {
	Health   time.Duration
	Projects time.Duration
	Progress time.Duration
}

// DefaultIntervals match the service's expected refresh cadence.
var DefaultIntervals = Intervals{
	Health:   2 * time.Second,
	Projects: 3 * time.Second,
	Progress: 2 * time.Second,
}

// Config wires an Engine.
type Config struct {
	Client       Client
	Session      Session
	Conversation Conversation
	Citations    Citations
	Intervals    Intervals
	Logger       *zap.Logger
}

// ErrNoSelection is returned by document calls before a project is selected.
var ErrNoSelection = errors.New("workspace: no project selected")

// HealthContinues keeps the health poller running until the service is healthy.
func HealthContinues(h api.Health) bool {
	return h.Status != api.HealthHealthy
}

// ProgressContinues keeps the progress poller running while the pipeline works.
func ProgressContinues(p api.ProgressSnapshot) bool {
	return p.Status == api.ProjectProcessing
}

// ProjectsContinue keeps the project poller running while any project is processing.
func ProjectsContinue(projects []api.Project) bool {
	for _, p := range projects {
		if p.Status == api.ProjectProcessing {
			return true
		}
	}
	return false
}

// Engine is the only writer of State. Poll results, session events and
// user actions all funnel through it.
type Engine struct {
	client  Client
	session Session
	conv    Conversation
	cites   Citations
	log     *zap.Logger

	health   *poller.Poller[string, api.Health]
	projects *poller.Poller[string, []api.Project]
	progress *poller.Poller[string, api.ProgressSnapshot]

	// selMu orders selection changes with the conversation binding.
	selMu sync.Mutex

	mu      sync.Mutex
	state   State
	runCtx  context.Context
	closed  bool
	tasks   sync.WaitGroup
	updates chan struct{}
}

// New builds an Engine. Call Run to start polling.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	iv := cfg.Intervals
	if iv.Health <= 0 {
		iv.Health = DefaultIntervals.Health
	}
	if iv.Projects <= 0 {
		iv.Projects = DefaultIntervals.Projects
	}
	if iv.Progress <= 0 {
		iv.Progress = DefaultIntervals.Progress
	}
	e := &Engine{
		client:  cfg.Client,
		session: cfg.Session,
		conv:    cfg.Conversation,
		cites:   cfg.Citations,
		log:     logger.Named("workspace"),
		runCtx:  context.Background(),
		updates: make(chan struct{}, 1),
	}
	e.health = poller.New(poller.Config[string, api.Health]{
		Name: "health",
		Fetch: func(ctx context.Context, _ string, _ string) (api.Health, error) {
			return e.client.Health(ctx)
		},
		Continue: HealthContinues,
		Interval: iv.Health,
		OnResult: e.onHealth,
		Logger:   logger,
	})
	e.projects = poller.New(poller.Config[string, []api.Project]{
		Name: "projects",
		Fetch: func(ctx context.Context, token string, _ string) ([]api.Project, error) {
			return e.client.Projects(ctx, token)
		},
		Continue: ProjectsContinue,
		Interval: iv.Projects,
		OnResult: e.onProjects,
		Logger:   logger,
	})
	e.progress = poller.New(poller.Config[string, api.ProgressSnapshot]{
		Name:     "progress",
		Fetch:    e.client.Progress,
		Continue: ProgressContinues,
		Interval: iv.Progress,
		OnResult: e.onProgress,
		Logger:   logger,
	})
	return e
}

// Updates signals state changes. Signals coalesce; read State after each.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// Notify wakes Updates readers. Other components whose state is rendered
// next to the engine's (the transcript) call it on change.
func (e *Engine) Notify() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// State returns a copy of the current view.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state.clone()
	s.Polling = Polling{
		Health:   e.health.Active(),
		Projects: e.projects.Active(),
		Progress: e.progress.Active(),
	}
	return s
}

// Run drives the pollers and reacts to session events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	events, cancel := e.session.Subscribe()
	defer cancel()

	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.health.Run(gctx) })
	g.Go(func() error { return e.projects.Run(gctx) })
	g.Go(func() error { return e.progress.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				e.handleSession(ev)
			}
		}
	})

	e.health.Watch("", healthKey)
	if session, ok := e.session.Session(); ok {
		e.signIn(session)
	}

	err := g.Wait()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.tasks.Wait()
	return err
}

// RefreshHealth re-checks service health, e.g. after a failed check.
func (e *Engine) RefreshHealth() {
	if !e.health.Refresh() {
		e.health.Watch("", healthKey)
	}
}

// RefreshProjects re-fetches the project list now.
func (e *Engine) RefreshProjects() {
	token := e.token()
	if token == "" {
		return
	}
	if !e.projects.Watch(token, "") {
		e.projects.Refresh()
	}
}

func (e *Engine) handleSession(ev auth.Event) {
	e.log.Debug("session event", zap.Stringer("kind", ev.Kind))
	switch ev.Kind {
	case auth.SignedIn:
		e.signIn(ev.Session)
	case auth.SignedOut, auth.Expired:
		e.signOut(ev.Kind == auth.Expired)
	}
}

func (e *Engine) signIn(session auth.Session) {
	e.mu.Lock()
	e.state.SignedIn = true
	e.state.Expired = false
	e.state.User = session.User
	selected := e.state.SelectedID
	e.mu.Unlock()

	e.projects.Watch(session.Token, "")
	if selected != "" {
		e.progress.Watch(session.Token, selected)
	}
	e.Notify()
}

func (e *Engine) signOut(expired bool) {
	e.selMu.Lock()
	defer e.selMu.Unlock()
	e.projects.Idle()
	e.progress.Idle()
	if e.conv != nil {
		e.conv.Reset()
	}
	if e.cites != nil {
		e.cites.Reset()
	}

	e.mu.Lock()
	health, healthErr, checked := e.state.Health, e.state.HealthErr, e.state.HealthChecked
	e.state = State{Health: health, HealthErr: healthErr, HealthChecked: checked, Expired: expired}
	e.mu.Unlock()
	e.Notify()
}

func (e *Engine) onHealth(res poller.Result[string, api.Health]) {
	e.mu.Lock()
	e.state.HealthChecked = true
	e.state.HealthErr = res.Err
	if res.Err == nil {
		e.state.Health = res.Value
	}
	e.mu.Unlock()
	e.Notify()
}

func (e *Engine) onProjects(res poller.Result[string, []api.Project]) {
	if res.Err != nil {
		e.mu.Lock()
		e.state.ProjectsErr = res.Err
		e.mu.Unlock()
		e.Notify()
		return
	}

	e.mu.Lock()
	if !e.state.SignedIn {
		e.mu.Unlock()
		return
	}
	prevStatus := ""
	if p, ok := e.state.selected(); ok {
		prevStatus = p.Status
	}
	e.state.Projects = append([]api.Project(nil), res.Value...)
	e.state.ProjectsErr = nil
	e.state.ProjectsLoaded = true

	selected, ok := e.state.selected()
	reselect := !ok
	e.mu.Unlock()

	if reselect {
		e.selectProject(e.firstProjectID())
		return
	}
	if selected.Status == api.ProjectReady && prevStatus != "" && prevStatus != api.ProjectReady {
		e.fetchDocuments(selected.ID)
	}
	if selected.Status == api.ProjectProcessing && !e.progress.Active() {
		e.log.Debug("selected project processing, restarting progress", zap.String("project_id", selected.ID))
		e.watchProgress(selected.ID)
	}
	e.Notify()
}

func (e *Engine) onProgress(res poller.Result[string, api.ProgressSnapshot]) {
	e.mu.Lock()
	if res.Key != e.state.SelectedID {
		e.mu.Unlock()
		return
	}
	if res.Err != nil {
		e.state.ProgressErr = res.Err
		e.mu.Unlock()
		e.Notify()
		return
	}
	prev := e.state.Progress
	snap := res.Value
	e.state.Progress = &snap
	e.state.ProgressErr = nil
	e.mu.Unlock()

	if !snap.Consistent() {
		e.log.Warn("inconsistent progress snapshot",
			zap.String("project_id", snap.ProjectID),
			zap.Int("documents_processed", snap.DocumentsProcessed),
			zap.Int("ready", snap.ReadyCount()))
	}
	finished := snap.Status == api.ProjectReady && (prev == nil || prev.Status != api.ProjectReady)
	advanced := prev != nil && prev.DocumentsProcessed != snap.DocumentsProcessed
	if finished || advanced {
		e.fetchDocuments(res.Key)
	}
	if !ProgressContinues(snap) && !e.projects.Active() {
		// the list still shows the pre-processing status otherwise
		e.RefreshProjects()
	}
	e.Notify()
}

// Select makes projectID the selected project.
func (e *Engine) Select(projectID string) error {
	e.mu.Lock()
	_, ok := e.state.project(projectID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("select project: unknown project %q", projectID)
	}
	e.selectProject(projectID)
	return nil
}

func (e *Engine) selectProject(projectID string) {
	e.selMu.Lock()
	defer e.selMu.Unlock()

	e.mu.Lock()
	if e.state.SelectedID == projectID {
		e.mu.Unlock()
		return
	}
	e.state.SelectedID = projectID
	e.state.Progress = nil
	e.state.ProgressErr = nil
	e.state.Documents = nil
	e.state.DocumentsErr = nil
	e.mu.Unlock()

	e.log.Info("project selected", zap.String("project_id", projectID))
	if projectID == "" {
		e.progress.Idle()
	} else {
		e.watchProgress(projectID)
		e.fetchDocuments(projectID)
	}
	if e.conv != nil {
		e.conv.Bind(projectID)
		e.background(func(ctx context.Context) {
			if err := e.conv.Reload(ctx); err != nil {
				e.log.Warn("load transcript failed", zap.String("project_id", projectID), zap.Error(err))
			}
			e.Notify()
		})
	}
	e.Notify()
}

func (e *Engine) watchProgress(projectID string) {
	token := e.token()
	if token == "" {
		return
	}
	if !e.progress.Watch(token, projectID) {
		e.progress.Refresh()
	}
}

func (e *Engine) fetchDocuments(projectID string) {
	token := e.token()
	if token == "" || projectID == "" {
		return
	}
	e.background(func(ctx context.Context) {
		docs, err := e.client.Documents(ctx, token, projectID)
		e.mu.Lock()
		if e.state.SelectedID != projectID {
			e.mu.Unlock()
			return
		}
		if err != nil {
			e.state.DocumentsErr = err
		} else {
			e.state.Documents = docs
			e.state.DocumentsErr = nil
		}
		e.mu.Unlock()
		e.Notify()
	})
}

// background runs fn on the Run context. It does nothing once Run is
// shutting down.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	ctx := e.runCtx
	if e.closed || ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.tasks.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.tasks.Done()
		fn(ctx)
	}()
}

func (e *Engine) firstProjectID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.state.Projects) == 0 {
		return ""
	}
	return e.state.Projects[0].ID
}

func (e *Engine) token() string {
	if e.session == nil {
		return ""
	}
	session, ok := e.session.Session()
	if !ok {
		return ""
	}
	return session.Token
}
