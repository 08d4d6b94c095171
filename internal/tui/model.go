// Package tui is the interactive terminal client: a sign-in form, then the
// project sidebar, the conversation transcript and a composer that takes
// questions and slash commands.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/auth"
	"github.com/csheth/kbchat/internal/citation"
	"github.com/csheth/kbchat/internal/conversation"
	"github.com/csheth/kbchat/internal/stream"
	"github.com/csheth/kbchat/internal/workspace"
)

// Workspace is the part of workspace.Engine the UI drives.
type Workspace interface {
	State() workspace.State
	Updates() <-chan struct{}
	Select(projectID string) error
	RefreshHealth()
	RefreshProjects()
	CreateProject(ctx context.Context, name string) (api.Project, error)
	RenameProject(ctx context.Context, projectID, name string) (api.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
	ProcessProject(ctx context.Context, projectID string) error
	UploadDocuments(ctx context.Context, files []api.Upload) ([]api.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// Session signs in and out.
type Session interface {
	Login(ctx context.Context, creds api.Credentials) (auth.Session, error)
	Logout()
}

// Conversation is the transcript of the selected project.
type Conversation interface {
	Snapshot() conversation.Snapshot
	Submit(ctx context.Context, content string, opts conversation.Options) error
}

// Citations resolves citation links.
type Citations interface {
	Resolve(ctx context.Context, projectID, messageID, citationID string) (citation.Target, error)
}

// Previews extracts the text of a cited page. Optional.
type Previews interface {
	Preview(ctx context.Context, target citation.Target, page int) (citation.Preview, error)
}

// Config wires the UI to the rest of the client.
type Config struct {
	Context      context.Context
	Workspace    Workspace
	Session      Session
	Conversation Conversation
	Citations    Citations
	Previews     Previews
	Search       conversation.Options
	Logger       *zap.Logger
}

type workspaceUpdatedMsg struct {
	closed bool
}

type model struct {
	config Config
	jobs   *jobBus
	log    *zap.Logger

	stage    stage
	username textinput.Model
	password textinput.Model
	field    loginField
	composer textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	layout   pageLayout

	state    workspace.State
	snap     conversation.Snapshot
	search   conversation.Options
	preview  *citeResultMsg
	running  map[jobKind]int
	spinning bool

	helpVisible  bool
	infoMessage  string
	errorMessage string
}

// New builds the root bubbletea model.
func New(cfg Config) tea.Model {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	username := textinput.New()
	username.Prompt = composerUsernamePrompt + ": "
	username.CharLimit = 100
	username.Focus()

	password := textinput.New()
	password.Prompt = composerPasswordPrompt + ": "
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'

	composer := textinput.New()
	composer.Prompt = "› "
	composer.Placeholder = composerChatPlaceholder
	composer.CharLimit = 4000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	layout := newPageLayout()
	vp := viewport.New(layout.viewportWidth, layout.viewportHeight)

	m := &model{
		config:   cfg,
		jobs:     newJobBus(cfg.Context, logger),
		log:      logger.Named("tui"),
		stage:    stageLogin,
		username: username,
		password: password,
		composer: composer,
		spinner:  sp,
		viewport: vp,
		layout:   layout,
		search:   cfg.Search,
		running:  map[jobKind]int{},
	}
	m.sync()
	return m
}

func (m *model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.waitForUpdate()}
	if cmd := m.ensureSpinner(); cmd != nil {
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

func (m *model) waitForUpdate() tea.Cmd {
	if m.config.Workspace == nil {
		return nil
	}
	ch := m.config.Workspace.Updates()
	return func() tea.Msg {
		_, ok := <-ch
		return workspaceUpdatedMsg{closed: !ok}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		if !m.busy() {
			m.spinning = false
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refreshViewport()
		return m, cmd
	case workspaceUpdatedMsg:
		if msg.closed {
			return m, nil
		}
		m.sync()
		return m, tea.Batch(m.waitForUpdate(), m.ensureSpinner())
	case jobStartedMsg:
		m.running[msg.job.kind]++
		return m, m.ensureSpinner()
	case jobDoneMsg:
		if m.running[msg.job.kind] > 0 {
			m.running[msg.job.kind]--
		}
		if msg.result == nil {
			return m, nil
		}
		return m.Update(msg.result)
	case loginResultMsg:
		return m.handleLoginResult(msg)
	case submitResultMsg:
		m.handleSubmitResult(msg)
		return m, nil
	case actionResultMsg:
		if msg.err != nil {
			m.errorMessage = describeError(msg.err)
			return m, nil
		}
		m.errorMessage = ""
		m.infoMessage = msg.info
		return m, nil
	case citeResultMsg:
		if msg.err != nil {
			m.errorMessage = describeError(msg.err)
			return m, nil
		}
		m.errorMessage = ""
		m.preview = &msg
		m.refreshViewport()
		m.viewport.GotoTop()
		return m, nil
	case tea.WindowSizeMsg:
		m.layout.Update(msg.Width, msg.Height)
		m.viewport.Width = m.layout.viewportWidth
		m.viewport.Height = m.layout.viewportHeight
		m.composer.Width = msg.Width - viewportHorizontalPadding - len(m.composer.Prompt)
		m.refreshViewport()
		return m, nil
	case tea.MouseMsg:
		if m.stage == stageMain {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.stage == stageMain {
			return m.handleMainKey(msg)
		}
		return m.handleLoginKey(msg)
	}
	return m, nil
}

// sync pulls the latest workspace state and transcript and moves between
// the login and main stages when the session changes.
func (m *model) sync() {
	if m.config.Workspace != nil {
		prevSelected := m.state.SelectedID
		m.state = m.config.Workspace.State()
		if prevSelected != m.state.SelectedID {
			m.preview = nil
		}
	}
	if m.config.Conversation != nil {
		m.snap = m.config.Conversation.Snapshot()
	}

	switch {
	case m.state.SignedIn && m.stage != stageMain:
		m.enterMain()
	case !m.state.SignedIn && m.stage == stageMain:
		m.enterLogin()
		if m.state.Expired {
			m.errorMessage = sessionExpiredNotice
		}
	}
	m.refreshViewport()
}

func (m *model) enterMain() {
	m.stage = stageMain
	m.password.SetValue("")
	m.username.Blur()
	m.password.Blur()
	m.composer.Focus()
	m.errorMessage = ""
	if m.state.User != nil {
		m.infoMessage = fmt.Sprintf("Signed in as %s.", m.state.User.Username)
	}
}

func (m *model) enterLogin() {
	m.stage = stageLogin
	m.preview = nil
	m.helpVisible = false
	m.composer.Blur()
	m.composer.SetValue("")
	m.password.SetValue("")
	m.field = fieldUsername
	m.username.Focus()
	m.password.Blur()
	m.infoMessage = ""
}

func (m *model) busy() bool {
	if m.stage == stageSigningIn {
		return true
	}
	for _, n := range m.running {
		if n > 0 {
			return true
		}
	}
	if m.stage != stageMain {
		return false
	}
	return m.snap.State != conversation.Idle || m.snap.Loading || !m.state.ProjectsLoaded
}

func (m *model) ensureSpinner() tea.Cmd {
	if m.spinning || !m.busy() {
		return nil
	}
	m.spinning = true
	return m.spinner.Tick
}

func (m *model) refreshViewport() {
	if m.stage != stageMain {
		return
	}
	if m.preview != nil {
		m.viewport.SetContent(renderPreview(*m.preview, m.viewport.Width))
		return
	}
	follow := m.viewport.AtBottom() || m.viewport.TotalLineCount() == 0
	m.viewport.SetContent(renderTranscript(m.snap, m.viewport.Width, m.spinner.View()))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *model) handleLoginKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.stage == stageSigningIn {
		return m, nil
	}
	switch key.String() {
	case "tab", "shift+tab", "up", "down":
		m.toggleField()
		return m, nil
	case "esc":
		m.errorMessage = ""
		return m, nil
	case "enter":
		if m.field == fieldUsername && m.password.Value() == "" {
			m.toggleField()
			return m, nil
		}
		return m, m.startLogin()
	}
	var cmd tea.Cmd
	if m.field == fieldUsername {
		m.username, cmd = m.username.Update(key)
	} else {
		m.password, cmd = m.password.Update(key)
	}
	return m, cmd
}

func (m *model) toggleField() {
	if m.field == fieldUsername {
		m.field = fieldPassword
		m.username.Blur()
		m.password.Focus()
		return
	}
	m.field = fieldUsername
	m.password.Blur()
	m.username.Focus()
}

func (m *model) startLogin() tea.Cmd {
	creds := api.Credentials{
		Username: strings.TrimSpace(m.username.Value()),
		Password: m.password.Value(),
	}
	if creds.Username == "" || creds.Password == "" {
		m.errorMessage = "Enter a username and password."
		return nil
	}
	if m.config.Session == nil {
		m.errorMessage = "Signing in is not available."
		return nil
	}
	m.stage = stageSigningIn
	m.errorMessage = ""
	m.infoMessage = "Signing in…"
	return tea.Batch(m.jobs.Start(jobKindLogin, loginJob(m.config.Session, creds)), m.ensureSpinner())
}

func (m *model) handleLoginResult(msg loginResultMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.stage = stageLogin
		m.password.SetValue("")
		m.field = fieldPassword
		m.username.Blur()
		m.password.Focus()
		m.infoMessage = ""
		m.errorMessage = describeError(msg.err)
		return m, nil
	}
	m.log.Info("signed in", zap.String("username", msg.username))
	m.infoMessage = "Loading projects…"
	m.sync()
	return m, m.ensureSpinner()
}

func (m *model) handleMainKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "esc":
		switch {
		case m.preview != nil:
			m.preview = nil
			m.refreshViewport()
			m.viewport.GotoBottom()
		case m.helpVisible:
			m.helpVisible = false
		default:
			m.composer.SetValue("")
			m.errorMessage = ""
		}
		return m, nil
	case "pgup", "pgdown", "ctrl+u", "ctrl+d", "up", "down":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(key)
		return m, cmd
	case "tab":
		m.cycleProject(1)
		return m, nil
	case "shift+tab":
		m.cycleProject(-1)
		return m, nil
	case "enter":
		return m, m.submitComposer()
	}
	var cmd tea.Cmd
	m.composer, cmd = m.composer.Update(key)
	return m, cmd
}

func (m *model) cycleProject(delta int) {
	projects := m.state.Projects
	if len(projects) == 0 {
		return
	}
	idx := 0
	for i, p := range projects {
		if p.ID == m.state.SelectedID {
			idx = i
			break
		}
	}
	next := (idx + delta + len(projects)) % len(projects)
	m.selectProject(projects[next])
}

func (m *model) selectProject(p api.Project) {
	if err := m.config.Workspace.Select(p.ID); err != nil {
		m.errorMessage = describeError(err)
		return
	}
	m.errorMessage = ""
	m.infoMessage = fmt.Sprintf("Switched to %s.", p.Name)
	m.sync()
}

func (m *model) submitComposer() tea.Cmd {
	value := strings.TrimSpace(m.composer.Value())
	if value == "" {
		return nil
	}
	if isSlashCommand(value) {
		m.composer.SetValue("")
		return m.runCommand(value)
	}
	if m.snap.ProjectID == "" {
		m.errorMessage = composerNoProjectHint
		return nil
	}
	if m.snap.State != conversation.Idle {
		m.infoMessage = busyNotice
		return nil
	}
	m.composer.SetValue("")
	m.errorMessage = ""
	m.infoMessage = ""
	m.preview = nil
	m.refreshViewport()
	m.viewport.GotoBottom()
	return tea.Batch(
		m.jobs.Start(jobKindSubmit, submitJob(m.config.Conversation, value, m.search)),
		m.ensureSpinner(),
	)
}

func (m *model) handleSubmitResult(msg submitResultMsg) {
	err := msg.err
	var streamErr *stream.Error
	switch {
	case err == nil:
		m.errorMessage = ""
	case errors.Is(err, conversation.ErrAborted):
	case errors.Is(err, conversation.ErrBusy):
		m.infoMessage = busyNotice
	case errors.Is(err, api.ErrUnauthorized):
		m.errorMessage = sessionExpiredNotice
	case errors.As(err, &streamErr), errors.Is(err, stream.ErrIncomplete):
		m.errorMessage = streamFailedNotice
		m.log.Warn("answer stream failed", zap.Error(err))
	default:
		m.errorMessage = describeError(err)
	}
	m.sync()
}

func (m *model) runCommand(input string) tea.Cmd {
	cmd, err := parseSlashCommand(input)
	if err != nil {
		if errors.Is(err, errUnknownCommand) {
			m.errorMessage = fmt.Sprintf(unknownCommandNoticeFormat, strings.Fields(input)[0])
		} else {
			m.errorMessage = err.Error()
		}
		return nil
	}
	m.errorMessage = ""
	ws := m.config.Workspace

	needsProject := func() (api.Project, bool) {
		project, ok := m.state.Selected()
		if !ok {
			m.errorMessage = composerNoProjectHint
		}
		return project, ok
	}
	start := func(kind jobKind, runner jobRunner, info string) tea.Cmd {
		m.infoMessage = info
		return tea.Batch(m.jobs.Start(kind, runner), m.ensureSpinner())
	}

	switch cmd.name {
	case "help":
		m.helpVisible = !m.helpVisible
	case "quit":
		return tea.Quit
	case "new":
		return start(jobKindProject, createProjectJob(ws, cmd.rest), "Creating project…")
	case "rename":
		if project, ok := needsProject(); ok {
			return start(jobKindProject, renameProjectJob(ws, project.ID, cmd.rest), "Renaming project…")
		}
	case "delete":
		if project, ok := needsProject(); ok {
			return start(jobKindProject, deleteProjectJob(ws, project), "Deleting project…")
		}
	case "process":
		if project, ok := needsProject(); ok {
			return start(jobKindProject, processProjectJob(ws, project), "Starting processing…")
		}
	case "project":
		idx, err := parseIndex(cmd.args[0], len(m.state.Projects))
		if err != nil {
			m.errorMessage = err.Error()
			return nil
		}
		m.selectProject(m.state.Projects[idx])
	case "upload":
		if _, ok := needsProject(); ok {
			return start(jobKindDocument, uploadJob(ws, cmd.args), fmt.Sprintf("Uploading %d file(s)…", len(cmd.args)))
		}
	case "rmdoc":
		if _, ok := needsProject(); !ok {
			return nil
		}
		idx, err := parseIndex(cmd.args[0], len(m.state.Documents))
		if err != nil {
			m.errorMessage = err.Error()
			return nil
		}
		return start(jobKindDocument, deleteDocumentJob(ws, m.state.Documents[idx]), "Deleting document…")
	case "cite":
		citations := latestCitations(m.snap.Messages)
		idx, err := parseIndex(cmd.args[0], len(citations))
		if err != nil {
			m.errorMessage = "citation: " + err.Error()
			return nil
		}
		if m.config.Citations == nil {
			m.errorMessage = "Citations are not available."
			return nil
		}
		return start(jobKindCite, citeJob(m.config.Citations, m.config.Previews, m.snap.ProjectID, citations[idx]), "Opening citation…")
	case "hybrid":
		m.search.HybridSearch = !m.search.HybridSearch
		m.infoMessage = "Hybrid search " + onOff(m.search.HybridSearch) + "."
	case "graph":
		m.search.GraphSearch = !m.search.GraphSearch
		m.infoMessage = "Graph search " + onOff(m.search.GraphSearch) + "."
	case "rerank":
		m.search.Reranking = !m.search.Reranking
		m.infoMessage = "Reranking " + onOff(m.search.Reranking) + "."
	case "refresh":
		ws.RefreshHealth()
		ws.RefreshProjects()
		m.infoMessage = "Refreshing…"
	case "logout":
		if m.config.Session != nil {
			m.config.Session.Logout()
		}
		m.enterLogin()
		m.infoMessage = "Signed out."
	}
	return nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// describeError prefers the service's own explanation.
func describeError(err error) string {
	var httpErr *api.HTTPError
	var validationErr *api.ValidationError
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		return sessionExpiredNotice
	case errors.As(err, &validationErr):
		return validationErr.Error()
	case errors.As(err, &httpErr) && httpErr.Detail != "":
		return httpErr.Detail
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out."
	default:
		return err.Error()
	}
}
