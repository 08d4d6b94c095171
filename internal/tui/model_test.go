package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/auth"
	"github.com/csheth/kbchat/internal/citation"
	"github.com/csheth/kbchat/internal/conversation"
	"github.com/csheth/kbchat/internal/stream"
	"github.com/csheth/kbchat/internal/workspace"
)

type fakeWorkspace struct {
	mu        sync.Mutex
	state     workspace.State
	updates   chan struct{}
	refreshes int
	created   []string
	uploads   [][]api.Upload
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{
		updates: make(chan struct{}, 1),
		state:   workspace.State{HealthChecked: true, Health: api.Health{Status: api.HealthHealthy}},
	}
}

func (w *fakeWorkspace) signIn(projects ...api.Project) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.SignedIn = true
	w.state.User = &api.User{ID: "u1", Username: "alice", Name: "Alice"}
	w.state.Projects = projects
	w.state.ProjectsLoaded = true
	if len(projects) > 0 {
		w.state.SelectedID = projects[0].ID
	}
}

func (w *fakeWorkspace) State() workspace.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWorkspace) Updates() <-chan struct{} { return w.updates }

func (w *fakeWorkspace) Select(projectID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.state.Projects {
		if p.ID == projectID {
			w.state.SelectedID = projectID
			return nil
		}
	}
	return fmt.Errorf("unknown project %q", projectID)
}

func (w *fakeWorkspace) RefreshHealth() {
	w.mu.Lock()
	w.refreshes++
	w.mu.Unlock()
}

func (w *fakeWorkspace) RefreshProjects() {
	w.mu.Lock()
	w.refreshes++
	w.mu.Unlock()
}

func (w *fakeWorkspace) CreateProject(ctx context.Context, name string) (api.Project, error) {
	name, err := api.ValidateProjectName(name)
	if err != nil {
		return api.Project{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.created = append(w.created, name)
	return api.Project{ID: "new", Name: name, Status: api.ProjectCreated}, nil
}

func (w *fakeWorkspace) RenameProject(ctx context.Context, projectID, name string) (api.Project, error) {
	return api.Project{ID: projectID, Name: name}, nil
}

func (w *fakeWorkspace) DeleteProject(ctx context.Context, projectID string) error { return nil }

func (w *fakeWorkspace) ProcessProject(ctx context.Context, projectID string) error { return nil }

func (w *fakeWorkspace) UploadDocuments(ctx context.Context, files []api.Upload) ([]api.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uploads = append(w.uploads, files)
	docs := make([]api.Document, len(files))
	for i, f := range files {
		docs[i] = api.Document{ID: f.Filename, Filename: f.Filename, Status: api.DocumentUploaded}
	}
	return docs, nil
}

func (w *fakeWorkspace) DeleteDocument(ctx context.Context, documentID string) error { return nil }

type fakeSession struct {
	ws      *fakeWorkspace
	logins  []api.Credentials
	err     error
	logouts int
}

func (s *fakeSession) Login(ctx context.Context, creds api.Credentials) (auth.Session, error) {
	s.logins = append(s.logins, creds)
	if s.err != nil {
		return auth.Session{}, s.err
	}
	s.ws.signIn(api.Project{ID: "p1", Name: "Research", Status: api.ProjectReady})
	return auth.Session{Token: "tok"}, nil
}

func (s *fakeSession) Logout() {
	s.logouts++
	s.ws.mu.Lock()
	s.ws.state = workspace.State{}
	s.ws.mu.Unlock()
}

type fakeConversation struct {
	mu      sync.Mutex
	snap    conversation.Snapshot
	submits []string
	opts    []conversation.Options
	err     error
}

func (c *fakeConversation) Snapshot() conversation.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *fakeConversation) Submit(ctx context.Context, content string, opts conversation.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits = append(c.submits, content)
	c.opts = append(c.opts, opts)
	return c.err
}

type fakeCitations struct {
	calls int
}

func (f *fakeCitations) Resolve(ctx context.Context, projectID, messageID, citationID string) (citation.Target, error) {
	f.calls++
	return citation.Target{CitationID: citationID, URL: "https://files.example/" + citationID + ".pdf"}, nil
}

type failingPreviews struct{}

func (failingPreviews) Preview(ctx context.Context, target citation.Target, page int) (citation.Preview, error) {
	return citation.Preview{}, errors.New("failed to open pdf")
}

type harness struct {
	m    *model
	ws   *fakeWorkspace
	sess *fakeSession
	conv *fakeConversation
	cite *fakeCitations
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := newFakeWorkspace()
	h := &harness{
		ws:   ws,
		sess: &fakeSession{ws: ws},
		conv: &fakeConversation{},
		cite: &fakeCitations{},
	}
	teaModel, ok := New(Config{
		Workspace:    h.ws,
		Session:      h.sess,
		Conversation: h.conv,
		Citations:    h.cite,
		Search:       conversation.Options{HybridSearch: true, Reranking: true},
	}).(*model)
	if !ok {
		t.Fatalf("expected *model, got %T", teaModel)
	}
	h.m = teaModel
	h.m.Update(tea.WindowSizeMsg{Width: 120, Height: 32})
	return h
}

func signedInHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.ws.signIn(
		api.Project{ID: "p1", Name: "Research", Status: api.ProjectReady},
		api.Project{ID: "p2", Name: "Contracts", Status: api.ProjectProcessing},
	)
	h.conv.snap = conversation.Snapshot{ProjectID: "p1"}
	h.m.Update(workspaceUpdatedMsg{})
	if h.m.stage != stageMain {
		t.Fatalf("expected main stage, got %v", h.m.stage)
	}
	return h
}

func typeText(m *model, text string) {
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

func pressEnter(m *model) tea.Cmd {
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestStartsOnLoginWhenSignedOut(t *testing.T) {
	h := newHarness(t)
	if h.m.stage != stageLogin {
		t.Fatalf("expected login stage, got %v", h.m.stage)
	}
	view := h.m.View()
	if !strings.Contains(view, "Sign in") || !strings.Contains(view, "service healthy") {
		t.Fatalf("login view missing content:\n%s", view)
	}
}

func TestLoginFlowEntersMainStage(t *testing.T) {
	h := newHarness(t)

	typeText(h.m, "alice")
	if cmd := pressEnter(h.m); cmd != nil {
		t.Fatalf("enter on username should only move focus")
	}
	if h.m.field != fieldPassword {
		t.Fatalf("expected password focus, got %v", h.m.field)
	}
	typeText(h.m, "hunter22")
	if cmd := pressEnter(h.m); cmd == nil {
		t.Fatal("expected a login job")
	}
	if h.m.stage != stageSigningIn {
		t.Fatalf("expected signing-in stage, got %v", h.m.stage)
	}

	creds := api.Credentials{Username: "alice", Password: "hunter22"}
	msg, err := loginJob(h.sess, creds)(context.Background())
	if err != nil {
		t.Fatalf("login job: %v", err)
	}
	h.m.Update(msg)

	if h.m.stage != stageMain {
		t.Fatalf("expected main stage after login, got %v", h.m.stage)
	}
	if h.m.password.Value() != "" {
		t.Fatal("password should be cleared after sign in")
	}
	if !strings.Contains(h.m.View(), "Research") {
		t.Fatalf("main view should list projects:\n%s", h.m.View())
	}
}

func TestLoginRejectsBlankCredentialsLocally(t *testing.T) {
	h := newHarness(t)
	pressEnter(h.m)
	if cmd := pressEnter(h.m); cmd != nil {
		t.Fatal("blank credentials must not start a job")
	}
	if h.m.errorMessage == "" {
		t.Fatal("expected a validation message")
	}
	if len(h.sess.logins) != 0 {
		t.Fatalf("no login call expected, got %d", len(h.sess.logins))
	}
}

func TestLoginFailureShowsServiceDetail(t *testing.T) {
	h := newHarness(t)
	h.m.stage = stageSigningIn
	h.m.Update(loginResultMsg{username: "alice", err: &api.HTTPError{StatusCode: 400, Status: "400 Bad Request", Detail: "Incorrect username or password"}})
	if h.m.stage != stageLogin {
		t.Fatalf("expected login stage, got %v", h.m.stage)
	}
	if h.m.errorMessage != "Incorrect username or password" {
		t.Fatalf("unexpected error message %q", h.m.errorMessage)
	}
	if h.m.field != fieldPassword || !h.m.password.Focused() {
		t.Fatal("password should be focused for a retry")
	}
}

func TestExpiredSessionReturnsToLogin(t *testing.T) {
	h := signedInHarness(t)
	h.m.composer.SetValue("half-written question")

	h.ws.mu.Lock()
	h.ws.state = workspace.State{Expired: true}
	h.ws.mu.Unlock()
	h.m.Update(workspaceUpdatedMsg{})

	if h.m.stage != stageLogin {
		t.Fatalf("expected login stage, got %v", h.m.stage)
	}
	if h.m.errorMessage != sessionExpiredNotice {
		t.Fatalf("unexpected error message %q", h.m.errorMessage)
	}
	if h.m.composer.Value() != "" {
		t.Fatal("composer should be cleared on sign out")
	}
}

func TestSubmitSendsMessageWithSearchToggles(t *testing.T) {
	h := signedInHarness(t)
	typeText(h.m, "What changed in the contract?")
	cmd := pressEnter(h.m)
	if cmd == nil {
		t.Fatal("expected a submit job")
	}
	if h.m.composer.Value() != "" {
		t.Fatal("composer should clear after submit")
	}

	msg, err := submitJob(h.conv, "What changed in the contract?", h.m.search)(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.m.Update(msg)
	want := conversation.Options{HybridSearch: true, Reranking: true}
	if len(h.conv.opts) != 1 || h.conv.opts[0] != want {
		t.Fatalf("unexpected options %+v", h.conv.opts)
	}
}

func TestSubmitGuards(t *testing.T) {
	h := signedInHarness(t)

	h.conv.snap = conversation.Snapshot{ProjectID: "p1", State: conversation.Streaming}
	h.m.Update(workspaceUpdatedMsg{})
	typeText(h.m, "second question")
	if cmd := pressEnter(h.m); cmd != nil {
		t.Fatal("submit while streaming must be a no-op")
	}
	if h.m.infoMessage != busyNotice || h.m.composer.Value() != "second question" {
		t.Fatalf("expected busy notice and kept input, got %q / %q", h.m.infoMessage, h.m.composer.Value())
	}

	h.conv.snap = conversation.Snapshot{}
	h.m.Update(workspaceUpdatedMsg{})
	if cmd := pressEnter(h.m); cmd != nil {
		t.Fatal("submit without a project must be a no-op")
	}
	if h.m.errorMessage != composerNoProjectHint {
		t.Fatalf("unexpected error %q", h.m.errorMessage)
	}
}

func TestSubmitResultMessages(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		want  string
		field func(*model) string
	}{
		{"stream broke", &stream.Error{Op: "read", Err: errors.New("connection reset")}, streamFailedNotice, func(m *model) string { return m.errorMessage }},
		{"incomplete", stream.ErrIncomplete, streamFailedNotice, func(m *model) string { return m.errorMessage }},
		{"aborted by switch", conversation.ErrAborted, "", func(m *model) string { return m.errorMessage }},
		{"expired", fmt.Errorf("send: %w", api.ErrUnauthorized), sessionExpiredNotice, func(m *model) string { return m.errorMessage }},
		{"busy", conversation.ErrBusy, busyNotice, func(m *model) string { return m.infoMessage }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := signedInHarness(t)
			h.m.Update(submitResultMsg{err: tc.err})
			if got := tc.field(h.m); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestSlashCommands(t *testing.T) {
	h := signedInHarness(t)

	run := func(input string) tea.Cmd {
		h.m.composer.SetValue(input)
		return pressEnter(h.m)
	}

	run("/graph")
	if !h.m.search.GraphSearch || h.m.infoMessage != "Graph search on." {
		t.Fatalf("graph toggle not applied: %+v %q", h.m.search, h.m.infoMessage)
	}
	run("/hybrid")
	if h.m.search.HybridSearch {
		t.Fatal("hybrid toggle not applied")
	}

	run("/project 2")
	if h.m.state.SelectedID != "p2" {
		t.Fatalf("expected p2 selected, got %q", h.m.state.SelectedID)
	}
	run("/project 7")
	if !strings.Contains(h.m.errorMessage, "between 1 and 2") {
		t.Fatalf("unexpected error %q", h.m.errorMessage)
	}

	run("/bogus now")
	if h.m.errorMessage != fmt.Sprintf(unknownCommandNoticeFormat, "/bogus") {
		t.Fatalf("unexpected error %q", h.m.errorMessage)
	}

	run("/rmdoc 1")
	if !strings.Contains(h.m.errorMessage, "empty") {
		t.Fatalf("expected empty-list error, got %q", h.m.errorMessage)
	}

	if cmd := run("/new Board minutes"); cmd == nil {
		t.Fatal("expected a create job")
	}

	run("/refresh")
	if h.ws.refreshes != 2 {
		t.Fatalf("expected health and project refresh, got %d", h.ws.refreshes)
	}

	run("/help")
	if !h.m.helpVisible || !strings.Contains(h.m.View(), "/upload <file>...") {
		t.Fatal("help should list commands")
	}

	run("/logout")
	if h.sess.logouts != 1 || h.m.stage != stageLogin {
		t.Fatalf("logout not applied: %d %v", h.sess.logouts, h.m.stage)
	}
}

func TestCiteOpensPreview(t *testing.T) {
	h := signedInHarness(t)
	h.m.config.Previews = failingPreviews{}
	h.conv.snap = conversation.Snapshot{
		ProjectID: "p1",
		Messages: []conversation.Message{
			{Message: api.Message{ID: "m1", Role: api.RoleUser, Content: "Where is the clause?"}},
			{Message: api.Message{ID: "m2", Role: api.RoleAssistant, Content: "Section 4.", Citations: []api.Citation{
				{ID: "c1", MessageID: "m2", DocumentName: "contract.pdf", PageNumber: 3},
			}}},
		},
	}
	h.m.Update(workspaceUpdatedMsg{})

	h.m.composer.SetValue("/cite 2")
	pressEnter(h.m)
	if !strings.Contains(h.m.errorMessage, "between 1 and 1") {
		t.Fatalf("unexpected error %q", h.m.errorMessage)
	}

	h.m.composer.SetValue("/cite 1")
	if cmd := pressEnter(h.m); cmd == nil {
		t.Fatal("expected a cite job")
	}
	msg, err := citeJob(h.cite, h.m.config.Previews, "p1", h.conv.snap.Messages[1].Citations[0])(context.Background())
	if err != nil {
		t.Fatalf("cite job: %v", err)
	}
	h.m.Update(msg)
	if h.m.preview == nil {
		t.Fatal("expected preview to open")
	}
	view := h.m.View()
	if !strings.Contains(view, "contract.pdf") || !strings.Contains(view, "Preview unavailable") {
		t.Fatalf("preview not rendered:\n%s", view)
	}

	h.m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if h.m.preview != nil {
		t.Fatal("esc should close the preview")
	}
}

func TestJobEnvelopeUnwrapsPayload(t *testing.T) {
	h := signedInHarness(t)
	job := jobInfo{id: 7, kind: jobKindProject, start: time.Now()}
	h.m.Update(jobStartedMsg{job: job})
	if h.m.running[jobKindProject] != 1 {
		t.Fatalf("expected running job, got %d", h.m.running[jobKindProject])
	}
	h.m.Update(jobDoneMsg{job: job, result: actionResultMsg{info: "Created project Board."}})
	if h.m.running[jobKindProject] != 0 {
		t.Fatal("job should be finished")
	}
	if h.m.infoMessage != "Created project Board." {
		t.Fatalf("unexpected info %q", h.m.infoMessage)
	}
}
