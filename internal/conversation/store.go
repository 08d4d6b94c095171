// Package conversation owns the chat transcript of the selected project.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/stream"
)

// State is the submission lifecycle.
type State int

const (
	Idle State = iota
	Waiting
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy rejects a submission while another is in flight.
	ErrBusy = errors.New("conversation: a message is already being answered")
	// ErrNoProject rejects a submission before a project is selected.
	ErrNoProject = errors.New("conversation: no project selected")
	// ErrAborted is returned to a submitter whose answer was discarded by a
	// project switch or reset.
	ErrAborted = errors.New("conversation: submission aborted")
)

// Message is a transcript entry plus client-only flags. Pending entries are
// local echoes not yet confirmed by the service; Failed marks an answer
// whose stream broke.
type Message struct {
	api.Message
	Pending bool
	Failed  bool
}

// Options are the retrieval toggles sent with each message.
type Options struct {
	HybridSearch bool
	GraphSearch  bool
	Reranking    bool
}

// Snapshot is a copy of the store published to observers.
type Snapshot struct {
	ProjectID string
	State     State
	Messages  []Message
	Loading   bool
	Err       error
}

// Client is the part of api.Client the store needs.
type Client interface {
	Messages(ctx context.Context, token, projectID string) ([]api.Message, error)
	OpenMessageStream(ctx context.Context, token, projectID string, msg api.MessageRequest) (io.ReadCloser, error)
}

// TokenSource yields the current session token.
type TokenSource interface {
	Token() string
}

// Config wires a Store.
type Config struct {
	Client   Client
	Tokens   TokenSource
	Logger   *zap.Logger
	OnChange func(Snapshot)
}

// Store is the only writer of the transcript. One submission is in flight at
// a time; a project switch or reset aborts it and discards its late deltas.
type Store struct {
	client   Client
	tokens   TokenSource
	log      *zap.Logger
	onChange func(Snapshot)

	mu        sync.Mutex
	projectID string
	state     State
	messages  []Message
	loading   bool
	lastErr   error
	epoch     uint64
	cancel    context.CancelFunc
	answerID  string
	answer    strings.Builder
}

// New builds an empty Store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:   cfg.Client,
		tokens:   cfg.Tokens,
		log:      logger.Named("conversation"),
		onChange: cfg.OnChange,
	}
}

// Snapshot returns a copy of the current transcript.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	return Snapshot{
		ProjectID: s.projectID,
		State:     s.state,
		Messages:  messages,
		Loading:   s.loading,
		Err:       s.lastErr,
	}
}

// Submit sends content to the selected project and streams the answer into
// the transcript. It returns once the answer completed, failed or was aborted.
func (s *Store) Submit(ctx context.Context, content string, opts Options) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return &api.ValidationError{Field: "content", Reason: "must not be empty"}
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.projectID == "" {
		s.mu.Unlock()
		return ErrNoProject
	}
	projectID := s.projectID
	s.epoch++
	epoch := s.epoch
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = Waiting
	s.lastErr = nil
	s.answerID = uuid.NewString()
	s.answer.Reset()
	s.messages = append(s.messages,
		Message{Message: api.Message{ID: uuid.NewString(), ProjectID: projectID, Role: api.RoleUser, Content: content}, Pending: true},
		Message{Message: api.Message{ID: s.answerID, ProjectID: projectID, Role: api.RoleAssistant}, Pending: true},
	)
	s.unlockAndPublish()
	defer cancel()

	body, err := s.client.OpenMessageStream(streamCtx, s.token(), projectID, api.MessageRequest{
		Role:         api.RoleUser,
		Content:      content,
		HybridSearch: opts.HybridSearch,
		GraphSearch:  opts.GraphSearch,
		Reranking:    opts.Reranking,
	})
	if err != nil {
		return s.fail(epoch, err)
	}
	defer body.Close()

	err = stream.Decode(streamCtx, body, func(ev stream.Event) error {
		return s.apply(epoch, ev)
	})
	if err != nil {
		return s.fail(epoch, err)
	}

	s.log.Debug("answer complete", zap.String("project_id", projectID))
	if err := s.reload(ctx, projectID, epoch); err != nil {
		return fmt.Errorf("refresh transcript: %w", err)
	}
	return nil
}

var errStale = errors.New("stale answer")

func (s *Store) apply(epoch uint64, ev stream.Event) error {
	s.mu.Lock()
	idx := s.indexLocked(s.answerID)
	if s.epoch != epoch || idx < 0 {
		s.mu.Unlock()
		return errStale
	}
	switch ev.Kind {
	case stream.Start:
		s.state = Streaming
		s.answer.WriteString(ev.Delta)
	case stream.Append:
		s.answer.WriteString(ev.Delta)
	case stream.Complete:
		// Stays busy until reload has reconciled the transcript.
		s.state = Streaming
	}
	s.messages[idx].Content = s.answer.String()
	s.unlockAndPublish()
	return nil
}

// fail returns the store to Idle keeping the partial answer, unless the
// submission was already superseded.
func (s *Store) fail(epoch uint64, err error) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrAborted
	}
	s.state = Idle
	s.cancel = nil
	s.lastErr = err
	if idx := s.indexLocked(s.answerID); idx >= 0 {
		s.messages[idx].Content = s.answer.String()
		s.messages[idx].Failed = true
		s.messages[idx].Pending = false
	}
	s.unlockAndPublish()
	s.log.Warn("answer failed", zap.Error(err))
	return err
}

// SetProject aborts any submission, clears the transcript and loads the
// transcript of projectID. An empty id just clears.
func (s *Store) SetProject(ctx context.Context, projectID string) error {
	s.Bind(projectID)
	return s.Reload(ctx)
}

// Bind switches the store to projectID without fetching anything. Any
// submission is aborted and in-flight loads of the previous binding are
// discarded. Follow with Reload to fetch the transcript.
func (s *Store) Bind(projectID string) {
	s.mu.Lock()
	s.abortLocked()
	s.projectID = projectID
	s.messages = nil
	s.lastErr = nil
	s.loading = projectID != ""
	s.unlockAndPublish()
}

// Reload replaces the transcript with the service's copy of the bound
// project. It is a no-op while a submission is in flight.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.projectID == "" || s.state != Idle {
		s.mu.Unlock()
		return nil
	}
	projectID, epoch := s.projectID, s.epoch
	s.mu.Unlock()
	return s.reload(ctx, projectID, epoch)
}

// Reset aborts everything and forgets the project. Used on sign out.
func (s *Store) Reset() {
	s.mu.Lock()
	s.abortLocked()
	s.projectID = ""
	s.messages = nil
	s.lastErr = nil
	s.unlockAndPublish()
}

func (s *Store) abortLocked() {
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = Idle
	s.loading = false
	s.answerID = ""
	s.answer.Reset()
}

// reload fetches the authoritative transcript and replaces local state
// wholesale, unless the epoch moved on while the request was in flight. It
// also ends the submission that owns epoch, if any.
func (s *Store) reload(ctx context.Context, projectID string, epoch uint64) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	s.unlockAndPublish()

	remote, err := s.client.Messages(ctx, s.token(), projectID)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	s.state = Idle
	s.cancel = nil
	if err != nil {
		s.lastErr = err
		s.unlockAndPublish()
		return err
	}
	messages := make([]Message, 0, len(remote))
	for _, m := range remote {
		messages = append(messages, Message{Message: m})
	}
	s.messages = messages
	s.answerID = ""
	s.answer.Reset()
	s.unlockAndPublish()
	return nil
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// unlockAndPublish releases the lock and hands a copy of the state to the
// observer. Observers may be called concurrently and out of order; they
// should treat the snapshot as a change signal and read Snapshot if order
// matters.
func (s *Store) unlockAndPublish() {
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(snap)
	}
}

func (s *Store) token() string {
	if s.tokens == nil {
		return ""
	}
	return s.tokens.Token()
}
