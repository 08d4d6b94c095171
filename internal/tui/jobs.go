package tui

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

type jobKind string

const (
	jobKindLogin    jobKind = "login"
	jobKindSubmit   jobKind = "submit"
	jobKindProject  jobKind = "project"
	jobKindDocument jobKind = "document"
	jobKindCite     jobKind = "cite"
)

// jobInfo identifies one background call.
type jobInfo struct {
	id    uint64
	kind  jobKind
	start time.Time
}

type jobStartedMsg struct {
	job jobInfo
}

// jobDoneMsg carries the runner's own message back into Update.
type jobDoneMsg struct {
	job     jobInfo
	elapsed time.Duration
	err     error
	result  tea.Msg
}

type jobRunner func(context.Context) (tea.Msg, error)

// jobBus runs blocking calls off the update loop. Every job announces itself
// before it runs so the status bar can count it.
type jobBus struct {
	seq atomic.Uint64
	ctx context.Context
	log *zap.Logger
}

func newJobBus(ctx context.Context, logger *zap.Logger) *jobBus {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &jobBus{ctx: ctx, log: logger.Named("jobs")}
}

func (b *jobBus) Start(kind jobKind, run jobRunner) tea.Cmd {
	job := jobInfo{id: b.seq.Add(1), kind: kind, start: time.Now()}
	announce := func() tea.Msg {
		return jobStartedMsg{job: job}
	}
	execute := func() tea.Msg {
		result, err := run(b.ctx)
		done := jobDoneMsg{job: job, elapsed: time.Since(job.start), err: err, result: result}
		fields := []zap.Field{
			zap.Uint64("job", job.id),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", done.elapsed),
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn("job failed", append(fields, zap.Error(err))...)
		} else {
			b.log.Debug("job finished", fields...)
		}
		return done
	}
	return tea.Sequence(announce, execute)
}
