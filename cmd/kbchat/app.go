package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/auth"
	"github.com/csheth/kbchat/internal/citation"
	"github.com/csheth/kbchat/internal/config"
	"github.com/csheth/kbchat/internal/conversation"
	"github.com/csheth/kbchat/internal/logging"
	"github.com/csheth/kbchat/internal/tui"
	"github.com/csheth/kbchat/internal/workspace"
)

const previewDownloadTimeout = 2 * time.Minute

// app is the wired client: one api.Client whose 401s reach the session
// manager through the dispatcher, and the components reading its token.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	closeLog func()

	client   *api.Client
	session  *auth.Manager
	conv     *conversation.Store
	resolver *citation.Resolver
	previews *citation.Previewer
	engine   *workspace.Engine
}

func newApp(cfg config.Config) (*app, error) {
	logger, closeLog, err := logging.New(cfg.LogFile, cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	dispatcher := &auth.Dispatcher{}
	client := api.New(api.Config{
		BaseURL:    cfg.API.URL,
		HTTPClient: &http.Client{Timeout: cfg.API.Timeout},
		Notifier:   dispatcher,
		Logger:     logger,
	})
	session := auth.NewManager(auth.Config{
		Client: client,
		Store:  auth.NewFileStore(cfg.StateDir),
		Logger: logger,
	})
	session.Attach(dispatcher)

	a := &app{cfg: cfg, log: logger, closeLog: closeLog, client: client, session: session}

	a.conv = conversation.New(conversation.Config{
		Client: client,
		Tokens: session,
		Logger: logger,
		OnChange: func(conversation.Snapshot) {
			if a.engine != nil {
				a.engine.Notify()
			}
		},
	})
	a.resolver = citation.NewResolver(citation.Config{
		Client:  client,
		Tokens:  session,
		Timeout: cfg.API.Timeout,
		Logger:  logger,
	})
	previews, err := citation.NewPreviewer(cfg.CacheDir, &http.Client{Timeout: previewDownloadTimeout}, logger)
	if err != nil {
		logger.Warn("citation previews disabled", zap.Error(err))
	} else {
		a.previews = previews
	}
	a.engine = workspace.New(workspace.Config{
		Client:       client,
		Session:      session,
		Conversation: a.conv,
		Citations:    a.resolver,
		Intervals: workspace.Intervals{
			Health:   cfg.Poll.Health,
			Projects: cfg.Poll.Projects,
			Progress: cfg.Poll.Progress,
		},
		Logger: logger,
	})
	return a, nil
}

func (a *app) Close() {
	a.closeLog()
}

func (a *app) tuiConfig(ctx context.Context) tui.Config {
	cfg := tui.Config{
		Context:      ctx,
		Workspace:    a.engine,
		Session:      a.session,
		Conversation: a.conv,
		Citations:    a.resolver,
		Search: conversation.Options{
			HybridSearch: a.cfg.Search.Hybrid,
			GraphSearch:  a.cfg.Search.Graph,
			Reranking:    a.cfg.Search.Reranking,
		},
		Logger: a.log,
	}
	if a.previews != nil {
		cfg.Previews = a.previews
	}
	return cfg
}

func runInteractive(parent context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.log.Info("starting", zap.String("api", cfg.API.URL))
	if _, ok, err := a.session.Restore(ctx); err != nil {
		a.log.Warn("could not validate stored session", zap.Error(err))
	} else if ok {
		a.log.Info("resumed stored session")
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- a.engine.Run(engineCtx)
	}()

	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithMouseCellMotion()}
	if cfg.AltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	program := tea.NewProgram(tui.New(a.tuiConfig(ctx)), opts...)
	_, runErr := program.Run()

	cancelEngine()
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("workspace stopped with error", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("program error: %w", runErr)
	}
	return nil
}
