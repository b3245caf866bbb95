package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/user/hexe/internal/coderunner"
	"github.com/user/hexe/internal/config"
	ctxengine "github.com/user/hexe/internal/context"
	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/gateway"
	"github.com/user/hexe/internal/runtime"
	"github.com/user/hexe/internal/runtime/tools"
	"github.com/user/hexe/internal/state"
	"github.com/user/hexe/internal/types"
	"github.com/user/hexe/pkg/llm"
	"github.com/user/hexe/pkg/llm/openai"
)

// stores are the persistent parts of the assistant.
type stores struct {
	db       *sql.DB
	history  event.HistoryStore
	notes    *state.SQLiteNotes
	profiles *state.ProfileStore
	tasks    *state.TaskStore
}

func openStores(cfg *config.Config, embedder llm.Embedder, logger *slog.Logger) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.OpenDB(filepath.Join(cfg.DataDir, "hexe.db"))
	if err != nil {
		return nil, err
	}
	s := &stores{
		db:       db,
		profiles: state.NewProfileStore(cfg.DataDir),
		tasks:    state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json")),
	}

	switch cfg.History.Backend {
	case "jsonl":
		s.history = state.NewJSONLHistory(cfg.DataDir)
	case "", "sqlite":
		h, err := state.NewSQLiteHistory(db, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.history = h
	default:
		db.Close()
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}

	s.notes, err = state.NewSQLiteNotes(db, embedder, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *stores) Close() error {
	return s.db.Close()
}

// app is the assembled assistant: stores, threads and the gateway feeding
// them.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	stores  *stores
	threads *runtime.ThreadManager
	gw      *gateway.Gateway
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	client := openai.New(&llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
	})

	st, err := openStores(cfg, client, logger)
	if err != nil {
		return nil, err
	}

	counter, err := ctxengine.NewTokenizer(cfg.LLM.Model)
	if err != nil {
		st.Close()
		return nil, err
	}

	opts := ctxengine.Options{
		HistoryBudget: cfg.Context.HistoryTokens,
		NoteBudget:    cfg.Context.NoteTokens,
	}
	if cfg.Context.PromptFile != "" {
		data, err := os.ReadFile(cfg.Context.PromptFile)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		opts.Prompt = string(data)
	}
	engine, err := ctxengine.New(counter, st.history, st.notes, opts)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := runtime.NewRegistry(
		tools.NewSaveNotes(st.notes, counter),
		tools.NewSearchNotes(st.notes),
		tools.NewDeleteNotes(st.notes),
		tools.NewRunCode(),
	)
	if err := registry.Check(); err != nil {
		st.Close()
		return nil, fmt.Errorf("tool schemas: %w", err)
	}
	runners := coderunner.NewFactory(coderunner.Config{
		Python:  cfg.Runners.Python,
		Bash:    cfg.Runners.Bash,
		Timeout: cfg.RunnerTimeout(),
	}, logger)

	threads := runtime.NewThreadManager(runtime.Deps{
		Provider:  client,
		Assembler: engine,
		History:   st.history,
		Counter:   counter,
		Registry:  registry,
		Runners:   runners,
		Logger:    logger,
	}, runtime.Options{
		MaxToolChain: cfg.MaxToolChain,
		Location:     loc,
	}, st.profiles)

	gw := gateway.New(int64(cfg.MaxConcurrent), logger)
	gw.Queue.SetProcessor(threads.ProcessRun)

	return &app{
		cfg:     cfg,
		logger:  logger,
		stores:  st,
		threads: threads,
		gw:      gw,
	}, nil
}

func (a *app) start(ctx context.Context) {
	a.gw.Start(ctx)
}

// shutdown drains the gateway, closes every thread and then the stores.
func (a *app) shutdown(ctx context.Context) error {
	a.gw.Stop()
	a.logger.Info("closing threads", "threads", len(a.threads.Users()))
	err := a.threads.Shutdown(ctx)
	return errors.Join(err, a.stores.Close())
}

// turn sends text as user and waits for the turn to end. It returns the
// final events of the turn.
func (a *app) turn(ctx context.Context, user types.UserID, text, origin string) ([]event.Event, error) {
	t, err := a.threads.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	stream, err := t.Stream()
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	run, err := a.gw.HandleInbound(ctx, user, text, origin)
	if err != nil {
		return nil, err
	}
	return stream.Turn(ctx, types.MessageID(run.ID))
}
