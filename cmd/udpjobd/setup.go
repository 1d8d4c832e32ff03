package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/nixpig/udpjobs/internal/config"
	"github.com/nixpig/udpjobs/internal/jobmanager"
	"github.com/nixpig/udpjobs/internal/jobmanager/schema"
	"github.com/nixpig/udpjobs/internal/jobmanager/table"
	"github.com/nixpig/udpjobs/internal/openeo"
	"golang.org/x/oauth2"
)

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// newManager creates the Manager of cfg with its backends registered and
// its job table loaded, resuming from the snapshot when there is one.
func newManager(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (*jobmanager.Manager, error) {
	mc := cfg.ManagerConfig()
	mc.Logger = logger

	manager, err := jobmanager.NewManager(ctx, mc, schema.NewSource(cfg.Process.DefinitionRef()))
	if err != nil {
		return nil, err
	}

	for _, b := range cfg.Backends {
		client, err := newClient(b, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}

		if err := manager.AddBackend(b.Name, client, b.ParallelJobs); err != nil {
			return nil, err
		}
	}

	resume, err := shouldResume(cfg.Jobs)
	if err != nil {
		return nil, err
	}

	if resume {
		logger.Info("resuming job table", "path", cfg.Jobs.Output)
		if err := manager.ResumeFrom(cfg.Jobs.Output); err != nil {
			return nil, err
		}

		return manager, nil
	}

	if cfg.Jobs.Input == "" {
		return nil, fmt.Errorf("no job table at %s and no input configured", cfg.Jobs.Output)
	}

	t, err := table.ReadFile(cfg.Jobs.Input)
	if err != nil {
		return nil, fmt.Errorf("read job table: %w", err)
	}

	t.GeometryColumn = cfg.Jobs.GeometryColumn

	if err := manager.AddJobs(t); err != nil {
		return nil, err
	}

	return manager, nil
}

func shouldResume(jobs config.Jobs) (bool, error) {
	if !jobs.Resume {
		return false, nil
	}

	if _, err := os.Stat(jobs.Output); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("stat job table: %w", err)
	}

	return true, nil
}

func newClient(b config.Backend, logger *slog.Logger) (*openeo.Client, error) {
	opts := []openeo.ClientOption{
		openeo.WithLogger(logger.With("backend", b.Name)),
	}

	if b.RateLimit > 0 {
		opts = append(opts, openeo.WithRateLimit(b.RateLimit))
	}

	if ts := tokenSource(b.Auth); ts != nil {
		opts = append(opts, openeo.WithTokenSource(ts))
	}

	return openeo.NewClient(b.URL, opts...)
}

// tokenSource returns the token source of a, or nil when the backend is used
// anonymously.
func tokenSource(a config.Auth) oauth2.TokenSource {
	if a.Method == "" || a.TokenEnv == "" {
		return nil
	}

	token := os.Getenv(a.TokenEnv)

	switch a.Method {
	case "basic":
		return openeo.BasicTokenSource(token)
	default:
		return openeo.StaticTokenSource(a.Provider, token)
	}
}
