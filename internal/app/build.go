// Package app wires the service components together for the main binary and
// for integration-style tests.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/kagan-sh/kagan-sub002/internal/authz"
	"github.com/kagan-sh/kagan-sub002/internal/autooutput"
	"github.com/kagan-sh/kagan-sub002/internal/config"
	"github.com/kagan-sh/kagan-sub002/internal/events"
	"github.com/kagan-sh/kagan-sub002/internal/execution"
	"github.com/kagan-sh/kagan-sub002/internal/httpapi"
	"github.com/kagan-sh/kagan-sub002/internal/logger"
	"github.com/kagan-sh/kagan-sub002/internal/merge"
	"github.com/kagan-sh/kagan-sub002/internal/observability"
	"github.com/kagan-sh/kagan-sub002/internal/runtime"
	"github.com/kagan-sh/kagan-sub002/internal/scheduler"
	"github.com/kagan-sh/kagan-sub002/internal/tasks"
	"github.com/kagan-sh/kagan-sub002/internal/workspace"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *runtime.Registry
	Output   *autooutput.Coordinator
	Merges   *merge.Coordinator
	Tasks    tasks.Store
	Execs    execution.Store
	Bus      *events.Bus
	Metrics  *observability.Metrics
	Logger   *logger.Logger

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	taskStore, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	execStore, err := execution.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = taskStore.Close()
		return nil, fmt.Errorf("execution store init failed: %w", err)
	}

	bus := events.NewBus()
	registry := runtime.NewRegistry(execStore, metrics, log)
	sched := scheduler.NewMock()
	adapter := workspace.NewGitAdapter(cfg.WorktreeRoot, log)

	output := autooutput.NewCoordinator(registry, execStore, sched, bus, metrics, log, cfg.RecoveryAttachTimeout)
	merges := merge.NewCoordinator(cfg, registry, taskStore, execStore, sched, adapter, bus, metrics, log)
	owners := httpapi.StoreOwners{Execs: execStore}
	gate := authz.NewGate(authz.NewSessionRegistry(), owners, cfg.Version, metrics, log)

	api := httpapi.New(cfg, gate, taskStore, execStore, registry, output, merges, sched, adapter, bus, metrics, log)

	cleanup := func() error {
		var errs []string
		bus.Close()
		if err := execStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := taskStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		_ = log.Sync()
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Output:   output,
		Merges:   merges,
		Tasks:    taskStore,
		Execs:    execStore,
		Bus:      bus,
		Metrics:  metrics,
		Logger:   log,
		Cleanup:  cleanup,
	}, nil
}
