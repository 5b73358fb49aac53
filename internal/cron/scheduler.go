// Package cron drives the task-admission poll on a fixed cadence (spec
// §4.7 step 1, TASK_POLL). The original run loop polls inline on every
// 100ms iteration; here the poll is split out onto its own cron-scheduled
// tick using robfig/cron/v3, the scheduling library the teacher pack
// carries for exactly this "run this on an interval" shape.
package cron

import (
	"context"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"

	"github.com/dropbox/securitybot/internal/model"
	"github.com/dropbox/securitybot/internal/store"
)

// PollInterval is the task-polling cadence.
const PollInterval = "@every 1m"

// Handler is invoked with every task returned by a poll tick (tasks with
// status OPEN that have not yet been admitted into a session).
type Handler func(ctx context.Context, tasks []model.Task)

// Poller periodically queries the store for new tasks and forwards them to
// Handler.
type Poller struct {
	store   *store.Store
	handler Handler
	logger  *slog.Logger
	cron    *cronlib.Cron
}

// NewPoller constructs a Poller. handler is typically the coordinator's
// task-admission step.
func NewPoller(st *store.Store, handler Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: st, handler: handler, logger: logger}
}

// Start schedules the poll and fires one tick immediately, so startup
// recovery doesn't wait a full interval for the first admission pass.
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cronlib.New()
	if _, err := p.cron.AddFunc(PollInterval, func() { p.tick(ctx) }); err != nil {
		return err
	}
	p.cron.Start()
	p.tick(ctx)
	p.logger.Info("cron: task poller started", "interval", PollInterval)
	return nil
}

// Stop cancels the cron schedule and waits for any in-flight tick to
// finish.
func (p *Poller) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.logger.Info("cron: task poller stopped")
}

func (p *Poller) tick(ctx context.Context) {
	tasks, err := p.store.NewTasks(ctx)
	if err != nil {
		p.logger.Error("cron: poll for new tasks failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	p.handler(ctx, tasks)
}
