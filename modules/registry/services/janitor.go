package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
)

// Janitor fails runs abandoned in PROCESSING, typically after a crash or
// deploy killed the worker mid-run. Runs younger than staleAfter are left
// alone. Workers hold the run's advisory lock per transaction, not for the
// whole run, so a sweep can race a live worker; the pipeline re-reads run
// status at every batch boundary and stops quietly once the run has left
// PROCESSING.
type Janitor struct {
	runs       *RunService
	repo       ImportRunRepository
	staleAfter time.Duration
	schedule   string
	logger     *logrus.Entry

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewJanitor(runs *RunService, repo ImportRunRepository, staleAfter time.Duration, schedule string, logger *logrus.Entry) *Janitor {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Janitor{
		runs:       runs,
		repo:       repo,
		staleAfter: staleAfter,
		schedule:   schedule,
		logger:     logger,
	}
}

func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("janitor already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.Sweep(ctx) }); err != nil {
		return fmt.Errorf("adding janitor schedule: %w", err)
	}
	c.Start()
	j.cron = c
	j.running = true

	j.logger.WithField("schedule", j.schedule).Info("registry: janitor started")
	return nil
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info("registry: janitor stopped")
}

// Sweep fails every run stuck in PROCESSING past the staleness cutoff.
// A run whose lock is still held is skipped and picked up next sweep.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.staleAfter)
	stuck, err := j.repo.ListStuckProcessing(ctx, cutoff)
	if err != nil {
		j.logger.WithError(err).Warn("registry: janitor sweep failed")
		return
	}

	for _, run := range stuck {
		_, err := j.runs.Fail(ctx, run.ID, importrun.FailureCodeTimeout,
			fmt.Sprintf("run made no progress for more than %s", j.staleAfter))
		if err != nil {
			j.logger.WithError(err).WithField("run_id", run.ID).Debug("registry: stuck run not reaped")
			continue
		}
		j.logger.WithField("run_id", run.ID).Warn("registry: failed stuck run")
	}
}
