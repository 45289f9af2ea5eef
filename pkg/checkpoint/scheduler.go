package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// ErrSchedulerRunning is returned by Start on a scheduler that is already running.
var ErrSchedulerRunning = errors.New("cleanup scheduler already running")

// CleanupScheduler applies a retention policy on a cron schedule.
type CleanupScheduler struct {
	manager  *Manager
	policy   RetentionPolicy
	schedule string
	logger   *slog.Logger

	mutex   sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	last    CleanupResult
	lastErr error
	runs    int
}

// NewCleanupScheduler validates schedule (standard five-field cron or a descriptor such
// as "@every 10m") and returns a stopped scheduler.
func NewCleanupScheduler(manager *Manager, policy RetentionPolicy, schedule string, logger *slog.Logger) (*CleanupScheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule '%s': %w", schedule, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CleanupScheduler{
		manager:  manager,
		policy:   policy,
		schedule: schedule,
		logger:   logger.With("module", "checkpoint_cleanup"),
	}, nil
}

func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cron != nil {
		return ErrSchedulerRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		_, _ = s.RunOnce(s.ctx)
	})
	if err != nil {
		s.cron = nil
		s.cancel()

		return fmt.Errorf("failed to add cleanup job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()

	s.logger.Info("Checkpoint cleanup scheduled", "schedule", s.schedule, "entry_id", entryID)

	return nil
}

// RunOnce applies the policy immediately.
func (s *CleanupScheduler) RunOnce(ctx context.Context) (CleanupResult, error) {
	result, err := s.manager.CleanupCheckpoints(ctx, s.policy)
	if err != nil {
		s.logger.Error("Checkpoint cleanup failed", "error", err)
	}

	s.mutex.Lock()
	s.last, s.lastErr = result, err
	s.runs++
	s.mutex.Unlock()

	return result, err
}

// LastRun returns the outcome of the most recent cleanup and the number of runs so far.
func (s *CleanupScheduler) LastRun() (CleanupResult, int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.last, s.runs, s.lastErr
}

func (s *CleanupScheduler) Stop() {
	s.mutex.Lock()
	c := s.cron
	s.cron = nil

	if s.cancel != nil {
		s.cancel()
	}
	s.mutex.Unlock()

	if c != nil {
		// Running jobs take the mutex, so wait outside it.
		<-c.Stop().Done()

		s.logger.Info("Checkpoint cleanup stopped")
	}
}
