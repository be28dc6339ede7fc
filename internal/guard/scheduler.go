package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-guardian/config"
)

// Scheduler owns the two background loops of the control plane: the
// reconciliation sweep and the exit-retry drain. Each loop has its own
// ticker; both share one stop channel and are waited on at shutdown.
type Scheduler struct {
	reconciler *ReconciliationService
	retry      *ExitRetryService
	config     config.GuardConfig
	logger     zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(reconciler *ReconciliationService, retry *ExitRetryService, cfg config.GuardConfig, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		reconciler: reconciler,
		retry:      retry,
		config:     cfg,
		logger:     logger.With().Str("component", "guard_scheduler").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start launches both loops
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("guard scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{}) // Reinitialize for restart capability
	s.mu.Unlock()

	s.logger.Info().
		Dur("reconcile_interval", s.config.ReconcileInterval).
		Dur("retry_drain_interval", s.config.RetryDrainInterval).
		Msg("guard scheduler starting")

	s.wg.Add(2)
	go s.runReconcileLoop()
	go s.runRetryDrainLoop()

	return nil
}

// Stop signals both loops and waits for them to exit
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("guard scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info().Msg("guard scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runReconcileLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReconcileInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runReconcile()

	for {
		select {
		case <-ticker.C:
			s.runReconcile()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) runRetryDrainLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetryDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.retry.DrainDue(context.Background(), time.Now()); err != nil {
				s.logger.Error().Err(err).Msg("exit retry drain failed")
			}
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) runReconcile() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("reconcile sweep panicked")
		}
	}()

	report, err := s.reconciler.Reconcile(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("reconcile sweep failed")
		return
	}
	if report.Mismatch {
		s.logger.Warn().Int("accounts", len(report.Accounts)).Msg("reconcile sweep found mismatches")
	} else {
		s.logger.Debug().Int("accounts", len(report.Accounts)).Msg("reconcile sweep clean")
	}
}
