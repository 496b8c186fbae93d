package evolution

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nateschmiedehaus/librarian/internal/storage"
)

// Scheduler runs periodic mining passes in the background and persists the
// proposed compositions through the store.
//
// The scheduler never starts on construction; work begins at Start and ends
// at Stop. Both are idempotent-guarded and safe to call concurrently.
type Scheduler struct {
	engine   *Engine
	store    storage.Store
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
	opts     Options

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between mining passes. Default one hour.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRunTimeout bounds a single mining pass. Default five minutes.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithOptions sets the mining options used on every pass.
func WithOptions(opts Options) SchedulerOption {
	return func(s *Scheduler) { s.opts = opts }
}

// NewScheduler creates a scheduler over the mining engine. Proposals from
// each pass are saved through store under their disambiguated IDs.
func NewScheduler(engine *Engine, store storage.Store, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if engine == nil {
		return nil, errors.New("evolution: engine cannot be nil")
	}
	if store == nil {
		return nil, errors.New("evolution: store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		engine:   engine,
		store:    store,
		logger:   logger,
		interval: time.Hour,
		timeout:  5 * time.Minute,
		opts:     DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the background loop. Starting a running scheduler is an
// error; no second goroutine is spawned.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("evolution: scheduler already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.logger.Info("evolution scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh)
	return nil
}

// Stop signals the loop to exit. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.logger.Info("evolution scheduler stopped")
	return nil
}

func (s *Scheduler) run(stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("evolution scheduler panicked",
				zap.Any("panic", r), zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.safePass()
		case <-stopCh:
			return
		}
	}
}

// safePass wraps a mining pass in panic recovery so one bad pass does not
// kill the loop.
func (s *Scheduler) safePass() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("evolution pass panicked",
				zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	s.pass()
}

// pass runs one mining pass and persists its proposals. Errors are logged,
// never fatal to the loop.
func (s *Scheduler) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.engine.Evolve(ctx, s.opts)
	if err != nil {
		s.logger.Error("scheduled evolution failed", zap.Error(err))
		return
	}

	saved := 0
	for _, comp := range report.ProposedCompositions {
		if err := s.store.SaveComposition(ctx, comp); err != nil {
			s.logger.Warn("saving proposed composition",
				zap.String("composition_id", comp.ID), zap.Error(err))
			continue
		}
		saved++
	}
	s.logger.Info("scheduled evolution completed",
		zap.Int("traces_scanned", report.TracesScanned),
		zap.Int("patterns", len(report.DiscoveredPatterns)),
		zap.Int("proposals_saved", saved),
		zap.Int("mutation_candidates", len(report.SuggestedMutations)),
		zap.Int("deprecation_candidates", len(report.DeprecationCandidates)))
}
