package sweeper

import (
	"context"
	"sync"
	"time"

	"chunkrelay/internal/logger"
	"chunkrelay/internal/session"
)

// Expirer closes stale sessions. *session.Manager implements it.
type Expirer interface {
	ExpireSessions(ctx context.Context) (session.ExpiryReport, error)
}

// Status describes the most recent pass.
type Status struct {
	Running  bool                 `json:"running"`
	Interval time.Duration        `json:"interval"`
	Runs     int                  `json:"runs"`
	LastRun  time.Time            `json:"last_run,omitempty"`
	LastErr  string               `json:"last_error,omitempty"`
	Last     session.ExpiryReport `json:"last_report"`
}

// Sweeper calls Expirer on a fixed interval until stopped.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration

	shutdown chan struct{}
	done     chan struct{}
	running  bool
	mu       sync.RWMutex

	// runMu keeps ticks and manual runs from overlapping.
	runMu  sync.Mutex
	status Status
}

func New(expirer Expirer, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		status:   Status{Interval: interval},
	}, nil
}

// Start launches the sweep loop. The first pass runs after one interval.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSweeperAlreadyRunning
	}
	s.running = true
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})

	logger.Info().Dur("interval", s.interval).Msg("starting session sweeper")
	go s.run(ctx, s.shutdown, s.done)
	return nil
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSweeperNotRunning
	}
	s.running = false
	close(s.shutdown)
	done := s.done
	s.mu.Unlock()

	<-done
	logger.Info().Msg("session sweeper stopped")
	return nil
}

func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single pass. Errors are logged and returned; they never
// stop the loop.
func (s *Sweeper) RunOnce(ctx context.Context) (session.ExpiryReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report, err := s.expirer.ExpireSessions(ctx)

	s.mu.Lock()
	s.status.Runs++
	s.status.LastRun = time.Now()
	s.status.Last = report
	s.status.LastErr = ""
	if err != nil {
		s.status.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Msg("error in cleanup pass")
	} else if len(report.Expired) > 0 || len(report.Evicted) > 0 {
		logger.Info().
			Int("expired", len(report.Expired)).
			Int("evicted", len(report.Evicted)).
			Msg("cleanup pass finished")
	}
	return report, err
}

// Status returns a copy of the sweeper's state.
func (s *Sweeper) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.Running = s.running
	return st
}
