package lease

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var ErrSchedulerStopped = errors.New("expiry scheduler is stopped")

// Job is the pending expiry for one client.
type Job struct {
	ClientID string    `json:"client_id"`
	FireAt   time.Time `json:"fire_at"`
}

// Scheduler keeps at most one future expiry per client. Scheduling again for
// the same client replaces the pending expiry; the replaced one never fires.
// Firing only hands the client id to fire, which must not block.
type Scheduler struct {
	clock  clock.WithDelayedExecution
	loc    *time.Location
	fire   func(clientID string)
	logger *zap.Logger

	mu      sync.Mutex
	seq     uint64
	jobs    map[string]*pendingJob
	stopped bool
}

type pendingJob struct {
	seq uint64
	// fireAt keeps the clock's monotonic reading; only the Job handed out is
	// converted to the display location.
	fireAt time.Time
	timer  clock.Timer
}

func NewScheduler(clk clock.WithDelayedExecution, loc *time.Location, fire func(clientID string), logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		loc:    loc,
		fire:   fire,
		logger: logger,
		jobs:   make(map[string]*pendingJob),
	}
}

// ScheduleOrReplace sets the expiry for clientID to now+delay.
func (s *Scheduler) ScheduleOrReplace(clientID string, delay time.Duration) (Job, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Job{}, errors.New("client id is required")
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Job{}, ErrSchedulerStopped
	}

	if existing, ok := s.jobs[clientID]; ok {
		existing.timer.Stop()
	}

	s.seq++
	seq := s.seq
	fireAt := s.clock.Now().Add(delay)
	timer := s.clock.AfterFunc(delay, func() {
		s.expire(clientID, seq)
	})
	s.jobs[clientID] = &pendingJob{seq: seq, fireAt: fireAt, timer: timer}

	job := Job{ClientID: clientID, FireAt: fireAt.In(s.loc)}
	s.logger.Info("expiry scheduled",
		zap.String("client_id", clientID),
		zap.Time("fire_at", job.FireAt),
	)
	return job, nil
}

// Cancel drops the pending expiry for clientID, reporting whether one existed.
func (s *Scheduler) Cancel(clientID string) bool {
	clientID = strings.TrimSpace(clientID)

	s.mu.Lock()
	existing, ok := s.jobs[clientID]
	if ok {
		delete(s.jobs, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	// A timer that fires in between finds no job and does nothing.
	existing.timer.Stop()
	return true
}

func (s *Scheduler) Lookup(clientID string) (Job, bool) {
	fireAt, ok := s.fireAt(clientID)
	if !ok {
		return Job{}, false
	}
	return Job{ClientID: strings.TrimSpace(clientID), FireAt: fireAt.In(s.loc)}, true
}

// Remaining reports the time left before clientID expires, never negative.
// It is measured on the same monotonic reading the timer runs on, so a wall
// clock step does not skew it.
func (s *Scheduler) Remaining(clientID string) (time.Duration, bool) {
	fireAt, ok := s.fireAt(clientID)
	if !ok {
		return 0, false
	}
	remaining := fireAt.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func (s *Scheduler) fireAt(clientID string) (time.Time, bool) {
	clientID = strings.TrimSpace(clientID)

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[clientID]
	if !ok {
		return time.Time{}, false
	}
	return existing.fireAt, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every pending expiry and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for clientID, pending := range s.jobs {
		pending.timer.Stop()
		delete(s.jobs, clientID)
	}
}

func (s *Scheduler) expire(clientID string, seq uint64) {
	s.mu.Lock()
	pending, ok := s.jobs[clientID]
	if !ok || pending.seq != seq {
		// Replaced or canceled after the timer already fired.
		s.mu.Unlock()
		return
	}
	delete(s.jobs, clientID)
	s.mu.Unlock()

	s.logger.Info("lease expired", zap.String("client_id", clientID))
	if s.fire != nil {
		s.fire(clientID)
	}
}
