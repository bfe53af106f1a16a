package proxy

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/VenkatGGG/proxylease/internal/audit"
	"github.com/VenkatGGG/proxylease/internal/cleanup"
	"github.com/VenkatGGG/proxylease/internal/completion"
	"github.com/VenkatGGG/proxylease/internal/fortigate"
	"github.com/VenkatGGG/proxylease/internal/lease"
)

var (
	ErrLeaseNotFound = errors.New("no active lease for client")
	ErrNotConnected  = errors.New("firewall is not connected")
)

// Registration steps reported in RegistrationError.
const (
	StepCreateAddress = "create_address"
	StepAddToGroup    = "add_to_group"
	StepSchedule      = "schedule"
)

type RegistrationError struct {
	ClientID string
	Resource string
	Step     string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s (%s) failed at %s: %v", e.ClientID, e.Resource, e.Step, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

type Config struct {
	Host          string
	Group         string
	NamePrefix    string
	LeaseDuration time.Duration
}

// Grant is the result of a successful registration or renewal.
type Grant struct {
	ClientID     string
	ResourceName string
	Mode         fortigate.Mode
	ExpiresIn    time.Duration
	ExpiresAt    time.Time
	Renewed      bool
}

type Status struct {
	ClientID     string
	HasLease     bool
	ResourceName string
	// Remaining is nil when no expiry is pending.
	Remaining *time.Duration
	Connected bool
	Mode      fortigate.Mode
	Host      string
	Group     string
}

type Health struct {
	Connected    bool
	Host         string
	Mode         fortigate.Mode
	ActiveTimers int
	Leases       int
	QueueSize    int
	MemoryMB     float64
	Uptime       time.Duration
	LastError    string
	Timestamp    time.Time
}

// Service is the request-facing side of the lease engine. Registration and
// renewal run on the caller's goroutine; revocation is always handed to the
// cleanup worker.
type Service struct {
	link      *fortigate.Link
	registry  *lease.Registry
	scheduler *lease.Scheduler
	worker    *cleanup.Worker
	journal   *audit.Journal
	clock     clock.PassiveClock
	cfg       Config
	logger    *zap.Logger
	startedAt time.Time
	newName   func() string

	// registerMu serializes the registration path so two first-time requests
	// from the same client cannot both create an address object.
	registerMu sync.Mutex
}

type Dependencies struct {
	Link      *fortigate.Link
	Registry  *lease.Registry
	Scheduler *lease.Scheduler
	Worker    *cleanup.Worker
	Journal   *audit.Journal
	Clock     clock.PassiveClock
	Logger    *zap.Logger
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "PROXY_"
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Hour
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	prefix := cfg.NamePrefix
	return &Service{
		link:      deps.Link,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		worker:    deps.Worker,
		journal:   deps.Journal,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    deps.Logger,
		startedAt: deps.Clock.Now(),
		newName: func() string {
			return prefix + uuid.NewString()
		},
	}
}

// RegisterOrRenew grants clientID a lease, or pushes its expiry out to a full
// lease duration from now if it already holds one.
func (s *Service) RegisterOrRenew(ctx context.Context, clientID string) (Grant, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Grant{}, errors.New("client id is required")
	}
	if _, err := s.link.Ensure(ctx); err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	if current, ok := s.registry.Lookup(clientID); ok {
		return s.renew(ctx, current)
	}
	return s.register(ctx, clientID)
}

func (s *Service) renew(ctx context.Context, current lease.Lease) (Grant, error) {
	_, mode, _ := s.link.Active()
	job, err := s.scheduler.ScheduleOrReplace(current.ClientID, s.cfg.LeaseDuration)
	if err != nil {
		return Grant{}, &RegistrationError{ClientID: current.ClientID, Resource: current.ResourceName, Step: StepSchedule, Err: err}
	}

	s.logger.Info("lease renewed",
		zap.String("client_id", current.ClientID),
		zap.String("resource", current.ResourceName),
	)
	s.journal.Record(ctx, audit.Event{
		Kind:         audit.KindRenewed,
		ClientID:     current.ClientID,
		ResourceName: current.ResourceName,
	})
	return Grant{
		ClientID:     current.ClientID,
		ResourceName: current.ResourceName,
		Mode:         mode,
		ExpiresIn:    s.cfg.LeaseDuration,
		ExpiresAt:    job.FireAt,
		Renewed:      true,
	}, nil
}

func (s *Service) register(ctx context.Context, clientID string) (Grant, error) {
	client, mode, ok := s.link.Active()
	if !ok {
		return Grant{}, ErrNotConnected
	}
	name := s.newName()
	logger := s.logger.With(
		zap.String("client_id", clientID),
		zap.String("resource", name),
		zap.String("mode", string(mode)),
	)

	if mode.ManagesObjects() {
		if err := client.CreateAddress(ctx, name, clientID); err != nil {
			return Grant{}, s.registrationFailed(ctx, logger, &RegistrationError{ClientID: clientID, Resource: name, Step: StepCreateAddress, Err: err})
		}
	}

	if err := client.AddToGroup(ctx, s.cfg.Group, name); err != nil {
		if mode.ManagesObjects() {
			if unwindErr := client.DeleteAddress(ctx, name); unwindErr != nil {
				logger.Error("unwind of created address failed", zap.Error(unwindErr))
			}
		}
		return Grant{}, s.registrationFailed(ctx, logger, &RegistrationError{ClientID: clientID, Resource: name, Step: StepAddToGroup, Err: err})
	}

	s.registry.Put(clientID, name)
	job, err := s.scheduler.ScheduleOrReplace(clientID, s.cfg.LeaseDuration)
	if err != nil {
		// Only happens during shutdown. Hand the grant straight back to the
		// worker so it is not left open with no expiry.
		if enqueueErr := s.worker.Enqueue(cleanup.Request{ClientID: clientID}); enqueueErr != nil {
			logger.Error("lease left without expiry", zap.Error(enqueueErr))
		}
		return Grant{}, s.registrationFailed(ctx, logger, &RegistrationError{ClientID: clientID, Resource: name, Step: StepSchedule, Err: err})
	}

	logger.Info("lease granted", zap.Time("expires_at", job.FireAt))
	s.journal.Record(ctx, audit.Event{
		Kind:         audit.KindGranted,
		ClientID:     clientID,
		ResourceName: name,
	})
	return Grant{
		ClientID:     clientID,
		ResourceName: name,
		Mode:         mode,
		ExpiresIn:    s.cfg.LeaseDuration,
		ExpiresAt:    job.FireAt,
	}, nil
}

func (s *Service) registrationFailed(ctx context.Context, logger *zap.Logger, err *RegistrationError) error {
	s.link.RecordError(err)
	logger.Error("registration failed", zap.String("step", err.Step), zap.Error(err.Err))
	s.journal.Record(ctx, audit.Event{
		Kind:         audit.KindRegisterFailed,
		ClientID:     err.ClientID,
		ResourceName: err.Resource,
		Detail:       err.Error(),
	})
	return err
}

// Release revokes the lease held by clientID and waits for the cleanup worker
// to finish. Canceling ctx stops the wait, not the revocation.
func (s *Service) Release(ctx context.Context, clientID string) (cleanup.Outcome, error) {
	clientID = strings.TrimSpace(clientID)
	if _, ok := s.registry.Lookup(clientID); !ok {
		return cleanup.Outcome{}, ErrLeaseNotFound
	}

	if s.scheduler.Cancel(clientID) {
		s.logger.Info("expiry canceled for manual release", zap.String("client_id", clientID))
	}

	handle, waiter := completion.New[cleanup.Outcome]()
	if err := s.worker.Enqueue(cleanup.Request{ClientID: clientID, Completion: handle, Manual: true}); err != nil {
		return cleanup.Outcome{}, err
	}
	return waiter.Wait(ctx)
}

func (s *Service) Status(clientID string) Status {
	clientID = strings.TrimSpace(clientID)
	state := s.link.State()
	status := Status{
		ClientID:  clientID,
		Connected: state.Connected,
		Mode:      state.Mode,
		Host:      s.cfg.Host,
		Group:     s.cfg.Group,
	}
	current, ok := s.registry.Lookup(clientID)
	if !ok {
		return status
	}
	status.HasLease = true
	status.ResourceName = current.ResourceName
	if remaining, ok := s.scheduler.Remaining(clientID); ok {
		status.Remaining = &remaining
	}
	return status
}

func (s *Service) Health() Health {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	state := s.link.State()
	health := Health{
		Connected:    state.Connected,
		Mode:         state.Mode,
		ActiveTimers: s.scheduler.Len(),
		Leases:       s.registry.Len(),
		QueueSize:    s.worker.Len(),
		MemoryMB:     float64(mem.Sys) / 1024 / 1024,
		Uptime:       s.clock.Since(s.startedAt),
		LastError:    state.LastError,
		Timestamp:    s.clock.Now().UTC(),
	}
	if state.Connected {
		health.Host = s.cfg.Host
	}
	return health
}

// Leases lists every active lease.
func (s *Service) Leases() []lease.Lease {
	return s.registry.List()
}
