package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/VenkatGGG/proxylease/internal/audit"
	"github.com/VenkatGGG/proxylease/internal/completion"
	"github.com/VenkatGGG/proxylease/internal/fortigate"
	"github.com/VenkatGGG/proxylease/internal/lease"
)

var ErrWorkerStopped = errors.New("cleanup worker is stopped")

// Revocation steps reported in RevocationError.
const (
	StepConnect         = "connect"
	StepRemoveFromGroup = "remove_from_group"
	StepPanic           = "panic"
)

// Request asks the worker to revoke the lease held by ClientID. Completion is
// nil for timer-driven expiries.
type Request struct {
	ClientID   string
	Completion *completion.Handle[Outcome]
	Manual     bool
}

// Outcome describes a successful revocation.
type Outcome struct {
	ClientID      string `json:"client_id"`
	ResourceName  string `json:"resource_name,omitempty"`
	ObjectDeleted bool   `json:"object_deleted"`
	// AlreadyClean is set when no lease existed, e.g. an expiry that lost the
	// race against a manual release.
	AlreadyClean bool `json:"already_clean,omitempty"`
}

type RevocationError struct {
	ClientID string
	Resource string
	Step     string
	Err      error
}

func (e *RevocationError) Error() string {
	return fmt.Sprintf("revoke %s (%s) failed at %s: %v", e.ClientID, e.Resource, e.Step, e.Err)
}

func (e *RevocationError) Unwrap() error {
	return e.Err
}

// ExpiryCanceler drops the pending expiry of a client. *lease.Scheduler
// satisfies it.
type ExpiryCanceler interface {
	Cancel(clientID string) bool
}

type Config struct {
	Group string
	// Expiries is optional. When set, a successful revocation also drops any
	// expiry scheduled for the client while the revocation was queued.
	Expiries ExpiryCanceler
}

// Worker performs every lease-revoking mutation against the firewall, one
// request at a time and in enqueue order.
type Worker struct {
	link     *fortigate.Link
	registry *lease.Registry
	journal  *audit.Journal
	cfg      Config
	logger   *zap.Logger

	// revokeMu guards the revoke-and-unregister sequence.
	revokeMu sync.Mutex

	mu      sync.Mutex
	queue   deque.Deque[Request]
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func NewWorker(link *fortigate.Link, registry *lease.Registry, journal *audit.Journal, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		link:     link,
		registry: registry,
		journal:  journal,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue adds req to the queue without blocking. After shutdown the request
// is rejected and its completion, if any, is failed with ErrWorkerStopped.
func (w *Worker) Enqueue(req Request) error {
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		return errors.New("client id is required")
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		req.Completion.Reject(ErrWorkerStopped)
		return ErrWorkerStopped
	}
	w.queue.PushBack(req)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of queued, not yet started, requests.
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// Run processes requests until ctx is done, then drains whatever is still
// queued and returns. Canceling ctx only ends the idle wait: a request that
// has been enqueued always reaches the firewall with a live context. Run must
// be called at most once.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("cleanup worker started", zap.String("group", w.cfg.Group))

	opCtx := context.WithoutCancel(ctx)
	for {
		if req, ok := w.next(); ok {
			w.process(opCtx, req)
			continue
		}
		select {
		case <-ctx.Done():
			w.drain(opCtx)
			return
		case <-w.wake:
		}
	}
}

// Done is closed once Run has drained the queue and returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) drain(ctx context.Context) {
	w.mu.Lock()
	w.stopped = true
	pending := w.queue.Len()
	w.mu.Unlock()

	w.logger.Info("cleanup worker stopping", zap.Int("pending", pending))
	for {
		req, ok := w.next()
		if !ok {
			return
		}
		w.process(ctx, req)
	}
}

func (w *Worker) next() (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queue.Len() == 0 {
		return Request{}, false
	}
	return w.queue.PopFront(), true
}

func (w *Worker) process(ctx context.Context, req Request) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := &RevocationError{
				ClientID: req.ClientID,
				Step:     StepPanic,
				Err:      fmt.Errorf("%v", recovered),
			}
			w.link.RecordError(err)
			w.logger.Error("revocation panicked", zap.String("client_id", req.ClientID), zap.Any("panic", recovered))
			req.Completion.Reject(err)
		}
	}()

	outcome, err := w.revoke(ctx, req)
	if err != nil {
		w.journal.Record(ctx, audit.Event{
			Kind:     audit.KindRevokeFailed,
			ClientID: req.ClientID,
			Manual:   req.Manual,
			Detail:   err.Error(),
		})
		req.Completion.Reject(err)
		return
	}
	if !outcome.AlreadyClean {
		w.journal.Record(ctx, audit.Event{
			Kind:         audit.KindRevoked,
			ClientID:     req.ClientID,
			ResourceName: outcome.ResourceName,
			Manual:       req.Manual,
		})
	}
	req.Completion.Resolve(outcome)
}

func (w *Worker) revoke(ctx context.Context, req Request) (Outcome, error) {
	w.revokeMu.Lock()
	defer w.revokeMu.Unlock()

	logger := w.logger.With(zap.String("client_id", req.ClientID), zap.Bool("manual", req.Manual))

	current, ok := w.registry.Lookup(req.ClientID)
	if !ok {
		logger.Info("no lease to revoke")
		return Outcome{ClientID: req.ClientID, AlreadyClean: true}, nil
	}
	logger = logger.With(zap.String("resource", current.ResourceName))

	client, mode, connected := w.link.Active()
	if !connected {
		err := &RevocationError{
			ClientID: req.ClientID,
			Resource: current.ResourceName,
			Step:     StepConnect,
			Err:      errors.New("firewall connection unavailable"),
		}
		w.link.RecordError(err)
		logger.Error("revocation failed", zap.Error(err))
		return Outcome{}, err
	}

	if err := client.RemoveFromGroup(ctx, w.cfg.Group, current.ResourceName); err != nil {
		revokeErr := &RevocationError{
			ClientID: req.ClientID,
			Resource: current.ResourceName,
			Step:     StepRemoveFromGroup,
			Err:      err,
		}
		w.link.RecordError(revokeErr)
		logger.Error("revocation failed", zap.Error(revokeErr))
		return Outcome{}, revokeErr
	}
	logger.Info("removed from allow group", zap.String("group", w.cfg.Group))

	outcome := Outcome{ClientID: req.ClientID, ResourceName: current.ResourceName}
	if mode.ManagesObjects() {
		// Group removal already ended the lease; a leftover object is only clutter.
		if err := client.DeleteAddress(ctx, current.ResourceName); err != nil {
			logger.Warn("delete address object failed", zap.Error(err))
		} else {
			outcome.ObjectDeleted = true
		}
	}

	if w.cfg.Expiries != nil && w.cfg.Expiries.Cancel(req.ClientID) {
		logger.Info("dropped expiry scheduled after revocation was queued")
	}
	w.registry.Remove(req.ClientID)
	logger.Info("lease revoked", zap.Bool("object_deleted", outcome.ObjectDeleted))
	return outcome, nil
}
