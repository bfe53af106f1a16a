package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/VenkatGGG/proxylease/internal/audit"
	"github.com/VenkatGGG/proxylease/internal/cleanup"
	"github.com/VenkatGGG/proxylease/internal/fortigate"
	"github.com/VenkatGGG/proxylease/internal/fortigate/fortigatetest"
	"github.com/VenkatGGG/proxylease/internal/lease"
)

const testGroup = "Proxied Devices"

type testEnv struct {
	fake      *fortigatetest.Fake
	link      *fortigate.Link
	registry  *lease.Registry
	scheduler *lease.Scheduler
	worker    *cleanup.Worker
	journal   *audit.Journal
	clock     *clocktesting.FakeClock
	service   *Service
}

func newTestEnv(t *testing.T, mode fortigate.Mode) *testEnv {
	t.Helper()
	fake := fortigatetest.NewFake(mode)
	link := fortigate.NewLink(fake)
	registry := lease.NewRegistry()
	journal := audit.NewJournal(audit.NewInMemoryStore(64), nil)
	clk := clocktesting.NewFakeClock(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))

	var worker *cleanup.Worker
	scheduler := lease.NewScheduler(clk, time.UTC, func(clientID string) {
		_ = worker.Enqueue(cleanup.Request{ClientID: clientID})
	}, nil)
	worker = cleanup.NewWorker(link, registry, journal, cleanup.Config{Group: testGroup, Expiries: scheduler}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)
	t.Cleanup(func() {
		scheduler.Stop()
		cancel()
		<-worker.Done()
	})

	service := NewService(Dependencies{
		Link:      link,
		Registry:  registry,
		Scheduler: scheduler,
		Worker:    worker,
		Journal:   journal,
		Clock:     clk,
	}, Config{
		Host:          "192.0.2.1",
		Group:         testGroup,
		NamePrefix:    "PROXY_",
		LeaseDuration: 2 * time.Hour,
	})
	return &testEnv{
		fake:      fake,
		link:      link,
		registry:  registry,
		scheduler: scheduler,
		worker:    worker,
		journal:   journal,
		clock:     clk,
		service:   service,
	}
}

func waitForEmpty(t *testing.T, registry *lease.Registry) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected registry to drain, still holds %v", registry.List())
}

func TestRegisterRenewExpireInFullMode(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	ctx := context.Background()

	grant, err := env.service.RegisterOrRenew(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if grant.Renewed || grant.Mode != fortigate.ModeFull || grant.ExpiresIn != 2*time.Hour {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if len(grant.ResourceName) <= len("PROXY_") || grant.ResourceName[:6] != "PROXY_" {
		t.Fatalf("expected PROXY_ prefixed name, got %q", grant.ResourceName)
	}
	if !env.fake.HasAddress(grant.ResourceName) || !env.fake.HasMember(testGroup, grant.ResourceName) {
		t.Fatalf("expected address object and group membership for %s", grant.ResourceName)
	}
	if want := env.clock.Now().Add(2 * time.Hour); !grant.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry at %s, got %s", want, grant.ExpiresAt)
	}

	env.clock.Step(30 * time.Minute)
	status := env.service.Status("10.0.0.5")
	if status.Remaining == nil || *status.Remaining != 90*time.Minute {
		t.Fatalf("expected 90m remaining, got %v", status.Remaining)
	}

	renewed, err := env.service.RegisterOrRenew(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.Renewed || renewed.ResourceName != grant.ResourceName {
		t.Fatalf("expected renewal of %s, got %+v", grant.ResourceName, renewed)
	}
	status = env.service.Status("10.0.0.5")
	if status.Remaining == nil || *status.Remaining != 2*time.Hour {
		t.Fatalf("expected renewal to reset remaining to 2h, got %v", status.Remaining)
	}
	if env.fake.Calls(fortigatetest.OpCreateAddress) != 1 {
		t.Fatalf("renewal must not create another object")
	}

	env.clock.Step(2 * time.Hour)
	waitForEmpty(t, env.registry)
	if env.fake.HasAddress(grant.ResourceName) || env.fake.HasMember(testGroup, grant.ResourceName) {
		t.Fatalf("expected expiry to remove object and membership")
	}
	if env.scheduler.Len() != 0 {
		t.Fatalf("expected no pending expiry after firing")
	}
}

func TestRenewWhileExpiryIsQueuedLeavesNoOrphanTimer(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	ctx := context.Background()

	if _, err := env.service.RegisterOrRenew(ctx, "10.0.0.5"); err != nil {
		t.Fatalf("register 10.0.0.5: %v", err)
	}
	env.clock.Step(time.Hour)
	if _, err := env.service.RegisterOrRenew(ctx, "10.0.0.6"); err != nil {
		t.Fatalf("register 10.0.0.6: %v", err)
	}

	// Slow the firewall so the expiry of 10.0.0.5 is still being revoked when
	// the client renews.
	env.fake.SetDelay(50 * time.Millisecond)
	env.clock.Step(time.Hour)
	renewed, err := env.service.RegisterOrRenew(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.Renewed {
		t.Fatalf("expected renewal while revocation is queued, got %+v", renewed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := env.registry.Lookup("10.0.0.5"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected queued revocation to remove 10.0.0.5")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := env.scheduler.Lookup("10.0.0.5"); ok {
		t.Fatalf("expected no expiry left for a revoked lease")
	}
	if env.scheduler.Len() != 1 {
		t.Fatalf("expected only the expiry of 10.0.0.6, got %d", env.scheduler.Len())
	}
	status := env.service.Status("10.0.0.5")
	if status.HasLease || status.Remaining != nil {
		t.Fatalf("expected no lease and no remaining time, got %+v", status)
	}
}

func TestRenewNeverShortensRemainingTime(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	ctx := context.Background()

	first, err := env.service.RegisterOrRenew(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	previous := 2 * time.Hour
	for i := 0; i < 5; i++ {
		env.clock.Step(7 * time.Minute)
		grant, err := env.service.RegisterOrRenew(ctx, "10.0.0.5")
		if err != nil {
			t.Fatalf("renew %d: %v", i, err)
		}
		if grant.ResourceName != first.ResourceName {
			t.Fatalf("renew %d changed resource to %s", i, grant.ResourceName)
		}
		remaining, ok := env.scheduler.Remaining("10.0.0.5")
		if !ok || remaining < previous {
			t.Fatalf("renew %d shortened remaining time to %s", i, remaining)
		}
		previous = remaining
	}
}

func TestRegisterThenReleaseCleansUp(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	ctx := context.Background()

	grant, err := env.service.RegisterOrRenew(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	outcome, err := env.service.Release(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if outcome.ResourceName != grant.ResourceName || !outcome.ObjectDeleted {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if _, ok := env.registry.Lookup("10.0.0.5"); ok {
		t.Fatalf("expected registry to drop the lease")
	}
	if env.fake.HasMember(testGroup, grant.ResourceName) {
		t.Fatalf("expected group membership to be removed")
	}
	if env.scheduler.Len() != 0 {
		t.Fatalf("expected release to cancel the expiry")
	}

	// The canceled expiry never fires a second revocation.
	env.clock.Step(3 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	if got := env.fake.Calls(fortigatetest.OpRemoveFromGroup); got != 1 {
		t.Fatalf("expected exactly one removal, got %d", got)
	}
}

func TestReleaseUnknownClient(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	if _, err := env.service.Release(context.Background(), "10.0.0.77"); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExpiryAfterReleaseIsNoop(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	ctx := context.Background()

	if _, err := env.service.RegisterOrRenew(ctx, "10.0.0.5"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := env.service.Release(ctx, "10.0.0.5"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// An expiry that was already in flight when the release landed.
	handleErr := env.worker.Enqueue(cleanup.Request{ClientID: "10.0.0.5"})
	if handleErr != nil {
		t.Fatalf("enqueue: %v", handleErr)
	}
	time.Sleep(20 * time.Millisecond)
	if got := env.fake.Calls(fortigatetest.OpRemoveFromGroup); got != 1 {
		t.Fatalf("expected late expiry to skip remote calls, got %d removals", got)
	}
	events, err := env.journal.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for _, event := range events {
		if event.Kind == audit.KindRevokeFailed {
			t.Fatalf("late expiry must not fail: %+v", event)
		}
	}
}

func TestGroupOnlyModeNeverTouchesObjects(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeGroupOnly)
	ctx := context.Background()

	grant, err := env.service.RegisterOrRenew(ctx, "10.0.0.6")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if grant.Mode != fortigate.ModeGroupOnly || !env.fake.HasMember(testGroup, grant.ResourceName) {
		t.Fatalf("expected group membership only, got %+v", grant)
	}
	if _, err := env.service.Release(ctx, "10.0.0.6"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := env.fake.Calls(fortigatetest.OpCreateAddress); got != 0 {
		t.Fatalf("expected no create calls, got %d", got)
	}
	if got := env.fake.Calls(fortigatetest.OpDeleteAddress); got != 0 {
		t.Fatalf("expected no delete calls, got %d", got)
	}
}

func TestRegisterUnwindsCreatedObjectWhenGroupAddFails(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	env.fake.Fail(fortigatetest.OpAddToGroup, &fortigate.StatusError{Op: "update group", Resource: testGroup, StatusCode: 500})

	_, err := env.service.RegisterOrRenew(context.Background(), "10.0.0.5")
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Step != StepAddToGroup {
		t.Fatalf("expected add-to-group registration error, got %v", err)
	}
	if env.fake.HasAddress(regErr.Resource) {
		t.Fatalf("expected created object %s to be deleted again", regErr.Resource)
	}
	if env.registry.Len() != 0 || env.scheduler.Len() != 0 {
		t.Fatalf("failed registration must leave no lease or job")
	}
	if env.service.Health().LastError == "" {
		t.Fatalf("expected failure to surface on health")
	}
}

func TestRegisterCreateFailureSkipsGroup(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	env.fake.Fail(fortigatetest.OpCreateAddress, &fortigate.StatusError{Op: "create address", StatusCode: 403})

	_, err := env.service.RegisterOrRenew(context.Background(), "10.0.0.5")
	if !errors.Is(err, fortigate.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if env.fake.Calls(fortigatetest.OpAddToGroup) != 0 {
		t.Fatalf("group must not be touched after create failed")
	}
}

func TestRegisterWhenFirewallUnreachable(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)
	env.fake.Fail(fortigatetest.OpTestConnection, fortigate.ErrConnectivity)

	if _, err := env.service.RegisterOrRenew(context.Background(), "10.0.0.5"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}

	// Connects lazily once the firewall is back.
	env.fake.Fail(fortigatetest.OpTestConnection, nil)
	if _, err := env.service.RegisterOrRenew(context.Background(), "10.0.0.5"); err != nil {
		t.Fatalf("register after recovery: %v", err)
	}
}

func TestConcurrentFirstRegistrationsCreateOneObject(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)

	var wg sync.WaitGroup
	names := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			grant, err := env.service.RegisterOrRenew(context.Background(), "10.0.0.5")
			if err == nil {
				names <- grant.ResourceName
			}
		}()
	}
	wg.Wait()
	close(names)

	seen := map[string]struct{}{}
	for name := range names {
		seen[name] = struct{}{}
	}
	if len(seen) != 1 {
		t.Fatalf("expected one resource name, got %v", seen)
	}
	if got := env.fake.Calls(fortigatetest.OpCreateAddress); got != 1 {
		t.Fatalf("expected one object, got %d creates", got)
	}
}

func TestStatusAndHealth(t *testing.T) {
	env := newTestEnv(t, fortigate.ModeFull)

	status := env.service.Status("10.0.0.5")
	if status.HasLease || status.Remaining != nil || status.Connected {
		t.Fatalf("expected empty status before connect, got %+v", status)
	}

	grant, err := env.service.RegisterOrRenew(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	status = env.service.Status("10.0.0.5")
	if !status.HasLease || status.ResourceName != grant.ResourceName || !status.Connected || status.Group != testGroup {
		t.Fatalf("unexpected status %+v", status)
	}

	env.clock.Step(time.Minute)
	health := env.service.Health()
	if !health.Connected || health.Host != "192.0.2.1" || health.Mode != fortigate.ModeFull {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.Leases != 1 || health.ActiveTimers != 1 || health.Uptime != time.Minute {
		t.Fatalf("unexpected counters %+v", health)
	}
}
