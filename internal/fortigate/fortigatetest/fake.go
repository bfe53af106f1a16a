// Package fortigatetest provides an in-memory firewall for tests.
package fortigatetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/VenkatGGG/proxylease/internal/fortigate"
)

// Op names used for call counting and failure injection.
const (
	OpTestConnection   = "test_connection"
	OpListAddresses    = "list_addresses"
	OpListGroupMembers = "list_group_members"
	OpCreateAddress    = "create_address"
	OpDeleteAddress    = "delete_address"
	OpAddToGroup       = "add_to_group"
	OpRemoveFromGroup  = "remove_from_group"
)

// Fake implements fortigate.Client against in-memory state. Address objects
// and group membership are tracked separately so tests can assert on each.
type Fake struct {
	mu        sync.Mutex
	mode      fortigate.Mode
	addresses map[string]string
	order     []string
	groups    map[string][]string
	failures  map[string]error
	calls     map[string]int
	delay     time.Duration

	inFlight    int
	maxInFlight int
}

func NewFake(mode fortigate.Mode) *Fake {
	return &Fake{
		mode:      mode,
		addresses: make(map[string]string),
		groups:    make(map[string][]string),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// SetMode changes the mode reported by TestConnection.
func (f *Fake) SetMode(mode fortigate.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

// Fail makes every subsequent call to op return err. A nil err clears it.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// SetDelay makes every mutating call sleep, to widen race windows.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SeedAddress creates an address object without counting a call.
func (f *Fake) SeedAddress(name, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.addresses[name]; !ok {
		f.order = append(f.order, name)
	}
	f.addresses[name] = ip
}

// SeedMember adds a group member without counting a call.
func (f *Fake) SeedMember(group, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[group] = append(f.groups[group], name)
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) HasAddress(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.addresses[name]
	return ok
}

func (f *Fake) Members(group string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.groups[group])
}

func (f *Fake) HasMember(group, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.groups[group], name)
}

// MaxInFlight reports the highest number of concurrent mutating calls seen.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *Fake) TestConnection(_ context.Context) (fortigate.Mode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked(OpTestConnection); err != nil {
		return fortigate.ModeUnknown, err
	}
	return f.mode, nil
}

func (f *Fake) ListAddresses(_ context.Context) ([]fortigate.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked(OpListAddresses); err != nil {
		return nil, err
	}
	out := make([]fortigate.Address, 0, len(f.order))
	for _, name := range f.order {
		ip, ok := f.addresses[name]
		if !ok {
			continue
		}
		out = append(out, fortigate.Address{Name: name, Subnet: ip + "/32"})
	}
	return out, nil
}

func (f *Fake) ListGroupMembers(_ context.Context, group string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked(OpListGroupMembers); err != nil {
		return nil, err
	}
	return slices.Clone(f.groups[group]), nil
}

func (f *Fake) CreateAddress(ctx context.Context, name, ip string) error {
	return f.mutate(ctx, OpCreateAddress, func() error {
		if _, ok := f.addresses[name]; ok {
			return &fortigate.StatusError{Op: "create address", Resource: name, StatusCode: 500, Body: "duplicate entry"}
		}
		f.addresses[name] = ip
		f.order = append(f.order, name)
		return nil
	})
}

func (f *Fake) DeleteAddress(ctx context.Context, name string) error {
	return f.mutate(ctx, OpDeleteAddress, func() error {
		if _, ok := f.addresses[name]; !ok {
			return &fortigate.StatusError{Op: "delete address", Resource: name, StatusCode: 404}
		}
		delete(f.addresses, name)
		return nil
	})
}

func (f *Fake) AddToGroup(ctx context.Context, group, name string) error {
	return f.mutate(ctx, OpAddToGroup, func() error {
		if !slices.Contains(f.groups[group], name) {
			f.groups[group] = append(f.groups[group], name)
		}
		return nil
	})
}

func (f *Fake) RemoveFromGroup(ctx context.Context, group, name string) error {
	return f.mutate(ctx, OpRemoveFromGroup, func() error {
		f.groups[group] = slices.DeleteFunc(f.groups[group], func(member string) bool {
			return member == name
		})
		return nil
	})
}

func (f *Fake) mutate(ctx context.Context, op string, apply func() error) error {
	f.mu.Lock()
	if err := f.enterLocked(op); err != nil {
		f.mu.Unlock()
		return err
	}
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", fortigate.ErrConnectivity, ctx.Err())
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return apply()
}

func (f *Fake) enterLocked(op string) error {
	f.calls[op]++
	return f.failures[op]
}
