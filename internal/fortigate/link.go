package fortigate

import (
	"context"
	"sync"
)

// LinkState is a point-in-time view of the firewall connection.
type LinkState struct {
	Connected bool
	Mode      Mode
	LastError string
}

// Link caches whether the firewall has been reached and in which mode. A
// client is only handed out after a successful TestConnection.
type Link struct {
	client Client

	mu        sync.RWMutex
	connected bool
	mode      Mode
	lastErr   string
}

func NewLink(client Client) *Link {
	return &Link{client: client, mode: ModeUnknown}
}

// Connect probes the firewall and records the detected mode. On failure the
// link is left disconnected and the error is kept for health reporting.
func (l *Link) Connect(ctx context.Context) (Mode, error) {
	mode, err := l.client.TestConnection(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.connected = false
		l.mode = ModeUnknown
		l.lastErr = err.Error()
		return ModeUnknown, err
	}
	l.connected = true
	l.mode = mode
	return mode, nil
}

// Ensure returns the current mode, connecting first if needed.
func (l *Link) Ensure(ctx context.Context) (Mode, error) {
	if _, mode, ok := l.Active(); ok {
		return mode, nil
	}
	return l.Connect(ctx)
}

func (l *Link) Active() (Client, Mode, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.connected {
		return nil, ModeUnknown, false
	}
	return l.client, l.mode, true
}

func (l *Link) RecordError(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.lastErr = err.Error()
	l.mu.Unlock()
}

func (l *Link) State() LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LinkState{
		Connected: l.connected,
		Mode:      l.mode,
		LastError: l.lastErr,
	}
}
