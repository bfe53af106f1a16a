package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Journal stamps events, persists them to a Store and fans them out to live
// subscribers. Slow subscribers miss events rather than stall the caller.
type Journal struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	nextSub int
	subs    map[int]chan Event
}

func NewJournal(store Store, logger *zap.Logger) *Journal {
	if store == nil {
		store = NewInMemoryStore(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[int]chan Event),
	}
}

// Record is safe on a nil Journal. Store failures are logged, not returned:
// the journal must never fail a lease operation.
func (j *Journal) Record(ctx context.Context, event Event) {
	if j == nil {
		return
	}
	if event.ID == "" {
		event.ID = "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if event.At.IsZero() {
		event.At = j.now()
	}

	if err := j.store.Append(ctx, event); err != nil {
		j.logger.Warn("audit append failed",
			zap.String("kind", string(event.Kind)),
			zap.String("client_id", event.ClientID),
			zap.Error(err),
		)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	return j.store.Recent(ctx, limit)
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (j *Journal) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	j.mu.Lock()
	id := j.nextSub
	j.nextSub++
	j.subs[id] = ch
	j.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subs, id)
			j.mu.Unlock()
			close(ch)
		})
	}
}
