package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"mcp-calorie-log/internal/models"
)

// Snapshot is the full meal collection of one user at a point in time.
// Seq increases with every snapshot the feed produces for that user.
type Snapshot struct {
	UserID string
	Seq    uint64
	Meals  []*models.MealRecord
}

type lister func(ctx context.Context, userID string) ([]*models.MealRecord, error)

type subscriber struct {
	ch chan Snapshot
}

// offer replaces any undelivered snapshot with snap. Callers hold Feed.mu,
// so there is a single producer and the send never blocks.
func (s *subscriber) offer(snap Snapshot) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

// Feed fans out a fresh snapshot to every subscriber of a user after each write.
type Feed struct {
	mu     sync.Mutex
	list   lister
	log    *log.Logger
	seq    map[string]uint64
	subs   map[string]map[*subscriber]struct{}
	closed bool

	// done is closed with the feed; watchers tracks the per-subscription goroutines.
	done     chan struct{}
	watchers sync.WaitGroup
}

func newFeed(list lister, logger *log.Logger) *Feed {
	return &Feed{
		list: list,
		log:  logger,
		seq:  make(map[string]uint64),
		subs: make(map[string]map[*subscriber]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe delivers the current snapshot immediately and a new one after every
// create or delete for userID. Only the latest undelivered snapshot is kept, so a
// slow reader skips intermediate states but never sees them out of order.
// The channel is closed when ctx is done or the store is closed.
func (f *Feed) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fmt.Errorf("feed closed")
	}

	meals, err := f.list(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial snapshot: %w", err)
	}

	sub := &subscriber{ch: make(chan Snapshot, 1)}
	sub.offer(f.next(userID, meals))

	if f.subs[userID] == nil {
		f.subs[userID] = make(map[*subscriber]struct{})
	}
	f.subs[userID][sub] = struct{}{}

	f.watchers.Add(1)
	go func() {
		defer f.watchers.Done()
		select {
		case <-ctx.Done():
			f.unsubscribe(userID, sub)
		case <-f.done:
		}
	}()

	return sub.ch, nil
}

func (f *Feed) next(userID string, meals []*models.MealRecord) Snapshot {
	f.seq[userID]++
	return Snapshot{UserID: userID, Seq: f.seq[userID], Meals: meals}
}

func (f *Feed) unsubscribe(userID string, sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.subs[userID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subs, userID)
	}
	close(sub.ch)
}

// publish reloads the collection and hands it to the user's subscribers.
// Listing happens under the lock so snapshots go out in write order.
func (f *Feed) publish(ctx context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.subs[userID]) == 0 {
		return
	}

	// The write already committed; a cancelled request must not stop the fan-out.
	meals, err := f.list(context.WithoutCancel(ctx), userID)
	if err != nil {
		f.log.Error("failed to publish meal snapshot", "user", userID, "error", err)
		return
	}

	snap := f.next(userID, meals)
	for sub := range f.subs[userID] {
		sub.offer(snap)
	}
}

// close ends every subscription and waits for their watchers to exit.
func (f *Feed) close() {
	f.closeAll()
	f.watchers.Wait()
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	for userID, set := range f.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(f.subs, userID)
	}
}
