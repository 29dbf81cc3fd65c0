package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

type memItem struct {
	msg         Message
	availableAt time.Time
	leasedUntil time.Time
}

// MemoryQueue is an in-process Queue for tests and local runs.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]*memItem
	lease time.Duration
	now   func() time.Time
}

// NewMemoryQueue creates a MemoryQueue with the given lease (default 5m).
func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &MemoryQueue{
		items: make(map[string]*memItem),
		lease: lease,
		now:   time.Now,
	}
}

var _ Queue = (*MemoryQueue)(nil)

// Enqueue adds task.
func (q *MemoryQueue) Enqueue(_ context.Context, task model.ScrapeTask, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	id := uuid.New().String()
	q.items[id] = &memItem{
		msg:         Message{ID: id, Task: task, EnqueuedAt: now},
		availableAt: now.Add(clampDelay(delay)),
	}
	return id, nil
}

// Claim leases up to n visible messages.
func (q *MemoryQueue) Claim(_ context.Context, n int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*memItem
	for _, it := range q.items {
		if !it.availableAt.After(now) && !it.leasedUntil.After(now) {
			ready = append(ready, it)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].msg.Task.Priority != ready[j].msg.Task.Priority {
			return ready[i].msg.Task.Priority > ready[j].msg.Task.Priority
		}
		return ready[i].availableAt.Before(ready[j].availableAt)
	})
	if n > 0 && len(ready) > n {
		ready = ready[:n]
	}

	out := make([]Message, len(ready))
	for i, it := range ready {
		it.msg.Attempt++
		it.leasedUntil = now.Add(q.lease)
		out[i] = it.msg
	}
	return out, nil
}

func (q *MemoryQueue) leased(id string) (*memItem, error) {
	it, ok := q.items[id]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownMessage, "memory queue: %s", id)
	}
	return it, nil
}

// Ack removes a message.
func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.leased(id); err != nil {
		return err
	}
	delete(q.items, id)
	return nil
}

// Retry releases a message after delay.
func (q *MemoryQueue) Retry(_ context.Context, id string, delay time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.leased(id)
	if err != nil {
		return err
	}
	it.availableAt = q.now().Add(clampDelay(delay))
	it.leasedUntil = time.Time{}
	it.msg.LastError = reason
	return nil
}

// Defer releases a message after delay and refunds the attempt.
func (q *MemoryQueue) Defer(_ context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.leased(id)
	if err != nil {
		return err
	}
	it.availableAt = q.now().Add(clampDelay(delay))
	it.leasedUntil = time.Time{}
	if it.msg.Attempt > 0 {
		it.msg.Attempt--
	}
	return nil
}

// Depth counts every message.
func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
