package resource_manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GPUResourceManager arbitrates a set of named GPU resource classes, each
// with a fixed concurrency ceiling. Acquire parks the caller on a channel
// until a slot frees; waiters are served FIFO per class. Classes are fully
// independent: acquiring one class never blocks on another class's queue.
type GPUResourceManager struct {
	mu      sync.Mutex
	classes map[string]*resourceClass
}

// Ticket represents one held GPU slot. It exists only while the slot is held.
type Ticket struct {
	ID         string
	Class      string
	TaskID     string
	AcquiredAt time.Time

	released bool // guarded by the manager mutex
}

type resourceClass struct {
	name    string
	ceiling int
	inUse   int
	holders map[string]*Ticket // taskID -> held ticket
	waiters []*waiter          // FIFO
}

type waiter struct {
	taskID string
	ready  chan *Ticket
}

// ClassStatus is a point-in-time view of one resource class
type ClassStatus struct {
	Ceiling int `json:"ceiling"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

// ErrAlreadyHeld is returned when a task acquires a class it already holds
// without releasing first. Failing fast here beats deadlocking silently.
var ErrAlreadyHeld = fmt.Errorf("task already holds a slot in this resource class")

// NewGPUResourceManager creates a manager with the given class ceilings
// (e.g. "detection": 2, "segmentation": 1)
func NewGPUResourceManager(ceilings map[string]int) *GPUResourceManager {
	classes := make(map[string]*resourceClass, len(ceilings))
	for name, ceiling := range ceilings {
		if ceiling < 1 {
			ceiling = 1
		}
		classes[name] = &resourceClass{
			name:    name,
			ceiling: ceiling,
			holders: make(map[string]*Ticket),
		}
	}
	return &GPUResourceManager{classes: classes}
}

// Acquire blocks until a slot in class is available, then returns a ticket.
// Waiting is a channel park, never a busy-wait. Cancelling ctx while waiting
// removes the waiter from the queue.
func (m *GPUResourceManager) Acquire(ctx context.Context, class, taskID string) (*Ticket, error) {
	m.mu.Lock()

	rc, ok := m.classes[class]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown resource class %q", class)
	}

	if _, held := rc.holders[taskID]; held {
		m.mu.Unlock()
		return nil, fmt.Errorf("acquire %q for task %s: %w", class, taskID, ErrAlreadyHeld)
	}
	for _, w := range rc.waiters {
		if w.taskID == taskID {
			m.mu.Unlock()
			return nil, fmt.Errorf("acquire %q for task %s: %w", class, taskID, ErrAlreadyHeld)
		}
	}

	if rc.inUse < rc.ceiling {
		ticket := rc.grant(taskID)
		m.mu.Unlock()
		return ticket, nil
	}

	w := &waiter{taskID: taskID, ready: make(chan *Ticket, 1)}
	rc.waiters = append(rc.waiters, w)
	m.mu.Unlock()

	select {
	case ticket := <-w.ready:
		return ticket, nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, queued := range rc.waiters {
			if queued == w {
				rc.waiters = append(rc.waiters[:i], rc.waiters[i+1:]...)
				m.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		m.mu.Unlock()
		// Slot was granted between ctx.Done and requeue removal; hand it back
		ticket := <-w.ready
		m.release(ticket)
		return nil, ctx.Err()
	}
}

// Release frees the slot held by ticket and wakes the next FIFO waiter.
// Releasing an unknown or already-released ticket is a no-op with a warning.
func (m *GPUResourceManager) Release(ticket *Ticket) {
	if ticket == nil {
		log.Printf("gpu: release of nil ticket ignored")
		return
	}
	m.release(ticket)
}

func (m *GPUResourceManager) release(ticket *Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rc, ok := m.classes[ticket.Class]
	if !ok {
		log.Printf("gpu: release of ticket %s for unknown class %q ignored", ticket.ID, ticket.Class)
		return
	}
	held, ok := rc.holders[ticket.TaskID]
	if !ok || held.ID != ticket.ID || ticket.released {
		log.Printf("gpu: release of unknown or already-released ticket %s (class %s, task %s) ignored",
			ticket.ID, ticket.Class, ticket.TaskID)
		return
	}

	ticket.released = true
	delete(rc.holders, ticket.TaskID)
	rc.inUse--

	if len(rc.waiters) > 0 {
		next := rc.waiters[0]
		rc.waiters = rc.waiters[1:]
		next.ready <- rc.grant(next.taskID)
	}
}

// grant must be called with the manager mutex held
func (rc *resourceClass) grant(taskID string) *Ticket {
	ticket := &Ticket{
		ID:         uuid.New().String(),
		Class:      rc.name,
		TaskID:     taskID,
		AcquiredAt: time.Now(),
	}
	rc.holders[taskID] = ticket
	rc.inUse++
	return ticket
}

// Status returns a snapshot of every resource class
func (m *GPUResourceManager) Status() map[string]ClassStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]ClassStatus, len(m.classes))
	for name, rc := range m.classes {
		status[name] = ClassStatus{
			Ceiling: rc.ceiling,
			InUse:   rc.inUse,
			Waiting: len(rc.waiters),
		}
	}
	return status
}
