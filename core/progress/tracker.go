package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"avatar-pipeline/core/models"
)

const (
	// DefaultQueueSize is the per-subscriber live delivery buffer
	DefaultQueueSize = 64
	// DefaultHeartbeatInterval is how often active tasks emit a heartbeat
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultRetention is how long a terminal task's event history is kept
	DefaultRetention = time.Hour
)

// Tracker is a per-task progress event log with pub-sub fan-out. Publishers
// append ordered events; subscribers (including late joiners) receive the
// full history followed by live events. Publish never blocks: a slow
// subscriber loses its oldest buffered events and receives a GAP marker.
type Tracker struct {
	mu        sync.Mutex
	tasks     map[string]*taskLog
	queueSize int
	heartbeat time.Duration
	retention time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type taskLog struct {
	events      []models.ProgressEvent
	nextSeq     int64
	subscribers map[*Subscription]struct{}
	terminal    bool
	terminalAt  time.Time
}

// Subscription is one subscriber's view of a task's event stream: the
// history captured at subscribe time, then live events until a terminal
// event or Close
type Subscription struct {
	tracker *Tracker
	taskID  string
	backlog []models.ProgressEvent
	live    chan models.ProgressEvent
	closed  bool
}

// NewTracker creates a tracker; zero values select the defaults above
func NewTracker(queueSize int, heartbeat, retention time.Duration) *Tracker {
	if queueSize < 2 {
		queueSize = DefaultQueueSize
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		tasks:     make(map[string]*taskLog),
		queueSize: queueSize,
		heartbeat: heartbeat,
		retention: retention,
		stopChan:  make(chan struct{}),
	}
}

// Start runs the heartbeat and retention sweep loops until Stop or ctx done
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(2)
	go t.heartbeatLoop(ctx)
	go t.sweepLoop(ctx)
}

// Stop terminates the background loops and waits for them to exit
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}

// Publish appends an event with the next sequence number for taskID and
// fans it out to every live subscriber. It never blocks the publisher.
func (t *Tracker) Publish(taskID string, eventType models.EventType, data map[string]interface{}) models.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl := t.taskLocked(taskID)
	if eventType == models.EventHeartbeat && tl.terminal {
		// the task finished between the heartbeat snapshot and now; nothing
		// may be sequenced after a terminal event
		return models.ProgressEvent{}
	}
	event := models.ProgressEvent{
		TaskID:    taskID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Sequence:  tl.nextSeq,
	}
	tl.nextSeq++
	tl.events = append(tl.events, event)

	if eventType.Terminal() {
		tl.terminal = true
		tl.terminalAt = event.Timestamp
	}

	for sub := range tl.subscribers {
		sub.offer(event)
	}
	return event
}

// Subscribe attaches to taskID's event stream. The returned subscription
// first yields the entire stored history, then live events.
func (t *Tracker) Subscribe(taskID string) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl := t.taskLocked(taskID)
	sub := &Subscription{
		tracker: t,
		taskID:  taskID,
		backlog: append([]models.ProgressEvent(nil), tl.events...),
		live:    make(chan models.ProgressEvent, t.queueSize),
	}
	tl.subscribers[sub] = struct{}{}
	return sub
}

// History returns a copy of the stored events for taskID
func (t *Tracker) History(taskID string) []models.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.tasks[taskID]
	if !ok {
		return nil
	}
	return append([]models.ProgressEvent(nil), tl.events...)
}

// Latest returns the most recent event for taskID, if any
func (t *Tracker) Latest(taskID string) (models.ProgressEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.tasks[taskID]
	if !ok || len(tl.events) == 0 {
		return models.ProgressEvent{}, false
	}
	return tl.events[len(tl.events)-1], true
}

func (t *Tracker) taskLocked(taskID string) *taskLog {
	tl, ok := t.tasks[taskID]
	if !ok {
		tl = &taskLog{subscribers: make(map[*Subscription]struct{})}
		t.tasks[taskID] = tl
	}
	return tl
}

// offer is called with the tracker mutex held; only the publisher writes to
// the live channel, so after dropping two entries there is always room for
// the gap marker plus the new event
func (s *Subscription) offer(event models.ProgressEvent) {
	select {
	case s.live <- event:
		return
	default:
	}

	dropped := 0
	for i := 0; i < 2; i++ {
		select {
		case old := <-s.live:
			if old.Type != models.EventGap {
				dropped++
			}
		default:
		}
	}
	s.live <- models.ProgressEvent{
		TaskID:    event.TaskID,
		Type:      models.EventGap,
		Data:      map[string]interface{}{"dropped_at_least": dropped},
		Timestamp: time.Now(),
		Sequence:  event.Sequence, // gap sits at the position of the event that forced it
	}
	s.live <- event
}

// Next returns the next event in order: history first, then live events.
// It blocks until an event arrives or ctx is done. The boolean is false
// once the stream is exhausted (after Close or ctx cancellation).
func (s *Subscription) Next(ctx context.Context) (models.ProgressEvent, bool) {
	if len(s.backlog) > 0 {
		event := s.backlog[0]
		s.backlog = s.backlog[1:]
		return event, true
	}
	select {
	case event, ok := <-s.live:
		return event, ok
	case <-ctx.Done():
		return models.ProgressEvent{}, false
	}
}

// Close detaches the subscription; safe to call more than once
func (s *Subscription) Close() {
	t := s.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if tl, ok := t.tasks[s.taskID]; ok {
		delete(tl.subscribers, s)
	}
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.publishHeartbeats()
		}
	}
}

func (t *Tracker) publishHeartbeats() {
	t.mu.Lock()
	active := make([]string, 0)
	for taskID, tl := range t.tasks {
		if !tl.terminal && len(tl.events) > 0 {
			active = append(active, taskID)
		}
	}
	t.mu.Unlock()

	for _, taskID := range active {
		t.Publish(taskID, models.EventHeartbeat, nil)
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.retention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-ticker.C:
			if removed := t.Sweep(); removed > 0 {
				log.Printf("progress: swept %d terminal task histories", removed)
			}
		}
	}
}

// Sweep removes event histories for tasks that have been terminal for longer
// than the retention window and have no subscriber attached. Returns the
// number of task histories removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.retention)
	removed := 0
	for taskID, tl := range t.tasks {
		if tl.terminal && tl.terminalAt.Before(cutoff) && len(tl.subscribers) == 0 {
			delete(t.tasks, taskID)
			removed++
		}
	}
	return removed
}
