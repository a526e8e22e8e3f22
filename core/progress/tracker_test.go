package progress

import (
	"context"
	"fmt"
	"testing"
	"time"

	"avatar-pipeline/core/models"
)

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	tr := NewTracker(0, 0, 0)

	for i := 0; i < 10; i++ {
		ev := tr.Publish("task-1", models.EventStageUpdate, nil)
		if ev.Sequence != int64(i) {
			t.Fatalf("event %d got sequence %d", i, ev.Sequence)
		}
	}

	// Sequences are per task
	if ev := tr.Publish("task-2", models.EventStageUpdate, nil); ev.Sequence != 0 {
		t.Fatalf("second task started at sequence %d", ev.Sequence)
	}
}

func TestLateSubscriberReceivesHistoryThenLive(t *testing.T) {
	tr := NewTracker(0, 0, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tr.Publish("task-1", models.EventStageUpdate, map[string]interface{}{"i": i})
	}

	sub := tr.Subscribe("task-1")
	defer sub.Close()

	tr.Publish("task-1", models.EventStageUpdate, map[string]interface{}{"i": 5})
	tr.Publish("task-1", models.EventComplete, nil)

	var seqs []int64
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			t.Fatal("stream ended before terminal event")
		}
		seqs = append(seqs, ev.Sequence)
		if ev.Type.Terminal() {
			break
		}
	}

	if len(seqs) != 7 {
		t.Fatalf("expected 7 events (5 history + 2 live), got %d: %v", len(seqs), seqs)
	}
	for i, seq := range seqs {
		if seq != int64(i) {
			t.Fatalf("event skipped or duplicated: position %d has sequence %d", i, seq)
		}
	}
}

func TestPublisherNeverBlocksAndInsertsGap(t *testing.T) {
	tr := NewTracker(4, 0, 0)
	sub := tr.Subscribe("task-1")
	defer sub.Close()

	// Nobody drains the subscription; publishing far past the queue size
	// must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			tr.Publish("task-1", models.EventSubProgress, map[string]interface{}{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sawGap := false
	lastSeq := int64(-1)
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			break
		}
		if ev.Type == models.EventGap {
			sawGap = true
			continue
		}
		if ev.Sequence <= lastSeq {
			t.Fatalf("out-of-order delivery: %d after %d", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence
		if len(sub.backlog) == 0 && len(sub.live) == 0 {
			break
		}
	}
	if !sawGap {
		t.Fatal("expected a GAP marker after dropped events")
	}
	if lastSeq != 99 {
		t.Fatalf("newest event lost: last delivered sequence %d", lastSeq)
	}
}

func TestHistoryReplayAfterEveryStage(t *testing.T) {
	tr := NewTracker(0, 0, 0)
	stages := []string{"DETECTING", "DETECTED", "BG_REMOVED", "VOICE_READY"}

	for k := range stages {
		// Publish stages up to k, then attach and verify full replay
		taskID := fmt.Sprintf("task-%d", k)
		for i := 0; i <= k; i++ {
			tr.Publish(taskID, models.EventStageUpdate, map[string]interface{}{"stage": stages[i]})
		}

		sub := tr.Subscribe(taskID)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		for i := 0; i <= k; i++ {
			ev, ok := sub.Next(ctx)
			if !ok {
				t.Fatalf("replay ended early at %d/%d", i, k)
			}
			if ev.Data["stage"] != stages[i] {
				t.Fatalf("replay out of order: got %v at position %d", ev.Data["stage"], i)
			}
		}
		cancel()
		sub.Close()
	}
}

func TestSweepRespectsRetentionAndSubscribers(t *testing.T) {
	tr := NewTracker(0, 0, 50*time.Millisecond)

	tr.Publish("done-task", models.EventComplete, nil)
	tr.Publish("live-task", models.EventStageUpdate, nil)
	tr.Publish("watched-task", models.EventComplete, nil)
	sub := tr.Subscribe("watched-task")

	time.Sleep(80 * time.Millisecond)

	if removed := tr.Sweep(); removed != 1 {
		t.Fatalf("expected exactly the unwatched terminal task swept, got %d", removed)
	}
	if tr.History("done-task") != nil {
		t.Fatal("terminal task history survived sweep")
	}
	if tr.History("live-task") == nil {
		t.Fatal("running task history was swept")
	}
	if tr.History("watched-task") == nil {
		t.Fatal("subscribed task history was swept")
	}

	// Once the subscriber detaches, the watched task becomes sweepable
	sub.Close()
	if removed := tr.Sweep(); removed != 1 {
		t.Fatalf("expected watched task swept after unsubscribe, got %d", removed)
	}
}

func TestHeartbeatOnlyForActiveTasks(t *testing.T) {
	tr := NewTracker(0, 0, 0)

	tr.Publish("running", models.EventStageUpdate, nil)
	tr.Publish("finished", models.EventComplete, nil)

	tr.publishHeartbeats()

	events := tr.History("running")
	if last := events[len(events)-1]; last.Type != models.EventHeartbeat {
		t.Fatalf("running task missing heartbeat, last event %s", last.Type)
	}
	for _, ev := range tr.History("finished") {
		if ev.Type == models.EventHeartbeat {
			t.Fatal("terminal task received a heartbeat")
		}
	}
}

func TestHeartbeatDroppedWhenTaskTurnsTerminal(t *testing.T) {
	tr := NewTracker(0, 0, 0)

	// A task can reach its terminal event between the heartbeat loop's
	// active-task snapshot and the heartbeat publish; the heartbeat must not
	// be sequenced after COMPLETE
	tr.Publish("task-1", models.EventStageUpdate, nil)
	tr.Publish("task-1", models.EventComplete, nil)
	tr.Publish("task-1", models.EventHeartbeat, nil)

	events := tr.History("task-1")
	if last := events[len(events)-1]; last.Type != models.EventComplete {
		t.Fatalf("terminal event is not last, got %s", last.Type)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 stored events, got %d", len(events))
	}
}
