package event

import (
	"testing"
	"time"
)

func drain(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	all := bus.Subscribe()
	tasks := bus.Subscribe("task.status_changed")

	bus.Publish(NewTaskStatusChangedEvent("a", "unclaimed", "up_next", ""))
	bus.Publish(NewSessionKilledEvent("s1", "shutdown"))

	got := drain(t, all, 2)
	if got[0].EventType() != "task.status_changed" || got[1].EventType() != "session.killed" {
		t.Errorf("order wrong: %s, %s", got[0].EventType(), got[1].EventType())
	}

	only := drain(t, tasks, 1)
	if only[0].EventType() != "task.status_changed" {
		t.Errorf("filtered subscriber got %s", only[0].EventType())
	}
	select {
	case ev := <-tasks.Events():
		t.Errorf("unexpected event %s on filtered subscriber", ev.EventType())
	default:
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	bus.SetQueueSize(2)

	slow := bus.Subscribe()
	fast := bus.Subscribe()

	// Fill slow's queue and then overflow it. fast keeps draining.
	for i := 0; i < 3; i++ {
		bus.Publish(NewSessionKilledEvent("s", "r"))
		drain(t, fast, 1)
	}

	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", bus.SubscriberCount())
	}

	// The slow channel is closed after its buffered events.
	seen := 0
	for range slow.Events() {
		seen++
	}
	if seen != 2 {
		t.Errorf("slow subscriber received %d buffered events, want 2", seen)
	}
}

func TestSnapshotReplay(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	bus.SetSnapshot(func() []Event {
		return []Event{
			NewCoordinationEvent(KindAgentRegistered, "p", "s1", nil),
			NewCoordinationEvent(KindFileLocked, "p", "s1", map[string]any{"path": "x.go"}),
		}
	})

	sub := bus.Subscribe()
	bus.Publish(NewCoordinationEvent(KindAgentHeartbeat, "p", "s1", nil))

	got := drain(t, sub, 3)
	if got[0].EventType() != "coordination.agent_registered" ||
		got[1].EventType() != "coordination.file_locked" ||
		got[2].EventType() != "coordination.agent_heartbeat" {
		t.Errorf("replay order wrong: %s, %s, %s",
			got[0].EventType(), got[1].EventType(), got[2].EventType())
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()
	bus.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after bus Close")
	}

	// Publishing after close must not panic.
	bus.Publish(NewSessionKilledEvent("s", "r"))

	// Subscribing after close yields a closed channel.
	late := bus.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Error("late subscription should be closed immediately")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()
	if bus.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", bus.SubscriberCount())
	}
	bus.Publish(NewSessionKilledEvent("s", "r"))
}
