package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("spawn")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSpawnRequested, SpawnDecisionEvent{MissionID: "m-1", Role: "worker"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicSpawnRequested {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSpawnRequested)
		}
		payload, ok := event.Payload.(SpawnDecisionEvent)
		if !ok {
			t.Fatalf("payload type = %T, want SpawnDecisionEvent", event.Payload)
		}
		if payload.MissionID != "m-1" {
			t.Fatalf("mission = %q, want m-1", payload.MissionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	budgetSub := b.Subscribe("budget.")
	defer b.Unsubscribe(budgetSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicBudgetExhausted, BudgetExhaustedEvent{InstanceID: "inst-1"})
	b.Publish(TopicInstanceStarted, InstanceLifecycleEvent{InstanceID: "inst-1"})

	// budgetSub should receive budget.exhausted but not instance.started.
	select {
	case event := <-budgetSub.Ch():
		if event.Topic != TopicBudgetExhausted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicBudgetExhausted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for budget event")
	}

	select {
	case event := <-budgetSub.Ch():
		t.Fatalf("unexpected event on budgetSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("budget")
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicBudgetUsage, BudgetUsageEvent{Tokens: int64(i)})
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("mission")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_OrderPreservedPerSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("instance.")
	defer b.Unsubscribe(sub)

	statuses := []string{"QUEUED", "RUNNING", "COMPLETED"}
	for _, st := range statuses {
		b.Publish(TopicInstanceStarted, InstanceLifecycleEvent{NewStatus: st})
	}

	for _, want := range statuses {
		select {
		case event := <-sub.Ch():
			got := event.Payload.(InstanceLifecycleEvent).NewStatus
			if got != want {
				t.Fatalf("status = %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicBudgetUsage, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done
		}
	}
done:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
