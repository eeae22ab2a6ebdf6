package downlink

import (
	"testing"

	"github.com/snapemu/lora-server/internal/ids"
)

func TestQueuePushPopOrdering(t *testing.T) {
	q := NewQueue()
	dev, _ := ids.ParseEui("0000000000000002")

	first := q.Push(dev, 1, []byte("a"), nil, "c1")
	second := q.Push(dev, 1, []byte("b"), nil, "c1")

	if first.Counter >= second.Counter {
		t.Fatalf("expected monotonically increasing counters, got %d then %d", first.Counter, second.Counter)
	}

	got, ok := q.Pop(dev)
	if !ok || got.Counter != first.Counter {
		t.Fatalf("expected FIFO pop of first item, got %+v ok=%v", got, ok)
	}

	got, ok = q.Pop(dev)
	if !ok || got.Counter != second.Counter {
		t.Fatalf("expected FIFO pop of second item, got %+v ok=%v", got, ok)
	}

	if _, ok := q.Pop(dev); ok {
		t.Fatal("expected empty queue after draining both items")
	}
}

func TestQueueHeadCounterTracksRepetitionIdentity(t *testing.T) {
	q := NewQueue()
	dev, _ := ids.ParseEui("0000000000000002")

	if _, ok := q.HeadCounter(dev); ok {
		t.Fatal("expected no head counter for empty queue")
	}

	item := q.Push(dev, 1, []byte("a"), nil, "c1")
	head, ok := q.HeadCounter(dev)
	if !ok || head != item.Counter {
		t.Fatalf("expected head counter %d, got %d ok=%v", item.Counter, head, ok)
	}

	q.Push(dev, 1, []byte("b"), nil, "c1")
	head, ok = q.HeadCounter(dev)
	if !ok || head != item.Counter {
		t.Fatalf("expected head counter to remain %d after a second push, got %d", item.Counter, head)
	}
}

func TestQueueEvictHeadAdvancesToNextItem(t *testing.T) {
	q := NewQueue()
	dev, _ := ids.ParseEui("0000000000000002")

	q.Push(dev, 1, []byte("a"), nil, "c1")
	second := q.Push(dev, 1, []byte("b"), nil, "c1")

	q.EvictHead(dev)
	head, ok := q.HeadCounter(dev)
	if !ok || head != second.Counter {
		t.Fatalf("expected head counter %d after eviction, got %d ok=%v", second.Counter, head, ok)
	}

	q.EvictHead(dev)
	if _, ok := q.HeadCounter(dev); ok {
		t.Fatal("expected empty queue after evicting last item")
	}
}

func TestQueueIsPerDevice(t *testing.T) {
	q := NewQueue()
	devA, _ := ids.ParseEui("0000000000000002")
	devB, _ := ids.ParseEui("0000000000000003")

	q.Push(devA, 1, []byte("a"), nil, "c1")
	if _, ok := q.HeadCounter(devB); ok {
		t.Fatal("expected devB queue to remain empty")
	}
}
