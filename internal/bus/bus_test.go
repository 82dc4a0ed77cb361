package bus_test

import (
	"context"
	"testing"

	"dealdesk/internal/bus"
	"dealdesk/internal/domain"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := bus.New()
	var first, second int
	b.Subscribe(domain.EventCardCreated, func(ctx context.Context, evt domain.Event) { first++ })
	b.Subscribe(domain.EventCardCreated, func(ctx context.Context, evt domain.Event) { second++ })

	b.Publish(context.Background(), domain.Event{Kind: domain.EventCardCreated})
	b.Publish(context.Background(), domain.Event{Kind: domain.EventStageChanged})

	if first != 1 || second != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", first, second)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := bus.New()
	var delivered bool
	b.Subscribe(domain.EventCardCreated, func(ctx context.Context, evt domain.Event) {
		panic("boom")
	})
	b.Subscribe(domain.EventCardCreated, func(ctx context.Context, evt domain.Event) {
		delivered = true
	})

	b.Publish(context.Background(), domain.Event{Kind: domain.EventCardCreated})

	if !delivered {
		t.Fatalf("panic in one handler dropped delivery to the next")
	}
}

func TestSubscribeAllCoversEveryKind(t *testing.T) {
	b := bus.New()
	seen := map[domain.EventKind]int{}
	b.SubscribeAll(func(ctx context.Context, evt domain.Event) { seen[evt.Kind]++ })

	kinds := []domain.EventKind{
		domain.EventCardCreated,
		domain.EventStageChanged,
		domain.EventFieldChanged,
		domain.EventCommentAdded,
		domain.EventTaskCompleted,
		domain.EventTimeElapsed,
	}
	for _, k := range kinds {
		b.Publish(context.Background(), domain.Event{Kind: k})
	}
	for _, k := range kinds {
		if seen[k] != 1 {
			t.Fatalf("kind %s delivered %d times", k, seen[k])
		}
	}
}
