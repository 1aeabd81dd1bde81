package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/metrics"
	"github.com/vladislavdragonenkov/jms/internal/storage/memory"
)

func sampleEvent(t domain.EventType) domain.Event {
	res := domain.NewReservation(domain.ReservationParams{
		ID:        "res-1",
		UserID:    "user-1",
		ProductID: "prod-1",
		ShopID:    "shop-1",
		Amounts:   domain.CalculateReservationAmount(domain.MustMoney("1000.00", "EGP")),
		Now:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	return domain.NewReservationEvent(t, res, res.CreatedAt, nil)
}

func TestBus_PublishRunsHandlersOfTypeAndWildcard(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil, 4)
	var created, cancelled, all atomic.Int32

	bus.Subscribe(domain.EventReservationCreated, func(context.Context, domain.Event) error {
		created.Add(1)
		return nil
	})
	bus.Subscribe(domain.EventReservationCreated, func(context.Context, domain.Event) error {
		created.Add(1)
		return nil
	})
	bus.Subscribe(domain.EventReservationCancelled, func(context.Context, domain.Event) error {
		cancelled.Add(1)
		return nil
	})
	bus.SubscribeAll(func(context.Context, domain.Event) error {
		all.Add(1)
		return nil
	})

	bus.Publish(context.Background(), sampleEvent(domain.EventReservationCreated))

	if created.Load() != 2 || cancelled.Load() != 0 || all.Load() != 1 {
		t.Fatalf("unexpected calls: created=%d cancelled=%d all=%d", created.Load(), cancelled.Load(), all.Load())
	}
}

func TestBus_PublishIsolatesFailures(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil, 2)
	var ok atomic.Int32

	bus.Subscribe(domain.EventReservationCreated, func(context.Context, domain.Event) error {
		return errors.New("handler failed")
	})
	bus.Subscribe(domain.EventReservationCreated, func(context.Context, domain.Event) error {
		panic("boom")
	})
	bus.Subscribe(domain.EventReservationCreated, func(context.Context, domain.Event) error {
		ok.Add(1)
		return nil
	})

	// Ни ошибка, ни паника соседнего обработчика не мешают остальным.
	bus.Publish(context.Background(), sampleEvent(domain.EventReservationCreated))

	if ok.Load() != 1 {
		t.Fatalf("healthy handler must run, got %d calls", ok.Load())
	}
}

func TestBus_PublishWaitsForAllHandlersConcurrently(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil, 3)
	var started sync.WaitGroup
	started.Add(3)
	release := make(chan struct{})
	var finished atomic.Int32

	for i := 0; i < 3; i++ {
		bus.Subscribe(domain.EventReservationExpired, func(context.Context, domain.Event) error {
			started.Done()
			<-release
			finished.Add(1)
			return nil
		})
	}

	go func() {
		// Все три стартуют одновременно, иначе тест зависнет.
		started.Wait()
		close(release)
	}()

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), sampleEvent(domain.EventReservationExpired))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not return")
	}
	if finished.Load() != 3 {
		t.Fatalf("publish returned before handlers finished: %d", finished.Load())
	}
}

func TestBus_HandlersSurviveCallerCancel(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil, 1)
	var ctxErr error
	bus.SubscribeAll(func(ctx context.Context, _ domain.Event) error {
		ctxErr = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, sampleEvent(domain.EventReservationCreated))

	if ctxErr != nil {
		t.Fatalf("handler context must not be cancelled, got %v", ctxErr)
	}
}

func TestRecorders_Register(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())

	bus := NewBus(nil, 0)
	Recorders{Outbox: outbox, Timeline: timeline, Metrics: m}.Register(bus)

	event := sampleEvent(domain.EventReservationCancelled)
	event.Payload["reason"] = "changed my mind"
	bus.Publish(ctx, event)

	pending := outbox.AllPending()
	if len(pending) != 1 {
		t.Fatalf("expected one outbox message, got %d", len(pending))
	}
	msg := pending[0]
	if msg.ID != event.ID || msg.AggregateType != domain.AggregateReservation || msg.EventType != string(domain.EventReservationCancelled) {
		t.Fatalf("unexpected outbox message %+v", msg)
	}
	var body map[string]any
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		t.Fatalf("outbox payload must be JSON: %v", err)
	}
	if body["reservation_id"] != "res-1" || body["event_id"] != event.ID {
		t.Fatalf("unexpected outbox payload %v", body)
	}

	entries, err := timeline.List(ctx, "res-1")
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "changed my mind" || entries[0].Status != domain.ReservationStatusPending {
		t.Fatalf("unexpected timeline %+v", entries)
	}
}

func TestTimelineRecorder_SkipsMediaEvents(t *testing.T) {
	t.Parallel()

	timeline := memory.NewTimelineRepository()
	recorder := NewTimelineRecorder(timeline, nil)

	event := domain.NewMediaEvent(domain.EventMediaUploaded, domain.MediaMessage{ID: "media-1"}, time.Now())
	if err := recorder.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	entries, err := timeline.List(context.Background(), "media-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("media events must not reach timeline, got %+v", entries)
	}
}
