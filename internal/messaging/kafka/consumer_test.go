package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

type stubGroup struct {
	consume  func(context.Context) error
	errs     chan error
	closeErr error
	calls    int
}

func (g *stubGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.calls++
	if g.consume != nil {
		return g.consume(ctx)
	}
	return nil
}

func (g *stubGroup) Errors() <-chan error { return g.errs }

func (g *stubGroup) Close() error {
	close(g.errs)
	return g.closeErr
}

func (g *stubGroup) Pause(map[string][]int32)  {}
func (g *stubGroup) Resume(map[string][]int32) {}
func (g *stubGroup) PauseAll()                 {}
func (g *stubGroup) ResumeAll()                {}

type stubSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *stubSession) Context() context.Context { return s.ctx }
func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type stubClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(messages ...*sarama.ConsumerMessage) *stubClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}
	close(ch)
	return &stubClaim{messages: ch}
}

func reservationMessage(offset int64, retries string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic:  TopicReservationEvents,
		Offset: offset,
		Key:    []byte("res-1"),
		Value:  []byte(`{"id":"evt-1","event_type":"ReservationExpired"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte("ReservationExpired")},
		},
	}
	if retries != "" {
		msg.Headers = append(msg.Headers, &sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(retries)})
	}
	return msg
}

// failing возвращает обработчик, который падает first раз подряд.
func failing(first int, err error) (MessageHandler, *int) {
	calls := 0
	return func(context.Context, *sarama.ConsumerMessage) error {
		calls++
		if calls <= first {
			return err
		}
		return nil
	}, &calls
}

func TestNewConsumer_UnreachableBrokers(t *testing.T) {
	noop := func(context.Context, *sarama.ConsumerMessage) error { return nil }
	if _, err := NewConsumer([]string{"invalid-broker:9092"}, "jms-notifier", []string{TopicReservationEvents}, noop); err == nil {
		t.Fatal("expected consumer group error")
	}
}

func TestNewConsumer_Options(t *testing.T) {
	dlq := NewProducerWithClient(mocks.NewSyncProducer(t, nil))
	c := newConsumer(&stubGroup{errs: make(chan error)}, nil, nil,
		WithDeadLetter(dlq, "jms.dlq.notifier"),
		WithMaxRetries(5),
		WithRetryDelay(0),
		WithConsumerLogger(log.WithField("test", "options")),
	)
	if c.dlqProducer != dlq || c.dlqTopic != "jms.dlq.notifier" || c.maxRetries != 5 || c.retryDelay != 0 {
		t.Fatalf("options not applied: %+v", c)
	}

	defaults := newConsumer(&stubGroup{errs: make(chan error)}, nil, nil, WithDeadLetter(dlq, ""), WithMaxRetries(-1))
	if defaults.dlqTopic != TopicDeadLetterQueue || defaults.maxRetries != defaultMaxRetries || defaults.retryDelay != defaultRetryDelay {
		t.Fatalf("unexpected defaults: %+v", defaults)
	}
}

func TestConsumer_Process(t *testing.T) {
	boom := errors.New("smtp unavailable")

	tests := []struct {
		name        string
		failFirst   int
		err         error
		retries     string
		withDLQ     bool
		dlqFails    bool
		wantCalls   int
		wantOutcome string
		wantErr     bool
	}{
		{name: "first attempt succeeds", wantCalls: 1, wantOutcome: "ok"},
		{name: "retry then succeed", failFirst: 2, err: boom, wantCalls: 3, wantOutcome: "ok"},
		{name: "exhausted without dlq stays uncommitted", failFirst: 10, err: boom, wantCalls: 3, wantOutcome: "failed", wantErr: true},
		{name: "exhausted goes to dlq", failFirst: 10, err: boom, withDLQ: true, wantCalls: 3, wantOutcome: "dlq"},
		{name: "retry header shortens attempts", failFirst: 10, err: boom, retries: "2", withDLQ: true, wantCalls: 1, wantOutcome: "dlq"},
		{name: "permanent skips retries", failFirst: 10, err: Permanent(boom), withDLQ: true, wantCalls: 1, wantOutcome: "dlq"},
		{name: "dlq failure is reported", failFirst: 10, err: boom, withDLQ: true, dlqFails: true, wantCalls: 3, wantOutcome: "failed", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, calls := failing(tt.failFirst, tt.err)
			opts := []ConsumerOption{WithMaxRetries(3), WithRetryDelay(0)}
			if tt.withDLQ {
				sp := mocks.NewSyncProducer(t, nil)
				if tt.dlqFails {
					sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
				} else {
					sp.ExpectSendMessageAndSucceed()
				}
				dlq := NewProducerWithClient(sp)
				t.Cleanup(func() { _ = dlq.Close() })
				opts = append(opts, WithDeadLetter(dlq, ""))
			}
			c := newConsumer(&stubGroup{errs: make(chan error)}, nil, handler, opts...)

			outcome, err := c.process(context.Background(), reservationMessage(7, tt.retries))
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if outcome != tt.wantOutcome {
				t.Fatalf("expected outcome %s, got %s", tt.wantOutcome, outcome)
			}
			if *calls != tt.wantCalls {
				t.Fatalf("expected %d handler calls, got %d", tt.wantCalls, *calls)
			}
		})
	}
}

func TestConsumer_ProcessStopsOnCancel(t *testing.T) {
	handler, calls := failing(10, errors.New("temporary"))
	c := newConsumer(&stubGroup{errs: make(chan error)}, nil, handler, WithRetryDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.process(ctx, reservationMessage(1, "")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if *calls != 1 {
		t.Fatalf("expected one attempt before cancellation, got %d", *calls)
	}
}

func TestConsumer_DeadLetterMessage(t *testing.T) {
	failedAt := time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)
	sp := mocks.NewSyncProducer(t, nil)
	// Тело пересылается без изменений, причина и счётчик попыток в заголовках.
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "jms.dlq.notifier" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		value, _ := msg.Value.Encode()
		if string(value) != `{"id":"evt-1","event_type":"ReservationExpired"}` {
			return fmt.Errorf("value must be forwarded unchanged, got %q", value)
		}
		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		want := map[string]string{
			HeaderOriginalTopic: TopicReservationEvents,
			HeaderErrorMessage:  "bad payload",
			HeaderRetryCount:    "3",
			HeaderEventType:     "ReservationExpired",
			HeaderFailedAt:      failedAt.Format(time.RFC3339),
		}
		for k, v := range want {
			if headers[k] != v {
				return fmt.Errorf("header %s: expected %q, got %q", k, v, headers[k])
			}
		}
		return nil
	})
	dlq := NewProducerWithClient(sp)
	defer dlq.Close()

	c := newConsumer(&stubGroup{errs: make(chan error)}, nil, nil, WithDeadLetter(dlq, "jms.dlq.notifier"))
	c.now = func() time.Time { return failedAt }

	if err := c.sendToDLQ(reservationMessage(3, "2"), errors.New("bad payload")); err != nil {
		t.Fatalf("sendToDLQ: %v", err)
	}
}

func TestRetryCountOf(t *testing.T) {
	tests := []struct {
		name    string
		headers []*sarama.RecordHeader
		want    int
	}{
		{"valid", []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("5")}}, 5},
		{"garbage", []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("five")}}, 0},
		{"nil header", []*sarama.RecordHeader{nil}, 0},
		{"absent", nil, 0},
	}
	for _, tt := range tests {
		if got := retryCountOf(&sarama.ConsumerMessage{Headers: tt.headers}); got != tt.want {
			t.Errorf("%s: got %d want %d", tt.name, got, tt.want)
		}
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("malformed envelope")
	wrapped := fmt.Errorf("handle: %w", Permanent(base))

	if !IsPermanent(wrapped) || !errors.Is(wrapped, base) {
		t.Fatalf("permanent marker lost through wrapping: %v", wrapped)
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Fatal("plain errors must not be permanent")
	}
}

func TestConsumeClaim_MarksOnlyHandledMessages(t *testing.T) {
	// Сообщение с offset 2 падает без DLQ и не коммитится, соседи коммитятся.
	handler := func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if msg.Offset == 2 {
			return errors.New("notifier down")
		}
		return nil
	}
	c := newConsumer(&stubGroup{errs: make(chan error)}, nil, handler, WithMaxRetries(1))
	session := &stubSession{ctx: context.Background()}

	claim := claimOf(reservationMessage(1, ""), reservationMessage(2, ""), reservationMessage(3, ""))
	if err := c.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(session.marked) != 2 || session.marked[0] != 1 || session.marked[1] != 3 {
		t.Fatalf("expected offsets [1 3] marked, got %v", session.marked)
	}
}

func TestConsumeClaim_StopsOnSessionDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newConsumer(&stubGroup{errs: make(chan error)}, nil, nil)
	claim := &stubClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = c.ConsumeClaim(&stubSession{ctx: ctx}, claim)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after session context cancellation")
	}
}

func TestConsumer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	group := &stubGroup{
		errs: make(chan error, 1),
		consume: func(context.Context) error {
			once.Do(cancel)
			return errors.New("rebalance")
		},
	}
	group.errs <- errors.New("broker gone")

	c := newConsumer(group, []string{TopicReservationEvents}, nil)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-ctx.Done()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if group.calls == 0 {
		t.Fatal("expected at least one consume session")
	}

	broken := newConsumer(&stubGroup{errs: make(chan error), closeErr: errors.New("close failed")}, nil, nil)
	if err := broken.Stop(); err == nil {
		t.Fatal("expected close error")
	}
}
