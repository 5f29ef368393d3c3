package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

func newTestRedisQueue(t *testing.T, workers int) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	q := newRedisQueue(client, Options{Workers: workers, PollTimeout: time.Second}, slog.Default())
	t.Cleanup(func() { _ = q.Close() })
	return q, server
}

type received struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newReceived() *received {
	return &received{ch: make(chan string, 16)}
}

func (r *received) handle(_ context.Context, imageID string) {
	r.mu.Lock()
	r.ids = append(r.ids, imageID)
	r.mu.Unlock()
	r.ch <- imageID
}

func (r *received) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func TestRedisQueue_EnqueueFormat(t *testing.T) {
	q, server := newTestRedisQueue(t, 1)

	if err := q.Enqueue(context.Background(), "img-1"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	items, err := server.List(DefaultName)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(items) != 1 || items[0] != `{"image_id":"img-1"}` {
		t.Errorf("unexpected queue contents: %v", items)
	}

	if err := q.Enqueue(context.Background(), ""); !errors.Is(err, ErrEmptyImageID) {
		t.Errorf("expected ErrEmptyImageID, got %v", err)
	}
}

func TestRedisQueue_ConsumeInOrder(t *testing.T) {
	q, _ := newTestRedisQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}

	got := newReceived()
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, got.handle) }()

	got.wait(t, 3)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not stop after cancellation")
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	expected := []string{"a", "b", "c"}
	for i, id := range expected {
		if got.ids[i] != id {
			t.Errorf("job %d: expected %q, got %q", i, id, got.ids[i])
		}
	}
}

func TestRedisQueue_SkipsMalformedJobs(t *testing.T) {
	q, server := newTestRedisQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server.Lpush(DefaultName, "not json")
	server.Lpush(DefaultName, `{"image_id":""}`)
	if err := q.Enqueue(ctx, "valid"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	got := newReceived()
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, got.handle) }()

	got.wait(t, 1)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if len(got.ids) != 1 || got.ids[0] != "valid" {
		t.Errorf("expected only the valid job, got %v", got.ids)
	}
}

// inFlightJob blocks inside the handler until released and reports the
// state of the job context at that point.
type inFlightJob struct {
	started  chan struct{}
	release  chan struct{}
	ctxErr   chan error
	finished chan struct{}
}

func newInFlightJob() *inFlightJob {
	return &inFlightJob{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		ctxErr:   make(chan error, 1),
		finished: make(chan struct{}),
	}
}

func (j *inFlightJob) handle(ctx context.Context, _ string) {
	close(j.started)
	<-j.release
	j.ctxErr <- ctx.Err()
	close(j.finished)
}

func (j *inFlightJob) assertSurvivesCancel(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	select {
	case <-j.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to start")
	}

	cancel()
	select {
	case err := <-done:
		t.Fatalf("Consume returned before the running job finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(j.release)

	if err := <-j.ctxErr; err != nil {
		t.Errorf("expected running job context to stay live after shutdown, got %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not stop after the running job finished")
	}
	<-j.finished
}

func TestRedisQueue_ShutdownFinishesRunningJob(t *testing.T) {
	q, _ := newTestRedisQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, "img-1"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	job := newInFlightJob()
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, job.handle) }()

	job.assertSurvivesCancel(t, cancel, done)
}

func TestRedisQueue_ConnectionFailure(t *testing.T) {
	q, server := newTestRedisQueue(t, 1)
	server.Close()

	err := q.Consume(context.Background(), func(context.Context, string) {})
	if err == nil {
		t.Fatal("expected error when redis is unavailable, got nil")
	}
}

func TestNewQueue_UnsupportedType(t *testing.T) {
	if _, err := NewQueue("sqs", "", Options{}, nil); err == nil {
		t.Fatal("expected error for unsupported queue type, got nil")
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	options := Options{}.withDefaults()
	if options.Name != DefaultName || options.Workers != DefaultWorkers || options.PollTimeout != DefaultPollTimeout {
		t.Errorf("unexpected defaults: %+v", options)
	}

	custom := Options{Name: "q", Workers: 2, PollTimeout: time.Second}.withDefaults()
	if custom.Name != "q" || custom.Workers != 2 || custom.PollTimeout != time.Second {
		t.Errorf("custom options overwritten: %+v", custom)
	}
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error {
	return errors.New("nack is not used")
}

func (a *fakeAcknowledger) Reject(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	return nil
}

func TestConsumeDeliveries_AcksEveryJob(t *testing.T) {
	acknowledger := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- amqp.Delivery{Acknowledger: acknowledger, DeliveryTag: 1, Body: []byte(`{"image_id":"one"}`)}
	deliveries <- amqp.Delivery{Acknowledger: acknowledger, DeliveryTag: 2, Body: []byte(`garbage`)}
	deliveries <- amqp.Delivery{Acknowledger: acknowledger, DeliveryTag: 3, Body: []byte(`{"image_id":"two"}`)}
	close(deliveries)

	got := newReceived()
	err := consumeDeliveries(context.Background(), deliveries, 2, got.handle, slog.Default())
	if !errors.Is(err, errDeliveriesClosed) {
		t.Fatalf("expected errDeliveriesClosed, got %v", err)
	}

	acknowledger.mu.Lock()
	defer acknowledger.mu.Unlock()
	if len(acknowledger.acked) != 2 {
		t.Errorf("expected 2 acks, got %v", acknowledger.acked)
	}
	if len(acknowledger.rejected) != 1 || acknowledger.rejected[0] != 2 {
		t.Errorf("expected delivery 2 to be rejected, got %v", acknowledger.rejected)
	}
	if len(got.ids) != 2 {
		t.Errorf("expected 2 handled jobs, got %v", got.ids)
	}
}

func TestConsumeDeliveries_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := consumeDeliveries(ctx, make(chan amqp.Delivery), 3, func(context.Context, string) {}, slog.Default())
	if err != nil {
		t.Fatalf("expected nil error after cancellation, got %v", err)
	}
}

func TestConsumeDeliveries_ShutdownFinishesRunningJob(t *testing.T) {
	acknowledger := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: acknowledger, DeliveryTag: 7, Body: []byte(`{"image_id":"img-1"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := newInFlightJob()
	done := make(chan error, 1)
	go func() { done <- consumeDeliveries(ctx, deliveries, 1, job.handle, slog.Default()) }()

	job.assertSurvivesCancel(t, cancel, done)

	acknowledger.mu.Lock()
	defer acknowledger.mu.Unlock()
	if len(acknowledger.acked) != 1 || acknowledger.acked[0] != 7 {
		t.Errorf("expected the finished job to be acked, got %v", acknowledger.acked)
	}
}
