package bus

import (
	"context"
	"testing"
	"time"
)

func TestQueueAndExchangeSubjects(t *testing.T) {
	if got, want := queueSubject("jobs"), "queue.jobs"; got != want {
		t.Errorf("queueSubject() = %q, want %q", got, want)
	}
	if got, want := exchangeSubject("slaves"), "exchange.slaves"; got != want {
		t.Errorf("exchangeSubject() = %q, want %q", got, want)
	}
}

func TestAppendUnique(t *testing.T) {
	list := appendUnique(nil, "a")
	list = appendUnique(list, "b")
	list = appendUnique(list, "a")

	if len(list) != 2 {
		t.Fatalf("appendUnique() produced %v, want 2 unique elements", list)
	}
}

func TestDeliveryAckNoop(t *testing.T) {
	d := Delivery{Body: []byte("payload")}
	if err := d.Ack(); err != nil {
		t.Errorf("Ack() with no ack func should be a no-op, got %v", err)
	}
}

func TestDeliveryAckInvoked(t *testing.T) {
	called := false
	d := Delivery{
		Body: []byte("payload"),
		ack: func() error {
			called = true
			return nil
		},
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if !called {
		t.Error("Ack() did not invoke the underlying ack function")
	}
}

// newTestBus dials a local NATS server and skips the test when one is not
// reachable; the JetStream-backed bus needs a real broker and is not
// exercised against a fake in unit tests.
func newTestBus(t *testing.T) *JetStreamBus {
	t.Helper()
	b, err := NewJetStreamBus("nats://127.0.0.1:4222")
	if err != nil {
		t.Skipf("no local NATS server available: %v", err)
	}
	return b
}

func TestJetStreamBusDeclareAndPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}

	b := newTestBus(t)
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.DeclareQueue(ctx, "talus-test-jobs", QueueOptions{Durable: true}); err != nil {
		t.Fatalf("DeclareQueue() error = %v", err)
	}
	if err := b.Publish(ctx, "talus-test-jobs", []byte(`{"job":"1"}`), ""); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	depth, err := b.Depth(ctx, "talus-test-jobs")
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth < 1 {
		t.Errorf("Depth() = %d, want at least 1 after a publish", depth)
	}
}

func TestJetStreamBusBroadcastFanout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}

	b := newTestBus(t)
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.DeclareExchange(ctx, "talus-test-slaves", ExchangeFanout); err != nil {
		t.Fatalf("DeclareExchange() error = %v", err)
	}
	if err := b.DeclareQueue(ctx, "talus-test-slaves-1", QueueOptions{Durable: true}); err != nil {
		t.Fatalf("DeclareQueue() error = %v", err)
	}
	if err := b.BindQueue(ctx, "talus-test-slaves", "talus-test-slaves-1"); err != nil {
		t.Fatalf("BindQueue() error = %v", err)
	}

	received := make(chan []byte, 1)
	if err := b.Consume(ctx, "talus-test-slaves-1", func(d Delivery) {
		received <- d.Body
		d.Ack()
	}); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	if err := b.Publish(ctx, "talus-test-slaves", []byte(`{"type":"cancel","job":"1"}`), ""); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case body := <-received:
		if len(body) == 0 {
			t.Error("received empty broadcast body")
		}
	case <-time.After(3 * time.Second):
		t.Error("timed out waiting for broadcast fanout delivery")
	}
}
