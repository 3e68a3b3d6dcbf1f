package notify

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) Close() error { return nil }

func TestDispatcherDeliversAfterCallerCancels(t *testing.T) {
	rec := &recorder{}
	log := logrus.New()
	log.SetOutput(io.Discard)
	d := NewDispatcher(rec, time.Second, log)

	ctx, cancel := context.WithCancel(context.Background())
	completed := NewEvent(EventOrderCompleted, time.Now())
	completed.OrderID = "ord_1"
	low := NewEvent(EventLowStock, time.Now())
	low.ProductID = "P1"
	d.Dispatch(ctx, completed, low)
	cancel()
	d.Wait()

	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}
}

func TestDispatcherSwallowsPublishErrors(t *testing.T) {
	rec := &recorder{err: errors.New("broker down")}
	log := logrus.New()
	log.SetOutput(io.Discard)
	d := NewDispatcher(rec, time.Second, log)

	d.Dispatch(context.Background(), NewEvent(EventOrderCancelled, time.Now()))
	if err := d.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected publish to be attempted once, got %d", len(rec.events))
	}
}

func TestEventKeyPrefersOrder(t *testing.T) {
	e := Event{OrderID: "ord_1", ProductID: "P1"}
	if e.Key() != "ord_1" {
		t.Fatalf("expected order key, got %s", e.Key())
	}
	e.OrderID = ""
	if e.Key() != "P1" {
		t.Fatalf("expected product key, got %s", e.Key())
	}
}

func TestHeaderCarrierOverwrites(t *testing.T) {
	var c headerCarrier
	c.Set("traceparent", "a")
	c.Set("TraceParent", "b")
	if len(c) != 1 || c.Get("traceparent") != "b" {
		t.Fatalf("unexpected headers: %+v", c)
	}
}
