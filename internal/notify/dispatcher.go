package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher publishes events in the background so a slow broker never
// holds up a committed stock change. Failures are logged, not returned.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	log      logrus.FieldLogger
	wg       sync.WaitGroup
}

func NewDispatcher(n Notifier, timeout time.Duration, log logrus.FieldLogger) *Dispatcher {
	if n == nil {
		n = Noop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{notifier: n, timeout: timeout, log: log.WithField("module", "notify")}
}

func (d *Dispatcher) Dispatch(ctx context.Context, events ...Event) {
	for _, event := range events {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			// Detached from the request so a finished handler does not cancel it.
			pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()
			if err := d.notifier.Publish(pubCtx, event); err != nil {
				d.log.WithError(err).WithFields(logrus.Fields{
					"event_id":   event.ID,
					"event_type": event.Type,
					"key":        event.Key(),
				}).Error("failed to publish event")
			}
		}()
	}
}

// Wait blocks until every dispatched event has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for in-flight events and closes the notifier.
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	return d.notifier.Close()
}
