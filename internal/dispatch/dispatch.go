// Package dispatch fans emitted alerts out to independent sinks: the
// structured log, the persistent store and the push channels. A slow sink
// never blocks the others; each has a bounded queue with drop-oldest.
package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/metrics"
)

// Sink delivers a single alert. Deliver errors are logged and counted, not
// retried; alert delivery is at-most-once per sink.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a alert.Alert) error
	Close(ctx context.Context) error
}

const defaultQueueSize = 256

type sinkWorker struct {
	sink  Sink
	queue chan alert.Alert
}

// Dispatcher owns one goroutine and one bounded queue per sink.
type Dispatcher struct {
	workers []*sinkWorker
	metrics *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New creates a dispatcher over the given sinks. reg may be nil in tests.
func New(reg *metrics.Registry, sinks ...Sink) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{metrics: reg, ctx: ctx, cancel: cancel}
	for _, s := range sinks {
		d.workers = append(d.workers, &sinkWorker{
			sink:  s,
			queue: make(chan alert.Alert, defaultQueueSize),
		})
	}
	return d
}

// Start launches the sink workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for _, w := range d.workers {
		d.wg.Add(1)
		go d.run(w)
	}
}

// Dispatch enqueues the alert to every sink without blocking. When a queue
// is full the oldest entry is dropped and counted so fresh alerts win.
func (d *Dispatcher) Dispatch(a alert.Alert) {
	if d.metrics != nil {
		d.metrics.RecordAlert(string(a.Severity), a.Venue, string(a.Kind))
	}
	for _, w := range d.workers {
		for {
			select {
			case w.queue <- a:
			default:
				select {
				case dropped := <-w.queue:
					d.countDrop(w.sink.Name(), dropped)
					continue
				default:
					continue
				}
			}
			break
		}
	}
}

// DispatchAll enqueues a batch.
func (d *Dispatcher) DispatchAll(alerts []alert.Alert) {
	for _, a := range alerts {
		d.Dispatch(a)
	}
}

// Close drains each queue under the context deadline, then closes the
// sinks. Remaining entries are dropped and counted.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("dispatcher drain deadline exceeded")
	}

	var firstErr error
	for _, w := range d.workers {
		for {
			select {
			case dropped := <-w.queue:
				d.countDrop(w.sink.Name(), dropped)
				continue
			default:
			}
			break
		}
		if err := w.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) run(w *sinkWorker) {
	defer d.wg.Done()
	for {
		select {
		case a := <-w.queue:
			if err := w.sink.Deliver(d.ctx, a); err != nil {
				log.Warn().Err(err).Str("sink", w.sink.Name()).Str("alert", a.ID).Msg("sink delivery failed")
			}
		case <-d.ctx.Done():
			// Drain what is already queued, bounded by the queue size.
			for {
				select {
				case a := <-w.queue:
					if err := w.sink.Deliver(context.Background(), a); err != nil {
						log.Warn().Err(err).Str("sink", w.sink.Name()).Msg("sink delivery failed during drain")
					}
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) countDrop(sink string, a alert.Alert) {
	if d.metrics != nil {
		d.metrics.SinkDropped.WithLabelValues(sink).Inc()
	}
	log.Debug().Str("sink", sink).Str("alert", a.ID).Msg("dropped oldest queued alert")
}
