// Package worker provides a generic, bounded worker pool for concurrent
// task processing.
//
// The pool manages a fixed number of goroutines draining a bounded channel.
// Submit is non-blocking: when the queue is full the work item is dropped
// and ErrQueueFull returned, giving callers an explicit overload signal
// instead of unbounded latency.
//
//	pool := worker.NewPool[Event](
//	    4,   // workers
//	    256, // queue size
//	    func(ctx context.Context, ev Event) error {
//	        return deliver(ctx, ev)
//	    },
//	)
//	pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(ev); err != nil {
//	    // queue full, item dropped
//	}
//
// Statistics are always tracked atomically and available via Stats;
// Prometheus metrics are opt-in through WithMetricsRegistry.
package worker
