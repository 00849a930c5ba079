// Package async provides safe concurrent execution primitives.
//
// # Dispatcher
//
// Dispatcher runs tenant jobs on a bounded set of workers. Jobs queue FIFO
// within a priority class, higher classes drain first, and each class queue
// is bounded:
//
//	d := async.NewDispatcher(async.DefaultConfig(), logger)
//	d.Start()
//	defer d.Shutdown(ctx)
//
//	h, err := d.Submit(ctx, tenantID, func(ctx context.Context) (any, error) {
//		return algorithms.Run(ctx, input)
//	}, async.Options{Priority: async.PriorityHigh, Timeout: 30 * time.Second})
//	result, err := d.Await(ctx, h, 5*time.Second)
//
// A job that outlives its timeout has its context cancelled and is reported
// as ErrJobTimeout. Panics surface as *JobPanicError and returned errors as
// *JobFailedError; neither stops the worker.
//
// # Helpers
//
// SafeGo runs a function in a goroutine with a timeout and panic recovery.
// WorkerPool is a fixed pool draining a task channel. Batch fans a slice out
// over a WorkerPool and collects the errors.
package async
