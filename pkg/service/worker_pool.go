package service

import (
	"context"
	"runtime"
	"sync"
)

// dispatch is one admitted queue item together with the limiter release
// that must fire exactly once when the run ends.
type dispatch struct {
	item    *QueueItem
	release func()
}

// workerPool executes admitted dispatches on a fixed set of workers; each
// workflow run occupies one worker until it reaches a terminal state.
type workerPool struct {
	run      func(ctx context.Context, d dispatch)
	logger   Logger
	taskChan chan dispatch
	wg       sync.WaitGroup
}

func newWorkerPool(run func(ctx context.Context, d dispatch), logger Logger) *workerPool {
	return &workerPool{run: run, logger: logger}
}

// Start begins the worker pool with the specified number of workers.
func (wp *workerPool) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.taskChan = make(chan dispatch, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

func (wp *workerPool) worker(ctx context.Context) {
	defer wp.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-wp.taskChan:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				d.release()
				return
			}
			wp.run(ctx, d)
		}
	}
}

// trySubmit hands a dispatch to an idle worker without blocking. False
// means every worker is busy and the caller should keep the item queued.
func (wp *workerPool) trySubmit(d dispatch) bool {
	select {
	case wp.taskChan <- d:
		return true
	default:
		return false
	}
}

// Stop closes intake and waits for in-flight runs to finish. The feeding
// loop must already be stopped.
func (wp *workerPool) Stop() {
	close(wp.taskChan)
	wp.wg.Wait()
}
