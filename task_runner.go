package meshdb

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner bounds a group of goroutines to a maximum concurrency. The
// session close path uses it to release connections and finish pending
// cleanup in the background without unbounded goroutine growth.
type TaskRunner struct {
	maxThreadCount int
	eg             *errgroup.Group
	limiterChan    chan bool
}

func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, _ := errgroup.WithContext(ctx)
	return &TaskRunner{
		maxThreadCount: maxThreadCount,
		limiterChan:    make(chan bool, maxThreadCount),
		eg:             eg,
	}
}

func (tr *TaskRunner) Go(task func() error) {
	t := func() error {
		err := task()
		if err != nil {
			return err
		}
		// Free up this thread slot.
		<-tr.limiterChan
		return nil
	}
	tr.eg.Go(t)
	// Occupy a thread slot.
	tr.limiterChan <- true
}

// Wrapper to errgroup.Wait.
func (tr *TaskRunner) Wait() error {
	defer close(tr.limiterChan)
	return tr.eg.Wait()
}
