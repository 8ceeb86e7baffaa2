package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is three quarters of the available CPUs, at least one.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()*3/4)
}

// Pool fans jobs out to a fixed set of workers. Each worker builds its own state once through
// NewWorker and never shares it; results reach the caller one at a time through the coordinator
// callback passed to Run.
type Pool[J, R, W any] struct {
	Workers   int
	NewWorker func(ctx context.Context, index int) (W, error)
	Process   func(ctx context.Context, worker W, job J) (R, error)
	Close     func(worker W)
}

// Outcome is one processed job. Err is the job's own failure, which does not stop the run.
type Outcome[J, R any] struct {
	Index  int
	Job    J
	Result R
	Err    error
}

// Summary describes a finished run.
type Summary struct {
	Workers   int
	Jobs      int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// Run processes every job and calls onResult for each outcome from a single goroutine.
// A worker start failure or an onResult error cancels the remaining work and is returned.
func (p Pool[J, R, W]) Run(ctx context.Context, jobs []J, onResult func(Outcome[J, R]) error) (Summary, error) {
	started := time.Now()
	summary := Summary{Jobs: len(jobs)}
	if p.Process == nil {
		return summary, errors.New("batch pool has no process function")
	}
	if len(jobs) == 0 {
		return summary, nil
	}

	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	workers = min(workers, len(jobs))
	summary.Workers = workers

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	indexes := make(chan int)
	results := make(chan Outcome[J, R])

	group.Go(func() error {
		defer close(indexes)
		for i := range jobs {
			select {
			case indexes <- i:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
		return nil
	})

	var workerWG sync.WaitGroup
	for w := 0; w < workers; w++ {
		workerWG.Add(1)
		group.Go(func() error {
			defer workerWG.Done()

			var state W
			if p.NewWorker != nil {
				created, err := p.NewWorker(groupCtx, w)
				if err != nil {
					return fmt.Errorf("start worker %d: %w", w, err)
				}
				state = created
			}
			if p.Close != nil {
				defer p.Close(state)
			}

			for index := range indexes {
				result, err := p.Process(groupCtx, state, jobs[index])
				outcome := Outcome[J, R]{Index: index, Job: jobs[index], Result: result, Err: err}
				select {
				case results <- outcome:
				case <-groupCtx.Done():
					return groupCtx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		workerWG.Wait()
		close(results)
	}()

	var coordinatorErr error
	for outcome := range results {
		if coordinatorErr != nil {
			continue
		}
		if outcome.Err != nil {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
		if onResult == nil {
			continue
		}
		if err := onResult(outcome); err != nil {
			coordinatorErr = err
			cancel()
		}
	}

	groupErr := group.Wait()
	summary.Elapsed = time.Since(started)
	if coordinatorErr != nil {
		return summary, coordinatorErr
	}
	if groupErr != nil {
		return summary, groupErr
	}
	return summary, nil
}

// Partition splits items into consecutive chunks of at most size elements.
func Partition[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(items)
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
