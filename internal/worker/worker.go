package worker

import (
	"context"

	"go.uber.org/zap"
)

type JobType string

const (
	Generate JobType = "generate"
	Stop     JobType = "stop"
)

// Job is one unit of work handed to a worker. Stop jobs retire the worker.
type Job struct {
	ID     string
	Type   JobType
	UserID int64
	task   *generateTask
}

type generateTask struct {
	ctx      context.Context
	req      GenerateRequest
	resultCh chan workerReturn
	// done releases the session claim once the job can no longer run.
	done func()
}

// finish frees the claim before the caller sees the result, so a caller may
// start the next reply for the session as soon as this one returns.
func (t *generateTask) finish(ret workerReturn) {
	if t.done != nil {
		t.done()
	}
	t.resultCh <- ret
}

type workerReturn struct {
	reply string
	err   error
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	manager    *Manager
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		manager:    manager,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				w.manager.debug("worker retired", zap.Int("worker_id", w.id))
				return
			}
			w.manager.handleGenerate(job)
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}
