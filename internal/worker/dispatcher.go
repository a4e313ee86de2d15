package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy   = errors.New("generation queue is full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher keeps one FIFO queue per user and serves users round-robin, so a
// user with many pending replies cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for outer jobs
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // users with pending jobs, in service order
	positions map[int64]*list.Element

	notify    chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)

	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
		notify:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.intake()
	go d.run()
	return d
}

// Submit hands a job to the dispatcher without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// intake moves submitted jobs into the per-user queues as soon as they arrive,
// so they stay cancellable while every worker is busy.
func (d *Dispatcher) intake() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
			select {
			case d.notify <- struct{}{}:
			default:
			}
		case <-d.quit:
			return
		}
	}
}

// run waits for a free worker first, then gives it the next job in
// round-robin order.
func (d *Dispatcher) run() {
	for {
		workerChan := d.pool.acquire()
		if workerChan == nil {
			return
		}
		job, ok := d.waitJob()
		if !ok {
			workerChan <- Job{Type: Stop}
			return
		}
		d.Manager.debug("assign job",
			zap.Int("worker_id", d.pool.workerID(workerChan)),
			zap.String("job_id", job.ID),
			zap.Int64("user_id", job.UserID))
		workerChan <- job
	}
}

func (d *Dispatcher) waitJob() (Job, bool) {
	for {
		if job, ok := d.next(); ok {
			return job, true
		}
		select {
		case <-d.notify:
		case <-d.quit:
			return Job{}, false
		}
	}
}

// CancelUser drops every queued job of the user and returns them. Jobs already
// handed to a worker are stopped through their context by Manager.
func (d *Dispatcher) CancelUser(userID int64) []Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dropped []Job
	if q, ok := d.queues[userID]; ok {
		dropped = q.jobs
		delete(d.queues, userID)
	}
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	return dropped
}

func (d *Dispatcher) pending(userID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[userID]; ok {
		return len(q.jobs)
	}
	return 0
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// next pops the next job of the user at the front of the ready list and
// moves that user to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		delete(d.queues, userID)
		d.ready.Remove(elem)
		delete(d.positions, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// Close stops dispatching. Jobs still queued fail with ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		d.mu.Lock()
		var dropped []Job
		for _, q := range d.queues {
			dropped = append(dropped, q.jobs...)
		}
		d.queues = make(map[int64]*userQueue)
		d.ready.Init()
		d.positions = make(map[int64]*list.Element)
		d.mu.Unlock()
		for _, job := range dropped {
			d.Manager.fail(job, ErrDispatcherClosed)
		}
	})
}
