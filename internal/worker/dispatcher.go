package worker

import (
	"container/list"
	"sync"
	"time"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to workers round-robin across users so one busy
// user cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	jobQueue := make(chan Job, queueSize)

	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  jobQueue,
		Manager:   manager,
	}

	for i := 0; i < pool.minSize; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of user in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // block until work arrives
				d.enqueueJob(job)
			case <-d.pool.done:
				return
			}
			continue
		}
		// if we have a new job, enqueue it and its caller user
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		default:
		}
	}
}

// CancelUser drops the queued jobs of a user and returns them.
func (d *Dispatcher) CancelUser(userID int64) []Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dropped []Job
	if q := d.queues[userID]; q != nil {
		dropped = q.jobs
	}
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	return dropped
}

func (d *Dispatcher) pending(userID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[userID]; q != nil {
		return len(q.jobs)
	}
	return 0
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// user already enqueue, skip
		return
	}
	// new user, enqueue
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dispatchOne get first user in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// user only have one job, it'll be handled, user needs to quit queue
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		// get to the back of queue
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerDebugEnabled {
		running, idle := d.pool.stats()
		debugLog("[dispatcher] assign job %s for user %d to worker-%d (running=%d idle=%d)", job.Type, userID, d.pool.workerID(workerChan), running, idle)
	}
	workerChan <- job
	return true
}

func (job Job) userID() int64 {
	if job.Type == Generate && job.Task != nil {
		return job.Task.UserID
	}
	return 0
}
