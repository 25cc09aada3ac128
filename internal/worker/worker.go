package worker

// Worker runs jobs received on its own channel until told to stop.
type Worker struct {
	id         int
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.release(w.jobChannel)
			job := <-w.jobChannel
			switch job.Type {
			case Stop:
				debugLog("[worker-%d] stop", w.id)
				w.pool.retire(w.jobChannel)
				return
			case Generate:
				w.manager.handleGenerate(job.Task)
			}
		}
	}()
}
