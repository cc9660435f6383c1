package worker

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start runs the worker loop. The worker hands itself back to the pool after
// every job and exits on Stop.
func (w *Worker) Start() {
	w.pool.wg.Add(1)
	go func() {
		defer w.pool.wg.Done()
		for job := range w.jobChannel {
			if job.Type == Stop {
				debugLog("[worker-%d] stop", w.id)
				w.pool.retire(w.jobChannel)
				return
			}
			job.task.run()
			w.pool.Release(w.jobChannel)
		}
	}()
}
