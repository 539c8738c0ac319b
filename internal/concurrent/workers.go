package concurrent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolNotRunning = errors.New("worker pool is not running")
	ErrQueueFull      = errors.New("task queue is full")
)

type WorkerPool struct {
	workers     []*Worker
	taskQueue   chan *Task
	workerCount int
	queueSize   int
	running     bool
	wg          sync.WaitGroup
	mu          sync.RWMutex
	logger      *logrus.Logger
	metrics     *PoolMetrics
}

type Worker struct {
	ID           int
	pool         *WorkerPool
	taskCount    int64
	lastTaskTime time.Time
	status       WorkerStatus
	mu           sync.RWMutex
}

type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusProcessing WorkerStatus = "processing"
	WorkerStatusStopped    WorkerStatus = "stopped"
)

// Task is one unit of work. Run receives the pool context.
type Task struct {
	ID        string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
}

type PoolMetrics struct {
	Submitted     int64
	Rejected      int64
	Completed     int64
	Failed        int64
	AverageTime   time.Duration
	ActiveWorkers int
	IdleWorkers   int
	QueueLength   int
	mu            sync.RWMutex
}

func NewWorkerPool(workerCount, queueSize int, logger *logrus.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = workerCount
	}

	return &WorkerPool{
		workers:     make([]*Worker, workerCount),
		taskQueue:   make(chan *Task, queueSize),
		workerCount: workerCount,
		queueSize:   queueSize,
		logger:      logger,
		metrics:     &PoolMetrics{},
	}
}

func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return fmt.Errorf("worker pool is already running")
	}
	wp.running = true

	wp.logger.Infof("Starting worker pool with %d workers", wp.workerCount)

	for i := 0; i < wp.workerCount; i++ {
		worker := &Worker{
			ID:     i,
			pool:   wp,
			status: WorkerStatusIdle,
		}
		wp.workers[i] = worker

		wp.wg.Add(1)
		go worker.run(ctx)
	}

	return nil
}

// Stop rejects new tasks and waits for queued ones to finish.
func (wp *WorkerPool) Stop() error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return ErrPoolNotRunning
	}
	wp.running = false
	close(wp.taskQueue)
	wp.mu.Unlock()

	wp.logger.Info("Stopping worker pool...")
	wp.wg.Wait()

	for _, worker := range wp.workers {
		worker.setStatus(WorkerStatusStopped)
	}

	wp.logger.Info("Worker pool stopped")
	return nil
}

// Submit never blocks.
func (wp *WorkerPool) Submit(task *Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrPoolNotRunning
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	select {
	case wp.taskQueue <- task:
		wp.metrics.mu.Lock()
		wp.metrics.Submitted++
		wp.metrics.QueueLength = len(wp.taskQueue)
		wp.metrics.mu.Unlock()
		return nil
	default:
		wp.metrics.mu.Lock()
		wp.metrics.Rejected++
		wp.metrics.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueFull, task.ID)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.setStatus(WorkerStatusIdle)

	for task := range w.pool.taskQueue {
		w.processTask(ctx, task)
	}

	w.pool.logger.Debugf("Worker %d stopping due to closed queue", w.ID)
}

func (w *Worker) processTask(ctx context.Context, task *Task) {
	w.setStatus(WorkerStatusProcessing)
	start := time.Now()

	defer func() {
		w.setStatus(WorkerStatusIdle)
		w.mu.Lock()
		w.taskCount++
		w.lastTaskTime = time.Now()
		w.mu.Unlock()
	}()

	err := w.safeRun(ctx, task)
	processingTime := time.Since(start)

	if err != nil {
		w.pool.logger.WithFields(logrus.Fields{
			"task_id":   task.ID,
			"worker_id": w.ID,
		}).WithError(err).Debug("Task failed")
		w.pool.updateFailureMetrics()
		return
	}

	w.pool.updateSuccessMetrics(processingTime)
}

func (w *Worker) safeRun(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(ctx)
}

func (w *Worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

func (wp *WorkerPool) updateSuccessMetrics(processingTime time.Duration) {
	wp.metrics.mu.Lock()
	defer wp.metrics.mu.Unlock()

	wp.metrics.Completed++
	if wp.metrics.AverageTime == 0 {
		wp.metrics.AverageTime = processingTime
	} else {
		wp.metrics.AverageTime = (wp.metrics.AverageTime + processingTime) / 2
	}
}

func (wp *WorkerPool) updateFailureMetrics() {
	wp.metrics.mu.Lock()
	defer wp.metrics.mu.Unlock()

	wp.metrics.Failed++
}

// GetMetrics returns a snapshot of the pool counters.
func (wp *WorkerPool) GetMetrics() PoolMetrics {
	active, idle := 0, 0
	for _, worker := range wp.workers {
		if worker == nil {
			continue
		}
		worker.mu.RLock()
		switch worker.status {
		case WorkerStatusProcessing:
			active++
		case WorkerStatusIdle:
			idle++
		}
		worker.mu.RUnlock()
	}

	wp.metrics.mu.RLock()
	defer wp.metrics.mu.RUnlock()

	return PoolMetrics{
		Submitted:     wp.metrics.Submitted,
		Rejected:      wp.metrics.Rejected,
		Completed:     wp.metrics.Completed,
		Failed:        wp.metrics.Failed,
		AverageTime:   wp.metrics.AverageTime,
		ActiveWorkers: active,
		IdleWorkers:   idle,
		QueueLength:   len(wp.taskQueue),
	}
}

func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

func (wp *WorkerPool) GetWorkerCount() int {
	return wp.workerCount
}
