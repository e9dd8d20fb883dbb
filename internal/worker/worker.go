package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrSaturated   = errors.New("worker at capacity")
	ErrUnknownTask = errors.New("task not found")
)

const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusCancelled  = "cancelled"
)

// Settings is the static identity and tuning of one worker process.
type Settings struct {
	ID           string
	Type         string
	Capabilities []string
	Address      string
	MaxTasks     int

	BalancerURL string
	Secret      string

	ReportInterval time.Duration
	RegisterRetry  time.Duration

	// Conversion work is simulated: each accepted task runs for a random
	// duration in [MinTaskDuration, MaxTaskDuration].
	MinTaskDuration time.Duration
	MaxTaskDuration time.Duration

	// TaskRetention is how long a terminal task stays queryable. The
	// balancer's monitor has to be able to observe the terminal status, so
	// finished tasks cannot be dropped immediately.
	TaskRetention time.Duration
}

// Worker executes conversion tasks pushed by the balancer and tracks its own
// utilization. cpu/memory are synthetic metrics in the shape the balancer
// expects; real work happens upstream of this repo.
type Worker struct {
	settings  Settings
	startedAt time.Time

	mu        sync.Mutex
	tasks     map[string]*task
	active    int
	completed int
	failed    int
	cpu       float64
	memory    float64
}

type task struct {
	ID         string
	Type       string
	Data       map[string]any
	Status     string
	StartedAt  time.Time
	Expected   time.Duration
	FinishedAt time.Time
	cancel     context.CancelFunc
}

func New(settings Settings) *Worker {
	w := &Worker{
		settings:  settings,
		startedAt: time.Now(),
		tasks:     make(map[string]*task),
	}
	w.refreshMetrics()
	return w
}

func (w *Worker) Settings() Settings { return w.settings }

// Accept admits a task and starts executing it in the background. The caller
// gets an answer before any work happens; ErrSaturated means the worker is
// already at its concurrency limit.
func (w *Worker) Accept(taskID, taskType string, data map[string]any) error {
	w.mu.Lock()
	if w.active >= w.settings.MaxTasks {
		w.mu.Unlock()
		return ErrSaturated
	}
	if existing, ok := w.tasks[taskID]; ok && existing.Status == statusProcessing {
		w.mu.Unlock()
		return nil // duplicate submission of an in-flight task is a no-op
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		ID:        taskID,
		Type:      taskType,
		Data:      data,
		Status:    statusProcessing,
		StartedAt: time.Now(),
		Expected:  w.randomDuration(),
		cancel:    cancel,
	}
	w.tasks[taskID] = t
	w.active++
	w.refreshMetricsLocked()
	w.mu.Unlock()

	log.Info().Str("task_id", taskID).Str("type", taskType).
		Dur("expected", t.Expected).Msg("task accepted")
	go w.run(ctx, t)
	return nil
}

func (w *Worker) run(ctx context.Context, t *task) {
	timer := time.NewTimer(t.Expected)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		// Cancel already did the bookkeeping.
		return
	case <-timer.C:
	}

	w.mu.Lock()
	if t.Status != statusProcessing {
		w.mu.Unlock()
		return
	}
	t.Status = statusCompleted
	t.FinishedAt = time.Now()
	w.active--
	w.completed++
	w.refreshMetricsLocked()
	w.mu.Unlock()

	log.Info().Str("task_id", t.ID).Dur("took", t.FinishedAt.Sub(t.StartedAt)).Msg("task completed")
	w.scheduleEviction(t.ID)
}

// Cancel stops an in-flight task and frees its slot.
func (w *Worker) Cancel(taskID string) error {
	w.mu.Lock()
	t, ok := w.tasks[taskID]
	if !ok || t.Status != statusProcessing {
		w.mu.Unlock()
		return ErrUnknownTask
	}
	t.Status = statusCancelled
	t.FinishedAt = time.Now()
	t.cancel()
	w.active--
	w.refreshMetricsLocked()
	w.mu.Unlock()

	log.Info().Str("task_id", taskID).Msg("task cancelled")
	w.scheduleEviction(taskID)
	return nil
}

// StatusReport is one task's state as served to the balancer's monitor.
type StatusReport struct {
	TaskID         string
	Status         string
	Progress       int
	ElapsedTime    time.Duration
	ProcessingTime time.Duration
}

// Status reports a task's progress. In-flight progress is linear against the
// expected duration, capped at 95 until the task actually finishes.
func (w *Worker) Status(taskID string) (StatusReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[taskID]
	if !ok {
		return StatusReport{}, ErrUnknownTask
	}

	report := StatusReport{TaskID: t.ID, Status: t.Status}
	if t.Status == statusProcessing {
		elapsed := time.Since(t.StartedAt)
		report.ElapsedTime = elapsed
		progress := int(float64(elapsed) / float64(t.Expected) * 100)
		if progress > 95 {
			progress = 95
		}
		report.Progress = progress
		return report, nil
	}

	report.ElapsedTime = t.FinishedAt.Sub(t.StartedAt)
	report.ProcessingTime = report.ElapsedTime
	if t.Status == statusCompleted {
		report.Progress = 100
	}
	return report, nil
}

// Stats is the worker's self-view, pushed to the balancer and served from
// the health endpoint.
type Stats struct {
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	ActiveTasks    int     `json:"activeTasks"`
	MaxTasks       int     `json:"maxTasks"`
	CompletedTasks int     `json:"completedTasks"`
	FailedTasks    int     `json:"failedTasks"`
	Status         string  `json:"status"`
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		CPU:            w.cpu,
		Memory:         w.memory,
		ActiveTasks:    w.active,
		MaxTasks:       w.settings.MaxTasks,
		CompletedTasks: w.completed,
		FailedTasks:    w.failed,
		Status:         "online",
	}
}

func (w *Worker) Uptime() time.Duration { return time.Since(w.startedAt) }

// refreshMetrics resamples the synthetic cpu/memory figures; load pushes
// both up, matching how a busy converter actually behaves.
func (w *Worker) refreshMetrics() {
	w.mu.Lock()
	w.refreshMetricsLocked()
	w.mu.Unlock()
}

func (w *Worker) refreshMetricsLocked() {
	w.cpu = clamp(rand.Float64()*70+float64(w.active)*20, 15, 100)
	w.memory = clamp(rand.Float64()*50+float64(w.active)*15, 25, 100)
}

func (w *Worker) randomDuration() time.Duration {
	min, max := w.settings.MinTaskDuration, w.settings.MaxTaskDuration
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}

func (w *Worker) scheduleEviction(taskID string) {
	retention := w.settings.TaskRetention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	time.AfterFunc(retention, func() {
		w.mu.Lock()
		delete(w.tasks, taskID)
		w.mu.Unlock()
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
