package balancer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a unit of conversion work. The balancer treats Data as opaque;
// only Type is interpreted, for matching against node capabilities.
type Task struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Priority   string         `json:"priority"`
	Status     TaskStatus     `json:"status"`
	RetryCount int            `json:"retryCount"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	QueuedAt   *time.Time     `json:"queuedAt,omitempty"`
	AssignedAt *time.Time     `json:"assignedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// NewTask builds a pending task with a generated id of the form
// task_<unix-millis>_<random>.
func NewTask(taskType string, data map[string]any, priority string) *Task {
	if priority == "" {
		priority = "normal"
	}
	suffix, _, _ := strings.Cut(uuid.NewString(), "-")
	return &Task{
		ID:        fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), suffix),
		Type:      taskType,
		Data:      data,
		Priority:  priority,
		Status:    TaskPending,
		CreatedAt: time.Now(),
	}
}
