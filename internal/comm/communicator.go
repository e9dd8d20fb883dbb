package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MachineJALS/MagisOperativos/internal/balancer"
	"github.com/rs/zerolog/log"
)

const secretHeader = "X-Node-Secret"

// Bookkeeper is the slice of the balancer the communicator feeds results
// back into. Declared here so transport code can be tested against a fake.
type Bookkeeper interface {
	UpdateNodeStats(nodeID string, upd balancer.StatsUpdate)
	MarkNodeUnreachable(nodeID string)
	CompleteTask(nodeID, taskID string, processingTime time.Duration)
	FailTask(nodeID, taskID, taskErr string)
	CancelTask(nodeID, taskID string)
}

// Options carries every timeout and cadence the communicator uses. The
// defaults mirror the production values; tests shrink them.
type Options struct {
	Secret            string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	SubmitTimeout     time.Duration
	HealthTimeout     time.Duration
	CancelTimeout     time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 15 * time.Second,
		PollInterval:      10 * time.Second,
		SubmitTimeout:     30 * time.Second,
		HealthTimeout:     5 * time.Second,
		CancelTimeout:     5 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      2 * time.Second,
	}
}

// Communicator owns every outbound call to worker nodes plus the per-node
// heartbeat and per-task monitoring goroutines. The balancer's lock is never
// held across any of these calls; the communicator only ever works from
// NodeRef snapshots.
type Communicator struct {
	book   Bookkeeper
	opts   Options
	client *http.Client

	mu         sync.Mutex
	heartbeats map[string]context.CancelFunc
	monitors   map[string]*monitor
}

type monitor struct {
	nodeID string
	cancel context.CancelFunc
}

func New(book Bookkeeper, opts Options) *Communicator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultOptions().HeartbeatInterval
	}
	return &Communicator{
		book:       book,
		opts:       opts,
		client:     &http.Client{},
		heartbeats: make(map[string]context.CancelFunc),
		monitors:   make(map[string]*monitor),
	}
}

// ExecuteAck is a worker's immediate response to a task submission. It only
// means "accepted for processing"; completion is observed by the monitor.
type ExecuteAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"taskId"`
	NodeID  string `json:"nodeId"`
	Error   string `json:"error"`
}

type executeRequest struct {
	TaskID   string         `json:"taskId"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	Priority string         `json:"priority"`
}

// taskStatusResponse is the worker's GET status body.
type taskStatusResponse struct {
	Success        bool   `json:"success"`
	TaskID         string `json:"taskId"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	ElapsedTime    int64  `json:"elapsedTime"`
	ProcessingTime int64  `json:"processingTime"`
	Error          string `json:"error"`
	NodeID         string `json:"nodeId"`
}

// healthResponse is the worker's GET health body.
type healthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"nodeId"`
	Stats  struct {
		CPU            float64 `json:"cpu"`
		Memory         float64 `json:"memory"`
		ActiveTasks    int     `json:"activeTasks"`
		MaxTasks       int     `json:"maxTasks"`
		CompletedTasks int     `json:"completedTasks"`
		FailedTasks    int     `json:"failedTasks"`
	} `json:"stats"`
}

// Dispatch pushes an assignment to its node in the background. After the
// retry budget is exhausted the task is failed in the registry so its slot
// is not leaked.
func (c *Communicator) Dispatch(a balancer.Assignment) {
	go func() {
		if _, err := c.SendTask(context.Background(), a.Node, a.Task); err != nil {
			log.Error().Err(err).Str("task_id", a.Task.ID).Str("node_id", a.Node.ID).
				Msg("task submission exhausted retries")
			c.book.FailTask(a.Node.ID, a.Task.ID, err.Error())
		}
	}()
}

// SendTask posts a task to the node's execute endpoint, retrying transport
// failures (a capacity rejection counts as one) with a fixed backoff. On
// acceptance it starts the status monitor for the task.
func (c *Communicator) SendTask(ctx context.Context, node balancer.NodeRef, task balancer.Task) (*ExecuteAck, error) {
	body := executeRequest{
		TaskID:   task.ID,
		Type:     task.Type,
		Data:     task.Data,
		Priority: task.Priority,
	}

	var lastErr error
	for attempt := task.RetryCount; ; attempt++ {
		ack, err := c.postExecute(ctx, node, body)
		if err == nil {
			log.Info().Str("task_id", task.ID).Str("node_id", node.ID).Msg("task accepted by node")
			c.startMonitor(node, task.ID)
			return ack, nil
		}
		lastErr = err
		if attempt >= c.opts.MaxRetries {
			return nil, lastErr
		}
		log.Warn().Err(err).Str("task_id", task.ID).Str("node_id", node.ID).
			Int("attempt", attempt+1).Msg("task submission failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.RetryBackoff):
		}
	}
}

func (c *Communicator) postExecute(ctx context.Context, node balancer.NodeRef, body executeRequest) (*ExecuteAck, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Address+"/api/tasks/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.opts.Secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit task to %s: %w", node.ID, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("node %s rejected task: status %d", node.ID, resp.StatusCode)
	}
	var ack ExecuteAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode ack from %s: %w", node.ID, err)
	}
	return &ack, nil
}

// startMonitor begins polling the node for the task's status. Re-dispatching
// the same task id replaces the previous monitor.
func (c *Communicator) startMonitor(node balancer.NodeRef, taskID string) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if prev, ok := c.monitors[taskID]; ok {
		prev.cancel()
	}
	c.monitors[taskID] = &monitor{nodeID: node.ID, cancel: cancel}
	c.mu.Unlock()

	go c.monitorTask(ctx, node, taskID)
}

// monitorTask polls until a terminal status is observed. A transient poll
// failure or an in-progress status just means the next tick tries again;
// there is no cap on how long a task may be monitored.
func (c *Communicator) monitorTask(ctx context.Context, node balancer.NodeRef, taskID string) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := c.getTaskStatus(ctx, node, taskID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Str("node_id", node.ID).Msg("task status poll failed")
			continue
		}

		switch status.Status {
		case string(balancer.TaskCompleted):
			processing := time.Duration(status.ProcessingTime) * time.Millisecond
			if processing == 0 {
				processing = time.Duration(status.ElapsedTime) * time.Millisecond
			}
			c.book.CompleteTask(node.ID, taskID, processing)
			c.clearMonitor(taskID)
			return
		case string(balancer.TaskFailed):
			c.book.FailTask(node.ID, taskID, status.Error)
			c.clearMonitor(taskID)
			return
		case string(balancer.TaskCancelled):
			c.book.CancelTask(node.ID, taskID)
			c.clearMonitor(taskID)
			return
		}
	}
}

func (c *Communicator) getTaskStatus(ctx context.Context, node balancer.NodeRef, taskID string) (*taskStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Address+"/api/tasks/"+taskID+"/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(secretHeader, c.opts.Secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status poll for %s: status %d", taskID, resp.StatusCode)
	}
	var status taskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// HealthResult is one observation of a node's health endpoint.
type HealthResult struct {
	NodeID    string                `json:"nodeId"`
	Online    bool                  `json:"online"`
	Error     string                `json:"error,omitempty"`
	Stats     *balancer.StatsUpdate `json:"stats,omitempty"`
	CheckedAt time.Time             `json:"checkedAt"`
}

// CheckNodeHealth performs a single probe. Any failure, timeout or non-2xx
// included, reads as offline.
func (c *Communicator) CheckNodeHealth(ctx context.Context, node balancer.NodeRef) HealthResult {
	result := HealthResult{NodeID: node.ID, CheckedAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Address+"/api/health", nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set(secretHeader, c.opts.Secret)

	resp, err := c.client.Do(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Error = fmt.Sprintf("health check: status %d", resp.StatusCode)
		return result
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		result.Error = err.Error()
		return result
	}

	result.Online = true
	result.Stats = &balancer.StatsUpdate{
		CPU:            &health.Stats.CPU,
		Memory:         &health.Stats.Memory,
		ActiveTasks:    &health.Stats.ActiveTasks,
		MaxTasks:       &health.Stats.MaxTasks,
		CompletedTasks: &health.Stats.CompletedTasks,
		FailedTasks:    &health.Stats.FailedTasks,
	}
	return result
}

// StartHeartbeat probes the node immediately, then on every interval for as
// long as it stays registered. Starting a heartbeat for an id that already
// has one replaces it; two timers never run for the same node.
func (c *Communicator) StartHeartbeat(node balancer.NodeRef, onChange func(nodeID string, result HealthResult)) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if prev, ok := c.heartbeats[node.ID]; ok {
		prev()
	}
	c.heartbeats[node.ID] = cancel
	c.mu.Unlock()

	log.Info().Str("node_id", node.ID).Msg("heartbeat started")

	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			c.heartbeatOnce(ctx, node, onChange)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Communicator) heartbeatOnce(ctx context.Context, node balancer.NodeRef, onChange func(string, HealthResult)) {
	result := c.CheckNodeHealth(ctx, node)
	if ctx.Err() != nil {
		return
	}
	if onChange != nil {
		onChange(node.ID, result)
	}
	if result.Online {
		c.book.UpdateNodeStats(node.ID, *result.Stats)
	} else {
		log.Warn().Str("node_id", node.ID).Str("error", result.Error).Msg("heartbeat probe failed")
		c.book.MarkNodeUnreachable(node.ID)
	}
}

// StopHeartbeat cancels the node's heartbeat timer, if any.
func (c *Communicator) StopHeartbeat(nodeID string) {
	c.mu.Lock()
	cancel, ok := c.heartbeats[nodeID]
	if ok {
		delete(c.heartbeats, nodeID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
		log.Info().Str("node_id", nodeID).Msg("heartbeat stopped")
	}
}

// CleanupNodeResources stops the node's heartbeat and every task monitor
// tied to it, so nothing fires callbacks for an entry that no longer exists.
func (c *Communicator) CleanupNodeResources(nodeID string) {
	c.StopHeartbeat(nodeID)

	c.mu.Lock()
	for taskID, m := range c.monitors {
		if m.nodeID == nodeID {
			m.cancel()
			delete(c.monitors, taskID)
		}
	}
	c.mu.Unlock()
	log.Info().Str("node_id", nodeID).Msg("node resources cleaned up")
}

// CancelTask asks the worker to stop a task and clears its monitor on
// success.
func (c *Communicator) CancelTask(ctx context.Context, node balancer.NodeRef, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CancelTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Address+"/api/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		return err
	}
	req.Header.Set(secretHeader, c.opts.Secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel task on %s: %w", node.ID, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel task on %s: status %d", node.ID, resp.StatusCode)
	}
	c.clearMonitor(taskID)
	log.Info().Str("task_id", taskID).Str("node_id", node.ID).Msg("task cancelled on node")
	return nil
}

// SweepHealth probes every given node once, sequentially. Used by the
// on-demand fleet health endpoint.
func (c *Communicator) SweepHealth(ctx context.Context, nodes []balancer.NodeRef) []HealthResult {
	results := make([]HealthResult, 0, len(nodes))
	for _, node := range nodes {
		results = append(results, c.CheckNodeHealth(ctx, node))
	}
	return results
}

// MonitorCount reports how many task monitors are live. Exposed for tests
// and debug logging.
func (c *Communicator) MonitorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.monitors)
}

func (c *Communicator) clearMonitor(taskID string) {
	c.mu.Lock()
	m, ok := c.monitors[taskID]
	if ok {
		delete(c.monitors, taskID)
	}
	c.mu.Unlock()
	if ok {
		m.cancel()
	}
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
