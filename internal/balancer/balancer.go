package balancer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config carries the tunables for status derivation and admission. The zero
// value is not usable; start from DefaultConfig.
type Config struct {
	// StaleAfter is how long a node may go without a successful heartbeat
	// before it reads as offline.
	StaleAfter time.Duration
	// CPUHigh / MemoryHigh are the overload thresholds in percent.
	CPUHigh    float64
	MemoryHigh float64
	// DefaultMaxTasks is used when a node registers without a capacity.
	DefaultMaxTasks int
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:      30 * time.Second,
		CPUHigh:         90,
		MemoryHigh:      90,
		DefaultMaxTasks: 10,
	}
}

// NodeRef identifies a node for callers that need to reach it over the wire.
// It is a copy; holding one never pins registry state.
type NodeRef struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address"`
}

// Assignment pairs a task with the node chosen for it. Task is a snapshot
// taken at assignment time.
type Assignment struct {
	Node NodeRef
	Task Task
}

// AssignSink receives every assignment the balancer makes, both direct ones
// and queue-drained ones. Implementations must not block; the balancer calls
// the sink after releasing its lock but from whatever goroutine triggered
// the assignment.
type AssignSink func(Assignment)

// SystemStats is the aggregate snapshot served to dashboards. Statuses are
// recomputed at snapshot time.
type SystemStats struct {
	TotalNodes            int           `json:"totalNodes"`
	OnlineNodes           int           `json:"onlineNodes"`
	OverloadedNodes       int           `json:"overloadedNodes"`
	OfflineNodes          int           `json:"offlineNodes"`
	TotalTasks            int           `json:"totalTasks"`
	QueuedTasks           int           `json:"queuedTasks"`
	CompletedTasks        int           `json:"completedTasks"`
	AverageConversionTime float64       `json:"averageConversionTime"`
	Nodes                 []NodeSummary `json:"nodes"`
}

type NodeSummary struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	Status        NodeStatus   `json:"status"`
	Address       string       `json:"address"`
	Capabilities  Capabilities `json:"capabilities"`
	Stats         NodeStats    `json:"stats"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

// Balancer owns the node registry, the pending-task queue and the aggregate
// metrics. It is purely in-memory bookkeeping: it never performs I/O, so
// selection logic is testable without a network. All methods are safe for
// concurrent use.
type Balancer struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	nodes map[string]*Node
	// order preserves registration order; map iteration is randomized and
	// the first-found tie-break on equal scores has to be deterministic.
	order []string
	queue []*Task

	tasksProcessed  int
	processingTotal time.Duration

	sink AssignSink
}

func New(cfg Config) *Balancer {
	if cfg.DefaultMaxTasks <= 0 {
		cfg.DefaultMaxTasks = DefaultConfig().DefaultMaxTasks
	}
	return &Balancer{
		cfg:   cfg,
		now:   time.Now,
		nodes: make(map[string]*Node),
	}
}

// SetAssignSink registers the sink that pushes assignments over the wire.
// Call once at wiring time, before any traffic.
func (b *Balancer) SetAssignSink(sink AssignSink) { b.sink = sink }

// RegisterNode creates (or replaces) a registry entry. Re-registration with
// an existing id always succeeds and discards the prior entry, in-flight
// task list included.
func (b *Balancer) RegisterNode(id, nodeType string, caps Capabilities, address string) (NodeSummary, error) {
	if id == "" {
		return NodeSummary{}, fmt.Errorf("node id is required")
	}
	if caps.MaxTasks <= 0 {
		caps.MaxTasks = b.cfg.DefaultMaxTasks
	}

	b.mu.Lock()
	now := b.now()
	if _, exists := b.nodes[id]; exists {
		log.Info().Str("node_id", id).Msg("node re-registered, replacing prior entry")
		b.removeFromOrder(id)
	}
	n := &Node{
		ID:           id,
		Type:         nodeType,
		Capabilities: caps,
		Address:      address,
		Stats: NodeStats{
			MaxTasks: caps.MaxTasks,
		},
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	b.nodes[id] = n
	b.order = append(b.order, id)
	assigned := b.drainLocked()
	summary := b.summaryLocked(n, now)
	b.mu.Unlock()

	log.Info().Str("node_id", id).Str("type", nodeType).Str("address", address).
		Int("max_tasks", caps.MaxTasks).Msg("node registered")
	b.emit(assigned)
	return summary, nil
}

// UnregisterNode removes a node. Its in-flight tasks go back to the front of
// the pending queue so displaced work is served before anything queued after
// it. Returns false if the id was unknown.
func (b *Balancer) UnregisterNode(id string) bool {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		log.Warn().Str("node_id", id).Msg("unregister for unknown node")
		return false
	}
	delete(b.nodes, id)
	b.removeFromOrder(id)

	var displaced []*Task
	now := b.now()
	for _, t := range n.Tasks {
		if t.Status == TaskProcessing {
			t.Status = TaskPending
			t.AssignedAt = nil
			queuedAt := now
			t.QueuedAt = &queuedAt
			displaced = append(displaced, t)
		}
	}
	if len(displaced) > 0 {
		b.queue = append(displaced, b.queue...)
	}
	assigned := b.drainLocked()
	b.mu.Unlock()

	log.Info().Str("node_id", id).Int("requeued_tasks", len(displaced)).Msg("node unregistered")
	b.emit(assigned)
	return true
}

// UpdateNodeStats merges a partial stats update and refreshes the heartbeat
// timestamp. Updates for unknown nodes are expected races with
// unregistration and are dropped with a log line, never an error.
func (b *Balancer) UpdateNodeStats(id string, upd StatsUpdate) {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		log.Warn().Str("node_id", id).Msg("stats update for unknown node")
		return
	}
	n.mergeStats(upd)
	n.LastHeartbeat = b.now()
	n.unreachable = false
	b.mu.Unlock()
}

// MarkNodeUnreachable forces a node offline after a failed health probe,
// without waiting out the staleness window.
func (b *Balancer) MarkNodeUnreachable(id string) {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if ok {
		n.unreachable = true
	}
	b.mu.Unlock()
	if !ok {
		log.Warn().Str("node_id", id).Msg("unreachable mark for unknown node")
		return
	}
	log.Warn().Str("node_id", id).Msg("node marked unreachable")
}

// FindBestNode returns the eligible node with the highest score, or false if
// no online node with spare capacity supports the task type.
func (b *Balancer) FindBestNode(taskType string) (NodeRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.bestNodeLocked(taskType)
	if n == nil {
		return NodeRef{}, false
	}
	return NodeRef{ID: n.ID, Type: n.Type, Address: n.Address}, true
}

// DistributeTask assigns the task to the best eligible node, or queues it at
// the tail when none qualifies. The returned Assignment is also delivered to
// the assign sink; the HTTP layer only uses the return value to shape its
// response.
func (b *Balancer) DistributeTask(task *Task) (Assignment, bool) {
	b.mu.Lock()
	a := b.assignLocked(task)
	if a == nil {
		task.Status = TaskPending
		queuedAt := b.now()
		task.QueuedAt = &queuedAt
		b.queue = append(b.queue, task)
		depth := len(b.queue)
		b.mu.Unlock()
		log.Info().Str("task_id", task.ID).Str("type", task.Type).Int("queue_depth", depth).
			Msg("no eligible node, task queued")
		return Assignment{}, false
	}
	b.mu.Unlock()
	b.emit([]Assignment{*a})
	return *a, true
}

// ProcessQueue re-attempts assignment for everything pending. Draining also
// runs synchronously inside registration, completion, failure and
// unregistration; this is for callers that want an explicit kick.
func (b *Balancer) ProcessQueue() {
	b.mu.Lock()
	assigned := b.drainLocked()
	b.mu.Unlock()
	b.emit(assigned)
}

// CompleteTask marks a processing task completed and folds its processing
// time into the running average, then drains the queue into the freed
// capacity.
func (b *Balancer) CompleteTask(nodeID, taskID string, processingTime time.Duration) {
	b.finishTask(nodeID, taskID, TaskCompleted, "", processingTime)
}

// FailTask marks a processing task failed. The balancer does not re-queue
// it; transport-level retries happen before a task ever gets here.
func (b *Balancer) FailTask(nodeID, taskID, taskErr string) {
	b.finishTask(nodeID, taskID, TaskFailed, taskErr, 0)
}

// CancelTask marks a processing task cancelled. Cancellation is a terminal
// status and frees capacity through the same path as completion, so
// activeTasks cannot leak.
func (b *Balancer) CancelTask(nodeID, taskID string) {
	b.finishTask(nodeID, taskID, TaskCancelled, "", 0)
}

func (b *Balancer) finishTask(nodeID, taskID string, status TaskStatus, taskErr string, processingTime time.Duration) {
	b.mu.Lock()
	n, ok := b.nodes[nodeID]
	if !ok {
		b.mu.Unlock()
		log.Warn().Str("node_id", nodeID).Str("task_id", taskID).Msg("terminal event for unknown node")
		return
	}
	t := n.findTask(taskID)
	if t == nil || t.Status != TaskProcessing {
		b.mu.Unlock()
		log.Warn().Str("node_id", nodeID).Str("task_id", taskID).Msg("terminal event for unknown or settled task")
		return
	}

	t.Status = status
	t.Error = taskErr
	finishedAt := b.now()
	t.FinishedAt = &finishedAt
	if n.Stats.ActiveTasks > 0 {
		n.Stats.ActiveTasks--
	}
	switch status {
	case TaskCompleted:
		n.Stats.CompletedTasks++
		b.tasksProcessed++
		b.processingTotal += processingTime
	case TaskFailed:
		n.Stats.FailedTasks++
	}
	assigned := b.drainLocked()
	b.mu.Unlock()

	evt := log.Info().Str("node_id", nodeID).Str("task_id", taskID).Str("status", string(status))
	if taskErr != "" {
		evt = evt.Str("error", taskErr)
	}
	evt.Msg("task finished")
	b.emit(assigned)
}

// FindTaskNode reports which node currently holds the given in-flight task.
func (b *Balancer) FindTaskNode(taskID string) (NodeRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		n := b.nodes[id]
		if t := n.findTask(taskID); t != nil && t.Status == TaskProcessing {
			return NodeRef{ID: n.ID, Type: n.Type, Address: n.Address}, true
		}
	}
	return NodeRef{}, false
}

// NodeRefs lists all registered nodes for callers that want to sweep them.
func (b *Balancer) NodeRefs() []NodeRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	refs := make([]NodeRef, 0, len(b.order))
	for _, id := range b.order {
		n := b.nodes[id]
		refs = append(refs, NodeRef{ID: n.ID, Type: n.Type, Address: n.Address})
	}
	return refs
}

// SystemStats snapshots the aggregate view. Reading is enough to observe
// staleness transitions: statuses are derived against the current clock.
func (b *Balancer) SystemStats() SystemStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	stats := SystemStats{
		TotalNodes:     len(b.order),
		QueuedTasks:    len(b.queue),
		CompletedTasks: b.tasksProcessed,
		Nodes:          make([]NodeSummary, 0, len(b.order)),
	}
	if b.tasksProcessed > 0 {
		stats.AverageConversionTime = float64(b.processingTotal.Milliseconds()) / float64(b.tasksProcessed)
	}
	for _, id := range b.order {
		n := b.nodes[id]
		summary := b.summaryLocked(n, now)
		switch summary.Status {
		case StatusOnline:
			stats.OnlineNodes++
		case StatusOverloaded:
			stats.OverloadedNodes++
		case StatusOffline:
			stats.OfflineNodes++
		}
		stats.TotalTasks += n.Stats.ActiveTasks
		stats.Nodes = append(stats.Nodes, summary)
	}
	return stats
}

func (b *Balancer) bestNodeLocked(taskType string) *Node {
	now := b.now()
	var best *Node
	bestScore := -1.0
	for _, id := range b.order {
		n := b.nodes[id]
		if !n.canHandle(taskType, now, b.cfg) {
			continue
		}
		if s := n.score(); s > bestScore {
			best = n
			bestScore = s
		}
	}
	return best
}

func (b *Balancer) assignLocked(task *Task) *Assignment {
	n := b.bestNodeLocked(task.Type)
	if n == nil {
		return nil
	}
	task.Status = TaskProcessing
	assignedAt := b.now()
	task.AssignedAt = &assignedAt
	n.Tasks = append(n.Tasks, task)
	n.Stats.ActiveTasks++

	log.Info().Str("task_id", task.ID).Str("node_id", n.ID).
		Int("active_tasks", n.Stats.ActiveTasks).Msg("task assigned")
	return &Assignment{
		Node: NodeRef{ID: n.ID, Type: n.Type, Address: n.Address},
		Task: *task,
	}
}

// drainLocked walks the queue oldest-first and removes every task that finds
// a node. Drained tasks are scored exactly like fresh ones.
func (b *Balancer) drainLocked() []Assignment {
	if len(b.queue) == 0 {
		return nil
	}
	var assigned []Assignment
	remaining := b.queue[:0]
	for _, t := range b.queue {
		if a := b.assignLocked(t); a != nil {
			assigned = append(assigned, *a)
			continue
		}
		remaining = append(remaining, t)
	}
	b.queue = remaining
	return assigned
}

func (b *Balancer) summaryLocked(n *Node, now time.Time) NodeSummary {
	return NodeSummary{
		ID:            n.ID,
		Type:          n.Type,
		Status:        n.statusAt(now, b.cfg),
		Address:       n.Address,
		Capabilities:  n.Capabilities,
		Stats:         n.Stats,
		LastHeartbeat: n.LastHeartbeat,
	}
}

func (b *Balancer) removeFromOrder(id string) {
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

func (b *Balancer) emit(assigned []Assignment) {
	if b.sink == nil {
		return
	}
	for _, a := range assigned {
		b.sink(a)
	}
}
