package balancer

import "time"

type NodeStatus string

const (
	StatusOnline     NodeStatus = "online"
	StatusOverloaded NodeStatus = "overloaded"
	StatusOffline    NodeStatus = "offline"
)

// Capabilities is what a node advertises at registration: the task types it
// can run and how many it can run at once.
type Capabilities struct {
	SupportedTasks []string `json:"supportedTasks"`
	MaxTasks       int      `json:"maxTasks"`
}

func (c Capabilities) supports(taskType string) bool {
	for _, t := range c.SupportedTasks {
		if t == taskType {
			return true
		}
	}
	return false
}

// NodeStats is the live metrics snapshot for a node. CPU and Memory are
// percentages (0-100); the task counters are maintained by the Balancer and
// may also be overwritten by a node's self-report.
type NodeStats struct {
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	ActiveTasks    int     `json:"activeTasks"`
	MaxTasks       int     `json:"maxTasks"`
	CompletedTasks int     `json:"completedTasks"`
	FailedTasks    int     `json:"failedTasks"`
}

// StatsUpdate is a partial stats update; nil fields are left untouched.
// Both the heartbeat probe and a worker's self-report produce these, so the
// merge is last-write-wins field by field.
type StatsUpdate struct {
	CPU            *float64 `json:"cpu,omitempty"`
	Memory         *float64 `json:"memory,omitempty"`
	ActiveTasks    *int     `json:"activeTasks,omitempty"`
	MaxTasks       *int     `json:"maxTasks,omitempty"`
	CompletedTasks *int     `json:"completedTasks,omitempty"`
	FailedTasks    *int     `json:"failedTasks,omitempty"`
}

// Node is a registry entry for one worker. All mutation goes through the
// Balancer under its lock; Address is read-only after registration.
type Node struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	Capabilities  Capabilities `json:"capabilities"`
	Address       string       `json:"address"`
	Stats         NodeStats    `json:"stats"`
	Tasks         []*Task      `json:"tasks"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	RegisteredAt  time.Time    `json:"registeredAt"`

	// unreachable is set when a health probe fails outright; it forces the
	// node offline before the staleness window elapses. Cleared by the next
	// successful stats update.
	unreachable bool
}

// statusAt derives the node's status; status is never stored, so a stale
// node reads as offline without any state-changing call in between.
func (n *Node) statusAt(now time.Time, cfg Config) NodeStatus {
	if n.unreachable || now.Sub(n.LastHeartbeat) > cfg.StaleAfter {
		return StatusOffline
	}
	if n.Stats.CPU > cfg.CPUHigh || n.Stats.Memory > cfg.MemoryHigh {
		return StatusOverloaded
	}
	return StatusOnline
}

func (n *Node) canHandle(taskType string, now time.Time, cfg Config) bool {
	return n.statusAt(now, cfg) == StatusOnline &&
		n.Stats.ActiveTasks < n.Stats.MaxTasks &&
		n.Capabilities.supports(taskType)
}

// score rates an eligible node; higher is better. Current load dominates,
// then CPU, then memory.
func (n *Node) score() float64 {
	load := float64(n.Stats.ActiveTasks) / float64(n.Stats.MaxTasks)
	return 0.5*(1-load) + 0.3*(1-n.Stats.CPU/100) + 0.2*(1-n.Stats.Memory/100)
}

func (n *Node) mergeStats(upd StatsUpdate) {
	if upd.CPU != nil {
		n.Stats.CPU = *upd.CPU
	}
	if upd.Memory != nil {
		n.Stats.Memory = *upd.Memory
	}
	if upd.ActiveTasks != nil {
		n.Stats.ActiveTasks = *upd.ActiveTasks
	}
	if upd.MaxTasks != nil {
		n.Stats.MaxTasks = *upd.MaxTasks
	}
	if upd.CompletedTasks != nil {
		n.Stats.CompletedTasks = *upd.CompletedTasks
	}
	if upd.FailedTasks != nil {
		n.Stats.FailedTasks = *upd.FailedTasks
	}
}

// findTask returns the node's task with the given id, or nil.
func (n *Node) findTask(taskID string) *Task {
	for _, t := range n.Tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}
