package api

import (
	"context"

	"github.com/MachineJALS/MagisOperativos/internal/balancer"
	"github.com/MachineJALS/MagisOperativos/internal/comm"
	"github.com/danielgtaylor/huma/v2"
)

// NodesHandler exposes the balancer over HTTP. It composes the pure
// registry (balancer) with the transport side (comm): bookkeeping stays
// synchronous in-process, wire pushes happen through the assign sink.
type NodesHandler struct {
	lb   *balancer.Balancer
	comm *comm.Communicator
}

func NewNodesHandler(lb *balancer.Balancer, c *comm.Communicator) *NodesHandler {
	return &NodesHandler{lb: lb, comm: c}
}

type RegisterNodeInput struct {
	Body struct {
		ID           string                `json:"id" doc:"Unique node id, chosen by the worker"`
		Type         string                `json:"type" doc:"Node category, e.g. conversion"`
		Capabilities balancer.Capabilities `json:"capabilities" doc:"Supported task types and capacity"`
		Address      string                `json:"address" doc:"Base URL for outbound calls to this worker"`
	}
}

type RegisteredNode struct {
	ID           string                `json:"id"`
	Type         string                `json:"type"`
	Capabilities balancer.Capabilities `json:"capabilities"`
	Status       balancer.NodeStatus   `json:"status"`
}

type RegisterNodeOutput struct {
	Body struct {
		Success bool           `json:"success"`
		Message string         `json:"message"`
		Node    RegisteredNode `json:"node"`
	}
}

func (h *NodesHandler) Register(ctx context.Context, input *RegisterNodeInput) (*RegisterNodeOutput, error) {
	body := input.Body
	if body.ID == "" || body.Type == "" || len(body.Capabilities.SupportedTasks) == 0 {
		return nil, huma.Error400BadRequest("missing required fields: id, type, capabilities")
	}
	if body.Address == "" {
		body.Address = "http://localhost"
	}

	summary, err := h.lb.RegisterNode(body.ID, body.Type, body.Capabilities, body.Address)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	// Re-registration replaces any prior heartbeat rather than stacking a
	// second timer.
	h.comm.StartHeartbeat(balancer.NodeRef{ID: summary.ID, Type: summary.Type, Address: summary.Address}, nil)

	out := &RegisterNodeOutput{}
	out.Body.Success = true
	out.Body.Message = "node registered"
	out.Body.Node = RegisteredNode{
		ID:           summary.ID,
		Type:         summary.Type,
		Capabilities: summary.Capabilities,
		Status:       summary.Status,
	}
	return out, nil
}

type NodeStatsInput struct {
	NodeID string               `path:"nodeId" doc:"Node ID"`
	Body   balancer.StatsUpdate `doc:"Partial stats update; omitted fields keep their value"`
}

// UpdateStats accepts a worker's self-reported stats. A report for a node
// that has since unregistered is an expected race and still answers 200.
func (h *NodesHandler) UpdateStats(ctx context.Context, input *NodeStatsInput) (*MsgOutput, error) {
	h.lb.UpdateNodeStats(input.NodeID, input.Body)
	return Msg("stats updated"), nil
}

type UnregisterNodeInput struct {
	NodeID string `path:"nodeId" doc:"Node ID"`
}

func (h *NodesHandler) Unregister(ctx context.Context, input *UnregisterNodeInput) (*MsgOutput, error) {
	h.comm.CleanupNodeResources(input.NodeID)
	if !h.lb.UnregisterNode(input.NodeID) {
		return nil, huma.Error404NotFound("node not found")
	}
	return Msg("node unregistered"), nil
}

type DistributeTaskInput struct {
	Body struct {
		Type     string         `json:"type" doc:"Task type, matched against node capabilities"`
		Data     map[string]any `json:"data,omitempty" doc:"Opaque task payload"`
		Priority string         `json:"priority,omitempty" doc:"Scheduling hint"`
	}
}

type AssignedNode struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Type    string `json:"type"`
}

type DistributeTaskOutput struct {
	Body struct {
		Success  bool          `json:"success"`
		Assigned bool          `json:"assigned"`
		Task     balancer.Task `json:"task"`
		Node     *AssignedNode `json:"node,omitempty"`
		Message  string        `json:"message"`
	}
}

func (h *NodesHandler) DistributeTask(ctx context.Context, input *DistributeTaskInput) (*DistributeTaskOutput, error) {
	if input.Body.Type == "" {
		return nil, huma.Error400BadRequest("task type is required")
	}

	task := balancer.NewTask(input.Body.Type, input.Body.Data, input.Body.Priority)
	assignment, assigned := h.lb.DistributeTask(task)

	out := &DistributeTaskOutput{}
	out.Body.Success = true
	if !assigned {
		out.Body.Assigned = false
		out.Body.Task = *task
		out.Body.Message = "task queued, no nodes available"
		return out, nil
	}

	out.Body.Assigned = true
	out.Body.Task = assignment.Task
	out.Body.Node = &AssignedNode{
		ID:      assignment.Node.ID,
		Address: assignment.Node.Address,
		Type:    assignment.Node.Type,
	}
	out.Body.Message = "task assigned to node"
	return out, nil
}

type SystemStatsOutput struct {
	Body struct {
		Success bool                 `json:"success"`
		Stats   balancer.SystemStats `json:"stats"`
	}
}

func (h *NodesHandler) SystemStats(ctx context.Context, _ *struct{}) (*SystemStatsOutput, error) {
	out := &SystemStatsOutput{}
	out.Body.Success = true
	out.Body.Stats = h.lb.SystemStats()
	return out, nil
}

type NodesHealthOutput struct {
	Body struct {
		Success bool                `json:"success"`
		Nodes   []comm.HealthResult `json:"nodes"`
	}
}

// NodesHealth probes every registered node once, on demand. Independent of
// the per-node heartbeat timers.
func (h *NodesHandler) NodesHealth(ctx context.Context, _ *struct{}) (*NodesHealthOutput, error) {
	out := &NodesHealthOutput{}
	out.Body.Success = true
	out.Body.Nodes = h.comm.SweepHealth(ctx, h.lb.NodeRefs())
	return out, nil
}

type CancelTaskInput struct {
	TaskID string `path:"taskId" doc:"Task ID"`
}

func (h *NodesHandler) CancelTask(ctx context.Context, input *CancelTaskInput) (*MsgOutput, error) {
	node, ok := h.lb.FindTaskNode(input.TaskID)
	if !ok {
		return nil, huma.Error404NotFound("task not found on any node")
	}
	if err := h.comm.CancelTask(ctx, node, input.TaskID); err != nil {
		return nil, huma.Error502BadGateway("cancel on node failed", err)
	}
	h.lb.CancelTask(node.ID, input.TaskID)
	return Msg("task cancelled"), nil
}
