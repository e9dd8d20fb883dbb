package balancer

import (
	"fmt"
	"testing"
	"time"
)

func newTestBalancer() *Balancer {
	return New(DefaultConfig())
}

func convCaps(maxTasks int) Capabilities {
	return Capabilities{SupportedTasks: []string{"conversion"}, MaxTasks: maxTasks}
}

func mustRegister(t *testing.T, b *Balancer, id string, maxTasks int) {
	t.Helper()
	if _, err := b.RegisterNode(id, "conversion", convCaps(maxTasks), "http://"+id); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func setLoad(b *Balancer, id string, active int, cpu, memory float64) {
	b.UpdateNodeStats(id, StatsUpdate{ActiveTasks: &active, CPU: &cpu, Memory: &memory})
}

func TestRegisterRequiresID(t *testing.T) {
	b := newTestBalancer()
	if _, err := b.RegisterNode("", "conversion", convCaps(2), "http://x"); err == nil {
		t.Fatal("expected error for empty node id")
	}
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 2)
	if !b.UnregisterNode("n1") {
		t.Fatal("unregister should find the node")
	}
	if stats := b.SystemStats(); stats.TotalNodes != 0 {
		t.Errorf("registry size = %d, want 0", stats.TotalNodes)
	}
	if b.UnregisterNode("n1") {
		t.Error("second unregister must be a no-op")
	}
}

func TestReRegistrationReplacesEntry(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 2)
	b.DistributeTask(NewTask("conversion", nil, ""))

	summary, err := b.RegisterNode("n1", "conversion", convCaps(4), "http://n1-restarted")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if summary.Stats.ActiveTasks != 0 {
		t.Errorf("re-registration must reset stats, activeTasks = %d", summary.Stats.ActiveTasks)
	}

	stats := b.SystemStats()
	if stats.TotalNodes != 1 {
		t.Fatalf("totalNodes = %d, want 1", stats.TotalNodes)
	}
	if stats.Nodes[0].Address != "http://n1-restarted" {
		t.Errorf("address = %s, want replacement address", stats.Nodes[0].Address)
	}
}

func TestFindBestNodeFilters(t *testing.T) {
	b := newTestBalancer()

	if _, ok := b.FindBestNode("conversion"); ok {
		t.Fatal("empty registry must yield no node")
	}

	mustRegister(t, b, "full", 1)
	setLoad(b, "full", 1, 10, 10) // at capacity
	mustRegister(t, b, "hot", 4)
	setLoad(b, "hot", 0, 95, 10) // overloaded
	if _, ok := b.FindBestNode("conversion"); ok {
		t.Fatal("no node should qualify: one full, one overloaded")
	}

	mustRegister(t, b, "ok", 4)
	ref, ok := b.FindBestNode("conversion")
	if !ok || ref.ID != "ok" {
		t.Fatalf("FindBestNode = %v %v, want node ok", ref, ok)
	}

	if _, ok := b.FindBestNode("transcode"); ok {
		t.Error("no node advertises transcode")
	}
}

func TestFindBestNodePrefersLowerLoad(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "busy", 5)
	setLoad(b, "busy", 4, 50, 50) // load 0.8
	mustRegister(t, b, "calm", 5)
	setLoad(b, "calm", 1, 50, 50) // load 0.2

	ref, ok := b.FindBestNode("conversion")
	if !ok || ref.ID != "calm" {
		t.Fatalf("selected %v, want calm (lower load ratio)", ref.ID)
	}
}

func TestFindBestNodeTieBreaksOnRegistrationOrder(t *testing.T) {
	b := newTestBalancer()
	for _, id := range []string{"a", "b", "c"} {
		mustRegister(t, b, id, 5)
	}
	ref, ok := b.FindBestNode("conversion")
	if !ok || ref.ID != "a" {
		t.Fatalf("selected %v, want first-registered node a", ref.ID)
	}
}

func TestDistributeQueuesWhenNoNode(t *testing.T) {
	b := newTestBalancer()
	task := NewTask("conversion", map[string]any{"targetFormat": "mp4"}, "")

	if _, assigned := b.DistributeTask(task); assigned {
		t.Fatal("no nodes registered, task must queue")
	}
	if task.Status != TaskPending || task.QueuedAt == nil {
		t.Errorf("queued task status = %s, queuedAt = %v", task.Status, task.QueuedAt)
	}
	if stats := b.SystemStats(); stats.QueuedTasks != 1 {
		t.Errorf("queuedTasks = %d, want exactly 1", stats.QueuedTasks)
	}
}

func TestQueueDrainsOnRegistration(t *testing.T) {
	b := newTestBalancer()
	b.DistributeTask(NewTask("conversion", nil, ""))
	b.DistributeTask(NewTask("conversion", nil, ""))

	var emitted []Assignment
	b.SetAssignSink(func(a Assignment) { emitted = append(emitted, a) })

	mustRegister(t, b, "n1", 5)

	if len(emitted) != 2 {
		t.Fatalf("drained assignments = %d, want 2", len(emitted))
	}
	stats := b.SystemStats()
	if stats.QueuedTasks != 0 {
		t.Errorf("queuedTasks = %d, want 0 after drain", stats.QueuedTasks)
	}
	if stats.TotalTasks != 2 {
		t.Errorf("active tasks = %d, want 2", stats.TotalTasks)
	}
}

func TestActiveTasksMatchesProcessingCount(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 10)

	var ids []string
	for i := 0; i < 4; i++ {
		task := NewTask("conversion", nil, "")
		if _, assigned := b.DistributeTask(task); !assigned {
			t.Fatalf("task %d should assign", i)
		}
		ids = append(ids, task.ID)
	}
	b.CompleteTask("n1", ids[0], 5*time.Second)
	b.FailTask("n1", ids[1], "encoder crashed")
	b.CancelTask("n1", ids[2])

	b.mu.Lock()
	n := b.nodes["n1"]
	processing := 0
	for _, task := range n.Tasks {
		if task.Status == TaskProcessing {
			processing++
		}
	}
	active := n.Stats.ActiveTasks
	b.mu.Unlock()

	if active != processing {
		t.Errorf("activeTasks = %d, processing tasks = %d; must be equal", active, processing)
	}
	if active != 1 {
		t.Errorf("activeTasks = %d, want 1", active)
	}
}

func TestTerminalEventIsIdempotent(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 2)
	task := NewTask("conversion", nil, "")
	b.DistributeTask(task)

	b.CompleteTask("n1", task.ID, time.Second)
	b.CompleteTask("n1", task.ID, time.Second) // monitor/cancel race
	b.FailTask("n1", task.ID, "late failure")

	stats := b.SystemStats()
	if stats.Nodes[0].Stats.ActiveTasks != 0 {
		t.Errorf("activeTasks = %d, want 0 (no double decrement)", stats.Nodes[0].Stats.ActiveTasks)
	}
	if stats.CompletedTasks != 1 {
		t.Errorf("completedTasks = %d, want 1", stats.CompletedTasks)
	}
}

func TestUnknownNodeEventsAreSilent(t *testing.T) {
	b := newTestBalancer()
	// None of these may panic or error; they race with unregistration.
	b.UpdateNodeStats("ghost", StatsUpdate{})
	b.MarkNodeUnreachable("ghost")
	b.CompleteTask("ghost", "t1", time.Second)
	b.FailTask("ghost", "t1", "x")
	b.CancelTask("ghost", "t1")
}

func TestUnregisterRequeuesProcessingAtFront(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 1)

	assignedTask := NewTask("conversion", nil, "")
	if _, ok := b.DistributeTask(assignedTask); !ok {
		t.Fatal("first task should assign")
	}
	queuedTask := NewTask("conversion", nil, "")
	if _, ok := b.DistributeTask(queuedTask); ok {
		t.Fatal("second task should queue, n1 is full")
	}

	b.UnregisterNode("n1")

	b.mu.Lock()
	if len(b.queue) != 2 {
		b.mu.Unlock()
		t.Fatalf("queue length = %d, want 2", len(b.queue))
	}
	first, second := b.queue[0], b.queue[1]
	b.mu.Unlock()

	if first.ID != assignedTask.ID {
		t.Errorf("front of queue = %s, want displaced task %s", first.ID, assignedTask.ID)
	}
	if first.Status != TaskPending {
		t.Errorf("displaced task status = %s, want pending", first.Status)
	}
	if second.ID != queuedTask.ID {
		t.Errorf("second in queue = %s, want previously queued task", second.ID)
	}
}

func TestStaleNodeReportsOfflineOnRead(t *testing.T) {
	b := newTestBalancer()
	base := time.Now()
	b.now = func() time.Time { return base }
	mustRegister(t, b, "n1", 2)

	// No state-changing call in between; the read alone must observe the
	// transition.
	b.now = func() time.Time { return base.Add(31 * time.Second) }
	stats := b.SystemStats()
	if stats.OfflineNodes != 1 || stats.OnlineNodes != 0 {
		t.Errorf("offline = %d online = %d, want 1/0 after 31s of silence", stats.OfflineNodes, stats.OnlineNodes)
	}

	if _, ok := b.FindBestNode("conversion"); ok {
		t.Error("stale node must not be selectable")
	}
}

func TestCompletionDrainsQueueScenario(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 2)

	task1 := NewTask("conversion", nil, "")
	task2 := NewTask("conversion", nil, "")
	task3 := NewTask("conversion", nil, "")

	for _, task := range []*Task{task1, task2} {
		a, ok := b.DistributeTask(task)
		if !ok || a.Node.ID != "n1" {
			t.Fatalf("task %s should assign to n1", task.ID)
		}
	}
	if stats := b.SystemStats(); stats.TotalTasks != 2 {
		t.Fatalf("activeTasks = %d, want 2", stats.TotalTasks)
	}

	if _, ok := b.DistributeTask(task3); ok {
		t.Fatal("third task should queue, n1 is at capacity")
	}
	if stats := b.SystemStats(); stats.QueuedTasks != 1 {
		t.Fatalf("queuedTasks = %d, want 1", stats.QueuedTasks)
	}

	b.CompleteTask("n1", task1.ID, 5*time.Second)

	stats := b.SystemStats()
	if stats.QueuedTasks != 0 {
		t.Errorf("queuedTasks = %d, want 0 after drain", stats.QueuedTasks)
	}
	if stats.TotalTasks != 2 {
		t.Errorf("activeTasks = %d, want 2 (one done, one drained in)", stats.TotalTasks)
	}
	if stats.CompletedTasks != 1 {
		t.Errorf("completedTasks = %d, want 1", stats.CompletedTasks)
	}
	if stats.AverageConversionTime != 5000 {
		t.Errorf("averageConversionTime = %v ms, want 5000", stats.AverageConversionTime)
	}
}

func TestAverageProcessingTime(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 10)

	durations := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	for i, d := range durations {
		task := NewTask("conversion", nil, "")
		task.ID = fmt.Sprintf("t%d", i)
		b.DistributeTask(task)
		b.CompleteTask("n1", task.ID, d)
	}

	stats := b.SystemStats()
	if stats.AverageConversionTime != 4000 {
		t.Errorf("averageConversionTime = %v ms, want 4000", stats.AverageConversionTime)
	}
}

func TestFindTaskNode(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 2)
	task := NewTask("conversion", nil, "")
	b.DistributeTask(task)

	ref, ok := b.FindTaskNode(task.ID)
	if !ok || ref.ID != "n1" {
		t.Fatalf("FindTaskNode = %v %v, want n1", ref, ok)
	}

	b.CompleteTask("n1", task.ID, time.Second)
	if _, ok := b.FindTaskNode(task.ID); ok {
		t.Error("terminal task must not be reported as in-flight")
	}
}

func TestUpdateStatsRevivesUnreachableNode(t *testing.T) {
	b := newTestBalancer()
	mustRegister(t, b, "n1", 2)
	b.MarkNodeUnreachable("n1")

	if stats := b.SystemStats(); stats.OfflineNodes != 1 {
		t.Fatalf("offlineNodes = %d, want 1 after unreachable mark", stats.OfflineNodes)
	}

	cpu := 20.0
	b.UpdateNodeStats("n1", StatsUpdate{CPU: &cpu})
	if stats := b.SystemStats(); stats.OnlineNodes != 1 {
		t.Errorf("onlineNodes = %d, want 1 after successful stats update", stats.OnlineNodes)
	}
}

func TestNewTaskIDFormat(t *testing.T) {
	task := NewTask("conversion", nil, "")
	if task.Priority != "normal" {
		t.Errorf("default priority = %s, want normal", task.Priority)
	}
	if task.Status != TaskPending {
		t.Errorf("new task status = %s, want pending", task.Status)
	}
	var ms int64
	var suffix string
	if _, err := fmt.Sscanf(task.ID, "task_%d_%s", &ms, &suffix); err != nil {
		t.Fatalf("task id %q does not match task_<millis>_<random>: %v", task.ID, err)
	}
	if suffix == "" {
		t.Error("task id random suffix is empty")
	}
}
