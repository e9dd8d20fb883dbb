package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MachineJALS/MagisOperativos/internal/balancer"
	"github.com/MachineJALS/MagisOperativos/internal/comm"
	"github.com/labstack/echo/v4"
)

// stubWorker is a minimal worker-contract HTTP server: accepts every task,
// reports every known task as processing, honors cancels.
func stubWorker(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"healthy","nodeId":"w1","stats":{"cpu":20,"memory":30,"activeTasks":0,"maxTasks":4,"completedTasks":0,"failedTasks":0}}`)
	})
	mux.HandleFunc("POST /api/tasks/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Node-Secret") != secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"success":true,"taskId":"x","nodeId":"w1"}`)
	})
	mux.HandleFunc("GET /api/tasks/{taskId}/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success":true,"taskId":%q,"status":"processing","progress":40}`, r.PathValue("taskId"))
	})
	mux.HandleFunc("POST /api/tasks/{taskId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T) (*echo.Echo, *balancer.Balancer, *comm.Communicator) {
	t.Helper()
	lb := balancer.New(balancer.DefaultConfig())
	communicator := comm.New(lb, comm.Options{
		Secret:            "test-secret",
		HeartbeatInterval: time.Hour, // first probe only
		PollInterval:      time.Hour,
		SubmitTimeout:     time.Second,
		HealthTimeout:     time.Second,
		CancelTimeout:     time.Second,
		MaxRetries:        1,
		RetryBackoff:      time.Millisecond,
	})
	lb.SetAssignSink(communicator.Dispatch)

	e := echo.New()
	SetupRouter(e, RouterConfig{LB: lb, Comm: communicator})
	return e, lb, communicator
}

func request(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func registerStub(t *testing.T, e *echo.Echo, addr string) {
	t.Helper()
	body := fmt.Sprintf(`{"id":"w1","type":"conversion","capabilities":{"supportedTasks":["conversion"],"maxTasks":4},"address":%q}`, addr)
	rec := request(e, http.MethodPost, "/api/nodes/register", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}
}

func parse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestRegisterNodeEndpoint(t *testing.T) {
	srv := stubWorker(t, "test-secret")
	e, lb, communicator := newTestRouter(t)
	defer communicator.CleanupNodeResources("w1")

	registerStub(t, e, srv.URL)

	refs := lb.NodeRefs()
	if len(refs) != 1 || refs[0].ID != "w1" {
		t.Fatalf("registered refs = %v", refs)
	}

	body := fmt.Sprintf(`{"id":"","type":"conversion","capabilities":{"supportedTasks":["conversion"],"maxTasks":4},"address":%q}`, srv.URL)
	rec := request(e, http.MethodPost, "/api/nodes/register", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty id register status = %d, want 400", rec.Code)
	}
	resp := parse(t, rec)
	if resp["success"] != false {
		t.Errorf("error body = %v, want success false", resp)
	}
}

func TestDistributeTaskAssignsToRegisteredNode(t *testing.T) {
	srv := stubWorker(t, "test-secret")
	e, _, communicator := newTestRouter(t)
	defer communicator.CleanupNodeResources("w1")

	registerStub(t, e, srv.URL)

	rec := request(e, http.MethodPost, "/api/nodes/distribute-task",
		`{"type":"conversion","data":{"targetFormat":"mp4"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("distribute status = %d: %s", rec.Code, rec.Body.String())
	}
	body := parse(t, rec)
	if body["assigned"] != true {
		t.Fatalf("body = %v, want assigned true", body)
	}
	node := body["node"].(map[string]any)
	if node["id"] != "w1" {
		t.Errorf("assigned node = %v, want w1", node)
	}
	task := body["task"].(map[string]any)
	if task["status"] != "processing" || task["assignedAt"] == nil {
		t.Errorf("task = %v", task)
	}
}

func TestDistributeTaskQueuesWithoutCapableNode(t *testing.T) {
	e, lb, _ := newTestRouter(t)

	rec := request(e, http.MethodPost, "/api/nodes/distribute-task", `{"type":"conversion"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("distribute status = %d: %s", rec.Code, rec.Body.String())
	}
	body := parse(t, rec)
	if body["assigned"] != false {
		t.Fatalf("body = %v, want assigned false", body)
	}
	task := body["task"].(map[string]any)
	if task["status"] != "pending" {
		t.Errorf("task status = %v, want pending", task["status"])
	}
	if stats := lb.SystemStats(); stats.QueuedTasks != 1 {
		t.Errorf("queuedTasks = %d, want 1", stats.QueuedTasks)
	}
}

func TestDistributeTaskRequiresType(t *testing.T) {
	e, _, _ := newTestRouter(t)
	rec := request(e, http.MethodPost, "/api/nodes/distribute-task", `{"type":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUpdateStatsEndpoint(t *testing.T) {
	srv := stubWorker(t, "test-secret")
	e, lb, communicator := newTestRouter(t)
	defer communicator.CleanupNodeResources("w1")

	registerStub(t, e, srv.URL)

	// Let the registration probe land before pushing our own figures, so it
	// cannot overwrite them.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats := lb.SystemStats()
		if len(stats.Nodes) == 1 && stats.Nodes[0].Stats.CPU == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registration probe never landed: %+v", stats.Nodes)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := request(e, http.MethodPost, "/api/nodes/w1/stats", `{"cpu":55.5,"activeTasks":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats update status = %d: %s", rec.Code, rec.Body.String())
	}

	stats := lb.SystemStats()
	if len(stats.Nodes) != 1 || stats.Nodes[0].Stats.CPU != 55.5 {
		t.Errorf("nodes = %+v, want cpu 55.5", stats.Nodes)
	}

	// A report from a node that unregistered moments ago is not an error.
	rec = request(e, http.MethodPost, "/api/nodes/ghost/stats", `{"cpu":10}`)
	if rec.Code != http.StatusOK {
		t.Errorf("unknown node stats status = %d, want 200", rec.Code)
	}
}

func TestUnregisterEndpoint(t *testing.T) {
	srv := stubWorker(t, "test-secret")
	e, lb, _ := newTestRouter(t)

	registerStub(t, e, srv.URL)

	rec := request(e, http.MethodDelete, "/api/nodes/w1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unregister status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(lb.NodeRefs()) != 0 {
		t.Errorf("refs after unregister = %v", lb.NodeRefs())
	}

	rec = request(e, http.MethodDelete, "/api/nodes/w1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second unregister status = %d, want 404", rec.Code)
	}
}

func TestSystemStatsEndpoint(t *testing.T) {
	srv := stubWorker(t, "test-secret")
	e, _, communicator := newTestRouter(t)
	defer communicator.CleanupNodeResources("w1")

	registerStub(t, e, srv.URL)

	rec := request(e, http.MethodGet, "/api/nodes/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := parse(t, rec)
	stats := body["stats"].(map[string]any)
	if stats["totalNodes"].(float64) != 1 {
		t.Errorf("totalNodes = %v, want 1", stats["totalNodes"])
	}
}

func TestNodesHealthEndpoint(t *testing.T) {
	srv := stubWorker(t, "test-secret")
	e, _, communicator := newTestRouter(t)
	defer communicator.CleanupNodeResources("w1")

	registerStub(t, e, srv.URL)

	rec := request(e, http.MethodGet, "/api/nodes/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := parse(t, rec)
	nodes := body["nodes"].([]any)
	if len(nodes) != 1 {
		t.Fatalf("nodes = %v, want one entry", nodes)
	}
	first := nodes[0].(map[string]any)
	if first["nodeId"] != "w1" || first["online"] != true {
		t.Errorf("health entry = %v", first)
	}
}

func TestCancelTaskEndpoint(t *testing.T) {
	srv := stubWorker(t, "test-secret")
	e, lb, communicator := newTestRouter(t)
	defer communicator.CleanupNodeResources("w1")

	registerStub(t, e, srv.URL)

	rec := request(e, http.MethodPost, "/api/nodes/distribute-task", `{"type":"conversion"}`)
	body := parse(t, rec)
	task := body["task"].(map[string]any)
	taskID := task["id"].(string)

	rec = request(e, http.MethodPost, "/api/tasks/"+taskID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := lb.FindTaskNode(taskID); ok {
		t.Errorf("task %s still assigned after cancel", taskID)
	}

	rec = request(e, http.MethodPost, "/api/tasks/unknown/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown task cancel status = %d, want 404", rec.Code)
	}
}
