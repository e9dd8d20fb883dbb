package api

import (
	"net/http"

	"github.com/MachineJALS/MagisOperativos/internal/balancer"
	"github.com/MachineJALS/MagisOperativos/internal/comm"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humaecho"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

type RouterConfig struct {
	LB   *balancer.Balancer
	Comm *comm.Communicator
}

func SetupRouter(e *echo.Echo, cfg RouterConfig) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	InitErrors()

	apiGroup := e.Group("/api")
	config := huma.DefaultConfig("MagisOperativos Balancer API", "1.0.0")
	config.Servers = []*huma.Server{{URL: "/api"}}
	config.Info.Description = "Node registry and task distribution for the conversion farm"

	humaAPI := humaecho.NewWithGroup(e, apiGroup, config)

	h := NewNodesHandler(cfg.LB, cfg.Comm)

	huma.Register(humaAPI, huma.Operation{
		OperationID: "register-node",
		Method:      http.MethodPost,
		Path:        "/nodes/register",
		Summary:     "Register a worker node",
		Tags:        []string{"Nodes"},
	}, h.Register)

	huma.Register(humaAPI, huma.Operation{
		OperationID: "update-node-stats",
		Method:      http.MethodPost,
		Path:        "/nodes/{nodeId}/stats",
		Summary:     "Self-report node stats",
		Tags:        []string{"Nodes"},
	}, h.UpdateStats)

	huma.Register(humaAPI, huma.Operation{
		OperationID: "unregister-node",
		Method:      http.MethodDelete,
		Path:        "/nodes/{nodeId}",
		Summary:     "Unregister a node, requeueing its in-flight tasks",
		Tags:        []string{"Nodes"},
	}, h.Unregister)

	huma.Register(humaAPI, huma.Operation{
		OperationID: "distribute-task",
		Method:      http.MethodPost,
		Path:        "/nodes/distribute-task",
		Summary:     "Create a task and assign it to the best node",
		Tags:        []string{"Tasks"},
	}, h.DistributeTask)

	huma.Register(humaAPI, huma.Operation{
		OperationID: "system-stats",
		Method:      http.MethodGet,
		Path:        "/nodes/stats",
		Summary:     "Aggregate registry and queue metrics",
		Tags:        []string{"Nodes"},
	}, h.SystemStats)

	huma.Register(humaAPI, huma.Operation{
		OperationID: "nodes-health",
		Method:      http.MethodGet,
		Path:        "/nodes/health",
		Summary:     "Probe every registered node once",
		Tags:        []string{"Nodes"},
	}, h.NodesHealth)

	huma.Register(humaAPI, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{taskId}/cancel",
		Summary:     "Cancel an in-flight task on its node",
		Tags:        []string{"Tasks"},
	}, h.CancelTask)
}
