package worker

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const secretHeader = "X-Node-Secret"

// Server is the worker's balancer-facing HTTP surface.
type Server struct {
	w *Worker
}

func NewServer(w *Worker) *Server {
	return &Server{w: w}
}

func (s *Server) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api", s.secretMiddleware)
	api.POST("/tasks/execute", s.executeTask)
	api.GET("/tasks/:taskId/status", s.taskStatus)
	api.POST("/tasks/:taskId/cancel", s.cancelTask)
	api.GET("/health", s.health)
	api.GET("/info", s.info)
}

// secretMiddleware enforces the shared node secret when one is configured.
func (s *Server) secretMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := s.w.Settings().Secret
		if secret != "" && c.Request().Header.Get(secretHeader) != secret {
			return c.JSON(http.StatusUnauthorized, echo.Map{
				"success": false,
				"error":   "invalid node secret",
			})
		}
		return next(c)
	}
}

type executeRequest struct {
	TaskID   string         `json:"taskId"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	Priority string         `json:"priority"`
}

func (s *Server) executeTask(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil || req.TaskID == "" || req.Type == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"success": false,
			"error":   "taskId and type are required",
		})
	}

	if err := s.w.Accept(req.TaskID, req.Type, req.Data); err != nil {
		if errors.Is(err, ErrSaturated) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{
				"success": false,
				"error":   "worker saturated, cannot accept more tasks",
				"taskId":  req.TaskID,
			})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"success": false,
			"error":   err.Error(),
			"taskId":  req.TaskID,
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "task accepted for processing",
		"taskId":  req.TaskID,
		"nodeId":  s.w.Settings().ID,
	})
}

func (s *Server) taskStatus(c echo.Context) error {
	report, err := s.w.Status(c.Param("taskId"))
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{
			"success": false,
			"error":   "task not found",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"taskId":         report.TaskID,
		"status":         report.Status,
		"progress":       report.Progress,
		"elapsedTime":    report.ElapsedTime.Milliseconds(),
		"processingTime": report.ProcessingTime.Milliseconds(),
		"nodeId":         s.w.Settings().ID,
	})
}

func (s *Server) cancelTask(c echo.Context) error {
	taskID := c.Param("taskId")
	if err := s.w.Cancel(taskID); err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{
			"success": false,
			"error":   "task not found",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "task cancelled",
		"taskId":  taskID,
	})
}

func (s *Server) health(c echo.Context) error {
	settings := s.w.Settings()
	return c.JSON(http.StatusOK, echo.Map{
		"status":       "healthy",
		"nodeId":       settings.ID,
		"type":         settings.Type,
		"capabilities": settings.Capabilities,
		"timestamp":    time.Now(),
		"stats":        s.w.Stats(),
	})
}

func (s *Server) info(c echo.Context) error {
	settings := s.w.Settings()
	return c.JSON(http.StatusOK, echo.Map{
		"nodeId":             settings.ID,
		"type":               settings.Type,
		"capabilities":       settings.Capabilities,
		"address":            settings.Address,
		"maxConcurrentTasks": settings.MaxTasks,
		"uptime":             s.w.Uptime().Seconds(),
	})
}
