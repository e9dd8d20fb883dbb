package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"server.host": "0.0.0.0",
		"server.port": 3000,

		"balancer.stale_after":       "30s",
		"balancer.cpu_high":          90.0,
		"balancer.memory_high":       90.0,
		"balancer.default_max_tasks": 10,

		"comm.secret":             "magisoperativos-2024",
		"comm.heartbeat_interval": "15s",
		"comm.poll_interval":      "10s",
		"comm.submit_timeout":     "30s",
		"comm.health_timeout":     "5s",
		"comm.cancel_timeout":     "5s",
		"comm.max_retries":        3,
		"comm.retry_backoff":      "2s",

		"worker.type":              "conversion",
		"worker.capabilities":      []string{"conversion"},
		"worker.host":              "0.0.0.0",
		"worker.port":              3002,
		"worker.max_tasks":         3,
		"worker.balancer_url":      "http://localhost:3000",
		"worker.report_interval":   "10s",
		"worker.register_retry":    "30s",
		"worker.min_task_duration": "10s",
		"worker.max_task_duration": "30s",
		"worker.task_retention":    "5m",

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		k.Set(key, val)
	}
	return nil
}
