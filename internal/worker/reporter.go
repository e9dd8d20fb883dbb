package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Reporter is the worker's push-side channel to the balancer: registration
// on startup (retried until the balancer answers) and a periodic
// self-report of stats. It coexists with the balancer's pull heartbeat;
// both land on the same registry entry, last write wins.
type Reporter struct {
	w      *Worker
	client *http.Client
}

func NewReporter(w *Worker) *Reporter {
	return &Reporter{
		w:      w,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run registers with the balancer, then pushes stats on every report
// interval until the context ends.
func (r *Reporter) Run(ctx context.Context) {
	for {
		if err := r.register(ctx); err == nil {
			break
		} else {
			log.Warn().Err(err).Dur("retry_in", r.w.Settings().RegisterRetry).
				Msg("registration failed, will retry")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.w.Settings().RegisterRetry):
		}
	}

	ticker := time.NewTicker(r.w.Settings().ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.w.refreshMetrics()
			if err := r.pushStats(ctx); err != nil {
				log.Warn().Err(err).Msg("stats report failed")
			}
		}
	}
}

type registerRequest struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Capabilities capabilities `json:"capabilities"`
	Address      string       `json:"address"`
}

type capabilities struct {
	SupportedTasks []string `json:"supportedTasks"`
	MaxTasks       int      `json:"maxTasks"`
}

func (r *Reporter) register(ctx context.Context) error {
	settings := r.w.Settings()
	body := registerRequest{
		ID:      settings.ID,
		Type:    settings.Type,
		Address: settings.Address,
		Capabilities: capabilities{
			SupportedTasks: settings.Capabilities,
			MaxTasks:       settings.MaxTasks,
		},
	}
	if err := r.post(ctx, settings.BalancerURL+"/api/nodes/register", body); err != nil {
		return err
	}
	log.Info().Str("node_id", settings.ID).Str("balancer", settings.BalancerURL).
		Msg("registered with balancer")
	return nil
}

func (r *Reporter) pushStats(ctx context.Context) error {
	settings := r.w.Settings()
	return r.post(ctx, settings.BalancerURL+"/api/nodes/"+settings.ID+"/stats", r.w.Stats())
}

// Deregister removes this worker from the balancer's registry; called on
// graceful shutdown so in-flight tasks are requeued promptly instead of
// waiting out the staleness window.
func (r *Reporter) Deregister(ctx context.Context) error {
	settings := r.w.Settings()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		settings.BalancerURL+"/api/nodes/"+settings.ID, nil)
	if err != nil {
		return err
	}
	req.Header.Set(secretHeader, settings.Secret)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deregister: status %d", resp.StatusCode)
	}
	return nil
}

func (r *Reporter) post(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, r.w.Settings().Secret)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
