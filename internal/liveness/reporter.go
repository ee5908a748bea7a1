// Package liveness implements the heartbeat reporter every non-switchboard
// butler runs (spec §4.9, component H) and the Switchboard-side eligibility
// state machine (component J) that consumes it. Grounded on the teacher's
// internal/health/checker.go ticker-loop idiom (run once after a short
// first-beat delay, then on every tick, participate in shutdown
// cancellation).
package liveness

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// heartbeatBody is the wire shape POSTed to the Switchboard's
// /api/heartbeat (spec §4.9, §6).
type heartbeatBody struct {
	ButlerName string `json:"butler_name"`
}

// Reporter periodically POSTs this butler's name to the Switchboard.
// Connection failures log at warning and never stop the loop (spec §4.9:
// "Connection failure logs at warning ... and never terminates the loop").
type Reporter struct {
	switchboardURL string
	butlerName     string
	interval       time.Duration
	client         *http.Client
	logger         *log.Logger
}

// NewReporter constructs a Reporter. interval <= 0 uses the spec default of
// 120s.
func NewReporter(switchboardURL, butlerName string, interval time.Duration, logger *log.Logger) *Reporter {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reporter{
		switchboardURL: switchboardURL,
		butlerName:     butlerName,
		interval:       interval,
		client:         &http.Client{Timeout: 5 * time.Second},
		logger:         logger,
	}
}

// Run sends the first beat within 5s of startup, then ticks at the
// configured interval until ctx is cancelled (spec §4.9 "first beat within
// 5 s of startup"). Cancellation sends no final beat — shutdown cancels
// this loop before any module on_shutdown runs (spec §4.10).
func (r *Reporter) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(firstBeatDelay):
	}
	r.beat(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

const firstBeatDelay = 2 * time.Second

func (r *Reporter) beat(ctx context.Context) {
	body, err := json.Marshal(heartbeatBody{ButlerName: r.butlerName})
	if err != nil {
		r.logger.Printf("liveness: marshal heartbeat: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.switchboardURL+"/api/heartbeat", bytes.NewReader(body))
	if err != nil {
		r.logger.Printf("liveness: build heartbeat request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Printf("liveness: heartbeat to %s: %v", r.switchboardURL, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.logger.Printf("liveness: heartbeat to %s: status %d", r.switchboardURL, resp.StatusCode)
	}
}
