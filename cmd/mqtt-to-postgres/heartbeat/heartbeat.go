package heartbeat

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Reporter notifies an external liveness endpoint. It is driven by the
// storage writer's loop rather than a timer: no messages flowing means no
// heartbeat, which is exactly the condition the endpoint monitors.
//
// Reporter is not safe for concurrent use; only the writer goroutine calls
// Check.
type Reporter struct {
	url      string
	interval time.Duration
	client   *http.Client
	last     time.Time
}

// New creates a reporter. An empty url disables it. The gate starts at
// construction time so a freshly started process waits one full interval
// before its first heartbeat.
func New(url string, interval time.Duration) *Reporter {
	return &Reporter{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		last:     time.Now(),
	}
}

// Check sends one heartbeat when the interval has elapsed since the last
// attempt. Delivery failures are logged and never propagate; the gate
// advances on the attempt, so a failing endpoint is probed once per interval
// rather than once per message.
func (r *Reporter) Check(now time.Time) {
	if r.url == "" {
		return
	}
	if now.Sub(r.last) < r.interval {
		return
	}
	r.last = now
	r.send()
}

func (r *Reporter) send() {
	resp, err := r.client.Get(r.url)
	if err != nil {
		zap.S().Errorf("Heartbeat delivery failed: %s", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		zap.S().Warnf("Failed to send heartbeat. Status code: %d. Will retry.", resp.StatusCode)
	}
}
