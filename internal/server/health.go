package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const healthTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// healthClock hands out timestamps that never go backwards, even if the
// wall clock is stepped.
type healthClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newHealthClock() *healthClock {
	return &healthClock{now: time.Now}
}

func (c *healthClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Millisecond)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: s.clock.next().Format(healthTimeLayout),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("Error writing health response", zap.Error(err))
	}
}
