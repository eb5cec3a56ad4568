package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// BrokerStatus reports broker reachability; *broker.Client satisfies it.
type BrokerStatus interface {
	IsConnected() bool
}

// DLQDepth reports the current dead-letter depth; *broker.DeadLetterManager
// satisfies it.
type DLQDepth interface {
	Count() (int, error)
}

// Checker combines broker reachability and dead-letter depth into coarse
// health classifications. Liveness always passes while the process runs;
// messaging health and readiness use different depth thresholds so a
// growing DLQ degrades reporting before it takes the instance out of
// rotation.
type Checker struct {
	broker         BrokerStatus
	dlq            DLQDepth
	unhealthyDepth int
	notReadyDepth  int
	logger         *zap.Logger
}

func NewChecker(brokerStatus BrokerStatus, dlq DLQDepth, unhealthyDepth, notReadyDepth int, logger *zap.Logger) *Checker {
	return &Checker{
		broker:         brokerStatus,
		dlq:            dlq,
		unhealthyDepth: unhealthyDepth,
		notReadyDepth:  notReadyDepth,
		logger:         logger,
	}
}

// MessagingHealth is the verbose health report for operators.
type MessagingHealth struct {
	Status           string `json:"status"`
	BrokerConnected  bool   `json:"broker_connected"`
	DLQMessageCount  int    `json:"dlq_message_count"`
	DLQHealthy       bool   `json:"dlq_healthy"`
	MessagingHealthy bool   `json:"messaging_healthy"`
}

func (c *Checker) Messaging() MessagingHealth {
	connected := c.broker.IsConnected()

	count, err := c.dlq.Count()
	if err != nil {
		c.logger.Warn("Failed to read DLQ depth", zap.Error(err))
		return MessagingHealth{Status: "unhealthy", BrokerConnected: connected}
	}

	dlqHealthy := count < c.unhealthyDepth
	healthy := connected && dlqHealthy

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return MessagingHealth{
		Status:           status,
		BrokerConnected:  connected,
		DLQMessageCount:  count,
		DLQHealthy:       dlqHealthy,
		MessagingHealthy: healthy,
	}
}

// Ready applies the more lenient readiness thresholds: the instance keeps
// taking traffic with a degraded DLQ until the depth passes notReadyDepth.
func (c *Checker) Ready() bool {
	if !c.broker.IsConnected() {
		return false
	}
	count, err := c.dlq.Count()
	if err != nil {
		return false
	}
	return count < c.notReadyDepth
}

// Router builds the health endpoint router.
func (c *Checker) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "opchat-backend"})
	})
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	r.Get("/health/messaging", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Messaging())
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if c.Ready() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
