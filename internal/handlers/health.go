package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/publish-studio/scheduler-svc/internal/receiver"
)

type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Services  map[string]string         `json:"services"`
	Receivers map[string]ReceiverHealth `json:"receivers"`
}

// ReceiverHealth describes one job receiver
type ReceiverHealth struct {
	State   string `json:"state"`
	Broker  string `json:"broker"`
	Delayed int64  `json:"delayed"`
	Active  int64  `json:"active"`
	Error   string `json:"error,omitempty"`
}

// HealthHandler reports the state of redis and of every receiver
type HealthHandler struct {
	redis     redis.UniversalClient
	receivers []*receiver.Receiver
	timeout   time.Duration
}

// NewHealthHandler creates a health handler over the given dependencies
func NewHealthHandler(redisClient redis.UniversalClient, receivers []*receiver.Receiver) *HealthHandler {
	return &HealthHandler{
		redis:     redisClient,
		receivers: receivers,
		timeout:   5 * time.Second,
	}
}

// HealthCheck handles the health check endpoint
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	services := make(map[string]string)
	status := "healthy"

	// Check redis
	if err := h.redis.Ping(ctx).Err(); err != nil {
		services["redis"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		services["redis"] = "healthy"
	}

	receivers := make(map[string]ReceiverHealth, len(h.receivers))
	for _, rcv := range h.receivers {
		state, lastErr := rcv.State()
		health := ReceiverHealth{State: string(state), Broker: "healthy"}
		if lastErr != nil {
			health.Error = lastErr.Error()
		}
		if !rcv.BrokerHealthy() {
			health.Broker = "unhealthy: connection closed"
		}
		if state != receiver.StateListening || !rcv.BrokerHealthy() {
			status = "unhealthy"
		}

		if counts, err := rcv.Queue().Counts(ctx); err == nil {
			health.Delayed = counts.Delayed
			health.Active = counts.Active
		}
		receivers[rcv.Name()] = health
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Receivers: receivers,
	}

	if status == "unhealthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}

	return c.JSON(response)
}
