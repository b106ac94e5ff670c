package models

import "time"

// Availability levels derived from a provider's breaker state.
const (
	StatusOperational = "operational"
	StatusDegraded    = "degraded"
	StatusDown        = "down"
)

// StatusForBreaker maps a breaker state name to an availability level
func StatusForBreaker(state string) string {
	switch state {
	case "closed":
		return StatusOperational
	case "half_open":
		return StatusDegraded
	default:
		return StatusDown
	}
}

// ServiceStatusSnapshot is a point-in-time projection of one provider's
// health, derived from its circuit breaker and latency telemetry.
type ServiceStatusSnapshot struct {
	Provider            string    `json:"provider"`
	Status              string    `json:"status"`
	BreakerState        string    `json:"breaker_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ResponseTimeMs      int64     `json:"response_time_ms"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
}

// Same reports whether two snapshots describe the same availability.
// The volatile fields (response time, check timestamp) are ignored so
// that repeated checks with an unchanged outcome compare equal.
func (s ServiceStatusSnapshot) Same(other ServiceStatusSnapshot) bool {
	return s.Provider == other.Provider &&
		s.Status == other.Status &&
		s.BreakerState == other.BreakerState &&
		s.ConsecutiveFailures == other.ConsecutiveFailures
}
