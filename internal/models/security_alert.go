package models

import "time"

// SecurityAlert is the operator-facing projection of a severe event. Alerts
// live in their own index and must be explicitly acknowledged.
type SecurityAlert struct {
	AlertID      string            `json:"alert_id"`
	EventID      string            `json:"event_id"`
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	Level        string            `json:"level"`
	UserID       string            `json:"user_id,omitempty"`
	Message      string            `json:"message"`
	Details      map[string]string `json:"details,omitempty"`
	Acknowledged bool              `json:"acknowledged"`
	AckedBy      string            `json:"acked_by,omitempty"`
	AckedAt      time.Time         `json:"acked_at,omitempty"`
}
