package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"master-session-service/internal/client"
	"master-session-service/internal/models"
	"master-session-service/internal/util"
)

// AlertHandler receives severe events synchronously at log time. Handlers
// must be fast; they run on the caller's goroutine.
type AlertHandler func(event models.SecurityEvent)

// AlertStore persists operator-facing alerts that need acknowledgement.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert models.SecurityAlert) error
	Acknowledge(ctx context.Context, alertID, ackedBy string) error
}

// ESAlertStore keeps alerts in the security_alerts index, one document per
// alert, updated in place on acknowledgement.
type ESAlertStore struct {
	es    *client.ESClient
	index string
}

func NewESAlertStore(es *client.ESClient, index string) *ESAlertStore {
	return &ESAlertStore{es: es, index: index}
}

func (s *ESAlertStore) SaveAlert(ctx context.Context, alert models.SecurityAlert) error {
	res, err := s.es.IndexDocument(ctx, s.index, alert.AlertID, alert)
	if err != nil {
		return fmt.Errorf("failed to index alert: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to index alert: %s", res.Status())
	}
	return nil
}

func (s *ESAlertStore) Acknowledge(ctx context.Context, alertID, ackedBy string) error {
	res, err := s.es.UpdateDocument(ctx, s.index, alertID, map[string]interface{}{
		"acknowledged": true,
		"acked_by":     ackedBy,
		"acked_at":     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to acknowledge alert: %s", res.Status())
	}
	util.Info("Alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("acked_by", ackedBy))
	return nil
}

func alertFromEvent(event models.SecurityEvent) models.SecurityAlert {
	return models.SecurityAlert{
		AlertID:   uuid.New().String(),
		EventID:   event.ID,
		Timestamp: event.Timestamp,
		EventType: event.EventType,
		Level:     event.Level,
		UserID:    event.UserID,
		Message:   event.Message,
		Details:   event.Details,
	}
}
