package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"master-session-service/internal/config"
	"master-session-service/internal/models"
)

// captureSink records flushed batches and can be told to fail.
type captureSink struct {
	mu      sync.Mutex
	batches [][]models.SecurityEvent
	failing bool
}

func (s *captureSink) WriteBatch(ctx context.Context, batch []models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink down")
	}
	copied := make([]models.SecurityEvent, len(batch))
	copy(copied, batch)
	s.batches = append(s.batches, copied)
	return nil
}

func (s *captureSink) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *captureSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSink) totalEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, batch := range s.batches {
		total += len(batch)
	}
	return total
}

func eventsConfig(batchSize int, batchTimeout time.Duration, ringCapacity int) *config.Config {
	return &config.Config{
		Environment: "development",
		Events: config.EventsConfig{
			BatchSize:    batchSize,
			BatchTimeout: batchTimeout,
			RingCapacity: ringCapacity,
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEventLogFlushesAtBatchSize(t *testing.T) {
	sink := &captureSink{}
	log := NewSecurityEventLog(eventsConfig(50, time.Hour, 1000), sink, nil, nil, zap.NewNop())
	defer log.Close()

	for i := 0; i < 49; i++ {
		log.Log(models.SecurityEvent{EventType: models.EventLoginFailed, Level: models.LevelWarning})
	}
	time.Sleep(50 * time.Millisecond)
	if sink.batchCount() != 0 {
		t.Fatalf("flushed before the size threshold: %d batches", sink.batchCount())
	}

	log.Log(models.SecurityEvent{EventType: models.EventLoginFailed, Level: models.LevelWarning})
	waitFor(t, 2*time.Second, func() bool { return sink.batchCount() == 1 })
	if got := sink.totalEvents(); got != 50 {
		t.Fatalf("flushed events = %d, want 50", got)
	}
}

func TestEventLogFlushesOnTimeout(t *testing.T) {
	sink := &captureSink{}
	log := NewSecurityEventLog(eventsConfig(50, 100*time.Millisecond, 1000), sink, nil, nil, zap.NewNop())
	defer log.Close()

	log.Log(models.SecurityEvent{EventType: models.EventLogout, Level: models.LevelInfo})
	log.Log(models.SecurityEvent{EventType: models.EventLogout, Level: models.LevelInfo})

	waitFor(t, 2*time.Second, func() bool { return sink.batchCount() == 1 })
	if got := sink.totalEvents(); got != 2 {
		t.Fatalf("flushed events = %d, want 2", got)
	}
}

func TestEventLogRequeuesFailedBatch(t *testing.T) {
	sink := &captureSink{}
	sink.setFailing(true)
	log := NewSecurityEventLog(eventsConfig(50, 50*time.Millisecond, 1000), sink, nil, nil, zap.NewNop())
	defer log.Close()

	log.Log(models.SecurityEvent{EventType: models.EventLoginFailed, Level: models.LevelWarning})

	// The failed batch stays pending across flush attempts.
	waitFor(t, 2*time.Second, func() bool { return log.PendingCount() == 1 })
	time.Sleep(150 * time.Millisecond)
	if log.PendingCount() != 1 {
		t.Fatalf("pending after failed flush = %d, want 1", log.PendingCount())
	}

	sink.setFailing(false)
	waitFor(t, 2*time.Second, func() bool { return sink.totalEvents() == 1 })
	if log.PendingCount() != 0 {
		t.Fatalf("pending after recovery = %d, want 0", log.PendingCount())
	}
}

func TestEventLogCloseFlushesPending(t *testing.T) {
	sink := &captureSink{}
	log := NewSecurityEventLog(eventsConfig(50, time.Hour, 1000), sink, nil, nil, zap.NewNop())

	log.Log(models.SecurityEvent{EventType: models.EventLogout, Level: models.LevelInfo})
	log.Close()

	if got := sink.totalEvents(); got != 1 {
		t.Fatalf("events flushed on close = %d, want 1", got)
	}
}

func TestEventLogAlertHandlers(t *testing.T) {
	sink := &captureSink{}
	log := NewSecurityEventLog(eventsConfig(50, time.Hour, 1000), sink, nil, nil, zap.NewNop())
	defer log.Close()

	var mu sync.Mutex
	var alerted []string
	log.RegisterAlertHandler(func(event models.SecurityEvent) {
		mu.Lock()
		alerted = append(alerted, event.EventType)
		mu.Unlock()
	})

	log.Log(models.SecurityEvent{EventType: models.EventLoginSuccess, Level: models.LevelInfo})
	log.Log(models.SecurityEvent{EventType: models.EventLoginBlocked, Level: models.LevelWarning})
	log.Log(models.SecurityEvent{EventType: models.EventUnauthorized, Level: models.LevelCritical})
	log.Log(models.SecurityEvent{EventType: models.EventStorageFailure, Level: models.LevelError})

	mu.Lock()
	defer mu.Unlock()
	if len(alerted) != 2 {
		t.Fatalf("alerted events = %v, want the critical and error ones", alerted)
	}
	if alerted[0] != models.EventUnauthorized || alerted[1] != models.EventStorageFailure {
		t.Fatalf("alerted order = %v", alerted)
	}
}

func TestEventLogRingEviction(t *testing.T) {
	sink := &captureSink{}
	log := NewSecurityEventLog(eventsConfig(1000, time.Hour, 3), sink, nil, nil, zap.NewNop())
	defer log.Close()

	for _, user := range []string{"a", "b", "c", "d"} {
		log.Log(models.SecurityEvent{EventType: models.EventLogout, Level: models.LevelInfo, UserID: user})
	}

	got := log.Query(models.EventFilter{})
	if len(got) != 3 {
		t.Fatalf("buffered events = %d, want 3", len(got))
	}
	// Newest first, oldest ("a") evicted.
	if got[0].UserID != "d" || got[2].UserID != "b" {
		t.Fatalf("unexpected ring contents: %s..%s", got[0].UserID, got[2].UserID)
	}
}

func TestEventLogQueryFilters(t *testing.T) {
	sink := &captureSink{}
	log := NewSecurityEventLog(eventsConfig(1000, time.Hour, 100), sink, nil, nil, zap.NewNop())
	defer log.Close()

	log.Log(models.SecurityEvent{EventType: models.EventLoginFailed, Level: models.LevelWarning, UserID: "u1"})
	log.Log(models.SecurityEvent{EventType: models.EventLoginSuccess, Level: models.LevelInfo, UserID: "u1"})
	log.Log(models.SecurityEvent{EventType: models.EventLoginFailed, Level: models.LevelWarning, UserID: "u2"})

	byType := log.Query(models.EventFilter{EventType: models.EventLoginFailed})
	if len(byType) != 2 {
		t.Fatalf("filter by type = %d events, want 2", len(byType))
	}

	byUser := log.Query(models.EventFilter{UserID: "u1"})
	if len(byUser) != 2 {
		t.Fatalf("filter by user = %d events, want 2", len(byUser))
	}

	limited := log.Query(models.EventFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit 1 = %d events", len(limited))
	}
	if limited[0].UserID != "u2" {
		t.Fatal("query must return newest first")
	}
}

func TestEventLogStats(t *testing.T) {
	sink := &captureSink{}
	log := NewSecurityEventLog(eventsConfig(1000, time.Hour, 100), sink, nil, nil, zap.NewNop())
	defer log.Close()

	for i := 0; i < 3; i++ {
		log.Log(models.SecurityEvent{EventType: models.EventLoginFailed, Level: models.LevelWarning, UserID: "suspect"})
	}
	log.Log(models.SecurityEvent{EventType: models.EventLoginSuccess, Level: models.LevelInfo, UserID: "regular"})

	stats, err := log.Stats("1h")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Fatalf("total = %d, want 4", stats.Total)
	}
	if stats.ByType[models.EventLoginFailed] != 3 {
		t.Fatalf("login_failed count = %d, want 3", stats.ByType[models.EventLoginFailed])
	}
	if stats.ByLevel[models.LevelWarning] != 3 {
		t.Fatalf("warning count = %d, want 3", stats.ByLevel[models.LevelWarning])
	}
	if len(stats.TopActors) == 0 || stats.TopActors[0].UserID != "suspect" {
		t.Fatalf("top actors = %+v", stats.TopActors)
	}
	if len(stats.FlaggedActors) != 1 || stats.FlaggedActors[0].UserID != "suspect" {
		t.Fatalf("flagged actors = %+v", stats.FlaggedActors)
	}

	if _, err := log.Stats("2y"); err == nil {
		t.Fatal("unknown window should error")
	}
}
