// Package events implements the security event log: a bounded in-memory
// ring for local queries, debounced micro-batching into durable sinks, and
// synchronous alert dispatch for severe events.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"master-session-service/internal/bucketing"
	"master-session-service/internal/config"
	"master-session-service/internal/models"
	"master-session-service/internal/util"
)

const (
	defaultQueryLimit = 100
	statsTopN         = 10
	flaggedThreshold  = 3
)

// SecurityEventLog owns the event queue and ring buffer. Events are queued
// at log time and flushed when the pending batch reaches the size threshold
// or when the time threshold elapses after the oldest pending item,
// whichever comes first. A failed flush puts the batch back at the front of
// the queue for the next trigger.
type SecurityEventLog struct {
	cfg       config.EventsConfig
	sink      EventSink
	alerts    AlertStore
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	ring     *eventRing
	pending  []models.SecurityEvent
	handlers []AlertHandler

	armCh     chan struct{}
	flushCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewSecurityEventLog(
	cfg *config.Config,
	sink EventSink,
	alerts AlertStore,
	bucketingMgr *bucketing.BucketingManager,
	logger *zap.Logger,
) *SecurityEventLog {
	l := &SecurityEventLog{
		cfg:       cfg.Events,
		sink:      sink,
		alerts:    alerts,
		bucketing: bucketingMgr,
		logger:    logger,
		now:       time.Now,
		ring:      newEventRing(cfg.Events.RingCapacity),
		armCh:     make(chan struct{}, 1),
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// RegisterAlertHandler adds a handler invoked synchronously for every event
// at level error or critical.
func (l *SecurityEventLog) RegisterAlertHandler(handler AlertHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Log assigns an id and timestamp, records the event locally, queues it for
// the durable sinks, and dispatches alerts for severe events. It returns
// the assigned event id.
func (l *SecurityEventLog) Log(event models.SecurityEvent) string {
	event.ID = uuid.New().String()
	event.Timestamp = l.now().UTC()
	if l.bucketing != nil && event.UserID != "" {
		event.EventBucket = l.bucketing.GetEventBucket(event.UserID)
	}

	l.mu.Lock()
	l.ring.Add(event)
	l.pending = append(l.pending, event)
	size := len(l.pending)
	handlers := make([]AlertHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	// The alert path is independent of batching: handlers run on this
	// goroutine, the alert store write is best-effort in the background.
	if event.Severe() {
		for _, handler := range handlers {
			handler(event)
		}
		if l.alerts != nil {
			go l.saveAlert(event)
		}
	}

	if size >= l.cfg.BatchSize {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	} else if size == 1 {
		select {
		case l.armCh <- struct{}{}:
		default:
		}
	}

	return event.ID
}

func (l *SecurityEventLog) saveAlert(event models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alert := alertFromEvent(event)
	if err := l.alerts.SaveAlert(ctx, alert); err != nil {
		util.Error("Failed to persist security alert",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (l *SecurityEventLog) run() {
	defer l.wg.Done()

	timer := time.NewTimer(l.cfg.BatchTimeout)
	stopTimer(timer)

	for {
		select {
		case <-l.armCh:
			// First pending item: the time threshold counts from it.
			stopTimer(timer)
			timer.Reset(l.cfg.BatchTimeout)
		case <-l.flushCh:
			stopTimer(timer)
			if l.flush() {
				timer.Reset(l.cfg.BatchTimeout)
			}
		case <-timer.C:
			if l.flush() {
				timer.Reset(l.cfg.BatchTimeout)
			}
		case <-l.stopCh:
			stopTimer(timer)
			l.flush()
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// flush writes the whole pending queue to the sink. It reports whether
// items remain pending afterwards (failed batch requeued, or new events
// arrived during the write), so the caller can rearm the timer.
func (l *SecurityEventLog) flush() bool {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return false
	}
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.sink.WriteBatch(ctx, batch); err != nil {
		util.Error("Event batch flush failed, requeueing",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		remaining := len(l.pending) > 0
		l.mu.Unlock()
		return remaining
	}

	util.Debug("Event batch flushed",
		zap.Int("batch_size", len(batch)))

	l.mu.Lock()
	remaining := len(l.pending) > 0
	l.mu.Unlock()
	return remaining
}

// Query returns buffered events matching the filter, newest first, capped
// at the filter limit.
func (l *SecurityEventLog) Query(filter models.EventFilter) []models.SecurityEvent {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	l.mu.Lock()
	snapshot := l.ring.NewestFirst()
	l.mu.Unlock()

	out := make([]models.SecurityEvent, 0, limit)
	for _, event := range snapshot {
		if filter.EventType != "" && event.EventType != filter.EventType {
			continue
		}
		if filter.Level != "" && event.Level != filter.Level {
			continue
		}
		if filter.UserID != "" && event.UserID != filter.UserID {
			continue
		}
		if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && event.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Stats aggregates the buffered events over a rolling window ("1h", "24h",
// "7d", "30d"): counts by level and type, the most active identifiers, and
// identifiers with three or more failed logins in the window.
func (l *SecurityEventLog) Stats(window string) (*models.EventStats, error) {
	duration, err := parseWindow(window)
	if err != nil {
		return nil, err
	}
	cutoff := l.now().UTC().Add(-duration)

	l.mu.Lock()
	snapshot := l.ring.NewestFirst()
	l.mu.Unlock()

	stats := &models.EventStats{
		Window:  window,
		ByLevel: make(map[string]int),
		ByType:  make(map[string]int),
	}
	actorCounts := make(map[string]int)
	failedLogins := make(map[string]int)

	for _, event := range snapshot {
		if event.Timestamp.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByLevel[event.Level]++
		stats.ByType[event.EventType]++
		if event.UserID != "" {
			actorCounts[event.UserID]++
			if event.EventType == models.EventLoginFailed {
				failedLogins[event.UserID]++
			}
		}
	}

	stats.TopActors = topActors(actorCounts, statsTopN)
	for userID, count := range failedLogins {
		if count >= flaggedThreshold {
			stats.FlaggedActors = append(stats.FlaggedActors, models.ActorCount{
				UserID: userID,
				Count:  count,
			})
		}
	}
	sort.Slice(stats.FlaggedActors, func(i, j int) bool {
		return stats.FlaggedActors[i].Count > stats.FlaggedActors[j].Count
	})

	return stats, nil
}

// PendingCount reports the current queue depth, exposed for health views.
func (l *SecurityEventLog) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close flushes any pending events and stops the background loop.
func (l *SecurityEventLog) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
	})
}

func parseWindow(window string) (time.Duration, error) {
	switch window {
	case "1h":
		return time.Hour, nil
	case "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, &UnknownWindowError{Window: window}
	}
}

// UnknownWindowError reports an unsupported statistics window.
type UnknownWindowError struct {
	Window string
}

func (e *UnknownWindowError) Error() string {
	return "unknown statistics window: " + e.Window
}

func topActors(counts map[string]int, n int) []models.ActorCount {
	out := make([]models.ActorCount, 0, len(counts))
	for userID, count := range counts {
		out = append(out, models.ActorCount{UserID: userID, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
