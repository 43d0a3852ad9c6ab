// -----------------------------------------------------------------------
// Event Bus - topic pub/sub with glob subscription and session log
// -----------------------------------------------------------------------

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// defaultQueueSize bounds each subscriber's delivery queue. Overflow drops
// the oldest queued event and increments the subscription's drop counter,
// so a slow handler never back-pressures publishers.
const defaultQueueSize = 256

// Service implements the EventService interface. Delivery is at-least-once
// within a session; ordering holds per source, not across sources.
type Service struct {
	mu          sync.RWMutex
	subscribers []*subscription
	sequences   map[string]*uint64 // Per-source monotonic counters
	db          *badgerhold.Store  // Session log, truncated on startup
	logger      arbor.ILogger
	wg          sync.WaitGroup
	closed      bool
}

var _ interfaces.EventService = (*Service)(nil)

type subscription struct {
	svc     *Service
	pattern string
	handler interfaces.EventHandler
	queue   chan models.Event
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Pattern() string { return s.pattern }
func (s *subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.svc.remove(s)
		close(s.done)
	})
}

// NewService creates the event bus. The session log in db is truncated:
// the event store is a debugging and coordination trail, not a
// system-of-record.
func NewService(db *badgerhold.Store, logger arbor.ILogger) (*Service, error) {
	svc := &Service{
		sequences: make(map[string]*uint64),
		db:        db,
		logger:    logger,
	}

	if db != nil {
		if err := db.DeleteMatching(&models.Event{}, badgerhold.Where("ID").Ne("")); err != nil {
			return nil, fmt.Errorf("failed to truncate event session log: %w", err)
		}
		logger.Debug().Msg("Event session log truncated")
	}

	return svc, nil
}

// Subscribe registers a handler for event types matching pattern
func (s *Service) Subscribe(pattern string, handler interfaces.EventHandler) (interfaces.Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if pattern == "" {
		return nil, errors.New("pattern cannot be empty")
	}

	sub := &subscription{
		svc:     s,
		pattern: pattern,
		handler: handler,
		queue:   make(chan models.Event, defaultQueueSize),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("event service is closed")
	}
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	// Handlers execute on the bus scheduler, one goroutine per subscriber,
	// preserving per-source ordering within the subscription.
	s.wg.Add(1)
	go s.deliver(sub)

	s.logger.Debug().
		Str("pattern", pattern).
		Msg("Event handler subscribed")

	return sub, nil
}

func (s *Service) deliver(sub *subscription) {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-sub.queue:
			if !ok {
				return
			}
			if err := sub.handler(context.Background(), event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", event.Type).
					Str("pattern", sub.pattern).
					Msg("Event handler failed")
			}
		case <-sub.done:
			return
		}
	}
}

// Publish delivers an event to all matching subscribers without blocking
// on slow handlers, and appends it to the session log.
func (s *Service) Publish(ctx context.Context, event models.Event) error {
	s.stamp(&event)
	s.persist(event)

	s.mu.RLock()
	subs := make([]*subscription, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if matchTopic(sub.pattern, event.Type) {
			subs = append(subs, sub)
		}
	}
	s.mu.RUnlock()

	if len(subs) == 0 {
		s.logger.Debug().
			Str("event_type", event.Type).
			Msg("No subscribers for event")
		return nil
	}

	for _, sub := range subs {
		select {
		case sub.queue <- event:
		default:
			// Queue full: drop the oldest so fresh events get through
			select {
			case <-sub.queue:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.queue <- event:
			default:
				sub.dropped.Add(1)
			}
		}
	}

	return nil
}

// PublishSync delivers an event and waits for all matching handlers
func (s *Service) PublishSync(ctx context.Context, event models.Event) error {
	s.stamp(&event)
	s.persist(event)

	s.mu.RLock()
	var handlers []interfaces.EventHandler
	for _, sub := range s.subscribers {
		if matchTopic(sub.pattern, event.Type) {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h interfaces.EventHandler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				errChan <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errChan)

	var errs int
	for err := range errChan {
		s.logger.Error().
			Err(err).
			Str("event_type", event.Type).
			Msg("Event handler failed")
		errs++
	}
	if errs > 0 {
		return fmt.Errorf("event handlers failed: %d errors", errs)
	}
	return nil
}

// SessionLog returns events recorded this session, newest first
func (s *Service) SessionLog(ctx context.Context, eventType string, limit int) ([]models.Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := badgerhold.Where("ID").Ne("")
	if eventType != "" {
		query = query.And("Type").Eq(eventType)
	}
	query = query.SortBy("Timestamp").Reverse().Limit(limit)

	var events []models.Event
	if err := s.db.Find(&events, query); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return events, nil
}

// Close shuts down the bus and awaits subscriber goroutines
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}
	s.wg.Wait()

	s.logger.Info().Msg("Event service closed")
	return nil
}

// stamp assigns id, timestamp and the per-source sequence if unset
func (s *Service) stamp(event *models.Event) {
	if event.ID == "" {
		event.ID = common.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "core"
	}
	if event.Sequence == 0 {
		s.mu.Lock()
		counter, ok := s.sequences[event.Source]
		if !ok {
			counter = new(uint64)
			s.sequences[event.Source] = counter
		}
		s.mu.Unlock()
		event.Sequence = atomic.AddUint64(counter, 1)
	}
}

func (s *Service) persist(event models.Event) {
	if s.db == nil {
		return
	}
	if err := s.db.Upsert(event.ID, &event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to persist event")
	}
}

func (s *Service) remove(target *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == target {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}
