// Package memory is an in-process order/outbox store. Writes made inside
// RunInTransaction are staged and become visible only when fn returns nil.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	internalErrors "github.com/tumbleweedd/order_outbox/internal/lib/errors"
	"github.com/tumbleweedd/order_outbox/internal/repository"
)

var ErrStoreDown = errors.New("memory store is down")

type Store struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]models.Order
	events map[uuid.UUID]models.OutboxEvent

	now      func() time.Time
	lastTime time.Time
	down     bool
}

var _ repository.Store = (*Store)(nil)

type Option func(*Store)

// WithClock replaces time.Now for created_at stamping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		orders: make(map[uuid.UUID]models.Order),
		events: make(map[uuid.UUID]models.OutboxEvent),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetDown makes every operation fail, simulating a lost database.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.down = down
}

type staged struct {
	order *models.Order
	event *models.OutboxEvent
}

type tx struct {
	store  *Store
	writes []staged
}

func (t *tx) InsertOrderAndEvent(_ context.Context, order *models.Order, event *models.OutboxEvent) error {
	if order == nil || event == nil {
		return errors.New("order and event are required")
	}

	if event.OrderID != order.ID {
		return fmt.Errorf("outbox event %s references order %s, want %s", event.ID, event.OrderID, order.ID)
	}

	for _, w := range t.writes {
		if w.order.ID == order.ID || w.event.ID == event.ID {
			return internalErrors.ErrDuplicateOrder
		}
	}

	t.writes = append(t.writes, staged{order: order, event: event})

	return nil
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	const op = "repository.memory.RunInTransaction"

	if err := s.checkUp(); err != nil {
		return fmt.Errorf("%s: begin transaction: %w", op, err)
	}

	t := &tx{store: s}
	if err := fn(ctx, t); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: commit transaction: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return fmt.Errorf("%s: commit transaction: %w", op, ErrStoreDown)
	}

	for _, w := range t.writes {
		if _, ok := s.orders[w.order.ID]; ok {
			return fmt.Errorf("%s: %w", op, internalErrors.ErrDuplicateOrder)
		}
		if _, ok := s.events[w.event.ID]; ok {
			return fmt.Errorf("%s: %w", op, internalErrors.ErrDuplicateOrder)
		}
	}

	for _, w := range t.writes {
		createdAt := s.stampLocked()

		w.order.CreatedAt = createdAt
		w.event.CreatedAt = createdAt
		w.event.NextAttemptAt = createdAt

		s.orders[w.order.ID] = *w.order
		s.events[w.event.ID] = copyEvent(*w.event)
	}

	return nil
}

// stampLocked returns a UTC timestamp strictly after the previous one.
func (s *Store) stampLocked() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.lastTime) {
		ts = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = ts

	return ts
}

func (s *Store) SelectEligibleEvents(_ context.Context, limit int, now time.Time) ([]models.OutboxEvent, error) {
	if err := s.checkUp(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	eligible := make([]models.OutboxEvent, 0)
	for _, event := range s.events {
		if event.State != models.EventStatePending && event.State != models.EventStateFailed {
			continue
		}
		if event.NextAttemptAt.After(now) {
			continue
		}
		eligible = append(eligible, copyEvent(event))
	}

	sortEvents(eligible)

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	return eligible, nil
}

func (s *Store) UpdateEventState(_ context.Context, update repository.StateUpdate) (bool, error) {
	const op = "repository.memory.UpdateEventState"

	if err := update.Validate(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return false, ErrStoreDown
	}

	event, ok := s.events[update.ID]
	if !ok || event.State != update.ExpectedState || event.Attempts != update.ExpectedAttempts {
		return false, nil
	}

	event.State = update.NewState
	event.Attempts = update.Attempts
	if update.LastAttemptAt != nil {
		event.LastAttemptAt = timePtr(*update.LastAttemptAt)
	}
	if update.NextAttemptAt != nil {
		event.NextAttemptAt = *update.NextAttemptAt
	}
	if update.PublishedAt != nil {
		event.PublishedAt = timePtr(*update.PublishedAt)
	}
	event.LastError = repository.TruncateError(update.LastError)

	s.events[update.ID] = event

	return true, nil
}

func (s *Store) OrderByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	if err := s.checkUp(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, internalErrors.ErrOrderNotFound
	}

	return &order, nil
}

func (s *Store) EventsByOrderID(_ context.Context, orderID uuid.UUID) ([]models.OutboxEvent, error) {
	if err := s.checkUp(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []models.OutboxEvent
	for _, event := range s.events {
		if event.OrderID == orderID {
			events = append(events, copyEvent(event))
		}
	}

	sortEvents(events)

	return events, nil
}

// Event returns a copy of one outbox row.
func (s *Store) Event(id uuid.UUID) (models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return models.OutboxEvent{}, internalErrors.ErrEventNotFound
	}

	return copyEvent(event), nil
}

// Counts reports the number of stored orders and outbox rows.
func (s *Store) Counts() (orders, events int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.orders), len(s.events)
}

func (s *Store) Ping(context.Context) error {
	return s.checkUp()
}

func (s *Store) checkUp() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.down {
		return ErrStoreDown
	}

	return nil
}

func sortEvents(events []models.OutboxEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID.String() < events[j].ID.String()
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

func copyEvent(event models.OutboxEvent) models.OutboxEvent {
	event.Payload = append([]byte(nil), event.Payload...)
	if event.LastAttemptAt != nil {
		event.LastAttemptAt = timePtr(*event.LastAttemptAt)
	}
	if event.PublishedAt != nil {
		event.PublishedAt = timePtr(*event.PublishedAt)
	}

	return event
}

func timePtr(t time.Time) *time.Time {
	return &t
}
