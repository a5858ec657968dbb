package services

import (
	"context"
	"sync"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const feedBuffer = 16

// FeedSubscriber is one connected listener of the bill feed
type FeedSubscriber struct {
	ID     string
	Auth   authz.AuthContext
	Events chan *models.BillEvent
}

// BillFeed fans bill lifecycle events out to connected listeners. Each
// listener only receives events for rooms whose history it may view.
type BillFeed struct {
	mu          sync.RWMutex
	subscribers map[string]*FeedSubscriber
	log         *zap.Logger
}

// NewBillFeed creates an empty feed
func NewBillFeed(log *zap.Logger) *BillFeed {
	return &BillFeed{
		subscribers: make(map[string]*FeedSubscriber),
		log:         logger.OrNop(log),
	}
}

// Subscribe registers a listener for the account
func (f *BillFeed) Subscribe(auth authz.AuthContext) *FeedSubscriber {
	sub := &FeedSubscriber{
		ID:     uuid.New().String(),
		Auth:   auth,
		Events: make(chan *models.BillEvent, feedBuffer),
	}

	f.mu.Lock()
	f.subscribers[sub.ID] = sub
	total := len(f.subscribers)
	f.mu.Unlock()

	f.log.Debug("feed subscriber registered",
		zap.String("subscriber", sub.ID),
		zap.Uint("account_id", auth.AccountID),
		zap.Int("total", total),
	)
	return sub
}

// Unsubscribe removes the listener and closes its channel
func (f *BillFeed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subscribers[id]; ok {
		close(sub.Events)
		delete(f.subscribers, id)
		f.log.Debug("feed subscriber unregistered", zap.String("subscriber", id), zap.Int("total", len(f.subscribers)))
	}
}

// Publish delivers event to every listener allowed to see its room.
// A listener whose buffer is full misses the event.
func (f *BillFeed) Publish(event *models.BillEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subscribers {
		if !authz.Check(sub.Auth, authz.CanViewHistory, event.RoomCode) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			f.log.Warn("feed buffer full, event dropped",
				zap.String("subscriber", sub.ID),
				zap.Uint("bill_id", event.BillID),
				zap.String("event", event.EventType),
			)
		}
	}
}

// Count returns the number of connected listeners
func (f *BillFeed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Recorder wraps an event repository so every persisted event is also published
func (f *BillFeed) Recorder(events repositories.BillEventRepository) repositories.BillEventRepository {
	return &publishingEvents{BillEventRepository: events, feed: f}
}

type publishingEvents struct {
	repositories.BillEventRepository
	feed *BillFeed
}

func (p *publishingEvents) Create(ctx context.Context, event *models.BillEvent) error {
	if err := p.BillEventRepository.Create(ctx, event); err != nil {
		return err
	}
	p.feed.Publish(event)
	return nil
}
