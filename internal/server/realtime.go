package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
)

const (
	RealtimeEventChanges   = "changes"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "esasync-server"
)

// RealtimeDispatcher fans change notices out to connected technicians. Every technician shares
// the same records, so a notice reaches every subscriber except the one whose push caused it.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan protocol.ChangeNotice
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, username string) (<-chan protocol.ChangeNotice, func()) {
	if username == "" {
		ch := make(chan protocol.ChangeNotice)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan protocol.ChangeNotice, d.bufferSize),
	}
	d.registerSubscriber(username, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(username, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish never blocks; a subscriber whose buffer is full misses the notice and catches up on
// its next pull.
func (d *RealtimeDispatcher) Publish(notice protocol.ChangeNotice) {
	if len(notice.Tables) == 0 {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for username, subscribers := range d.subscribers {
		if username == notice.Username {
			continue
		}
		for _, subscriber := range subscribers {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- notice:
		default:
		}
	}
}

// SubscriberCount reports how many streams are open.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(username string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[username]; !ok {
		d.subscribers[username] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[username][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(username string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[username]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, username)
		}
	}
	d.mu.Unlock()
}
