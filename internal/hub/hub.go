// Package hub fans out dashboard updates to live viewers.
//
// Every dashboard gets one channel with its own sequence counter. Publishing
// never blocks: a subscriber that does not keep up loses its oldest unread
// messages. Nothing is persisted and nothing is shared between processes.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/metraction/vidi/pkg/model"
	"github.com/rs/zerolog"
)

const DefaultChannelCapacity = 256

// Subscription receives the messages broadcast to one dashboard after it was created.
type Subscription struct {
	DashboardID uuid.UUID
	ch          chan model.ServerMessage
	channel     *channel
	dropped     atomic.Uint64
}

// C is closed on Unsubscribe and when the dashboard is removed.
func (s *Subscription) C() <-chan model.ServerMessage {
	return s.ch
}

// Dropped counts messages lost because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// deliver must be called with the channel lock held, so the broadcaster is the only sender.
func (s *Subscription) deliver(msg model.ServerMessage) bool {
	select {
	case s.ch <- msg:
		return true
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
	return false
}

type channel struct {
	mu          sync.Mutex
	seq         uint64
	subscribers map[*Subscription]struct{}
	removed     bool
}

// ChannelStats is a point in time view of one channel.
type ChannelStats struct {
	DashboardID uuid.UUID
	Subscribers int
	Sequence    uint64
}

type Hub struct {
	mu       sync.RWMutex
	channels map[uuid.UUID]*channel
	capacity int
	dropped  atomic.Uint64
	Logger   *zerolog.Logger
}

func NewHub(capacity int, logger *zerolog.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &Hub{
		channels: make(map[uuid.UUID]*channel),
		capacity: capacity,
		Logger:   logger,
	}
}

func (h *Hub) channel(id uuid.UUID) *channel {
	h.mu.RLock()
	ch, ok := h.channels[id]
	h.mu.RUnlock()
	if ok {
		return ch
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok = h.channels[id]; !ok {
		ch = &channel{subscribers: make(map[*Subscription]struct{})}
		h.channels[id] = ch
	}
	return ch
}

// Subscribe registers a live viewer of dashboard id.
func (h *Hub) Subscribe(id uuid.UUID) *Subscription {
	for {
		ch := h.channel(id)
		ch.mu.Lock()
		if ch.removed {
			// lost a race with RemoveDashboard, the next lookup creates a fresh channel
			ch.mu.Unlock()
			continue
		}
		sub := &Subscription{
			DashboardID: id,
			ch:          make(chan model.ServerMessage, h.capacity),
			channel:     ch,
		}
		ch.subscribers[sub] = struct{}{}
		ch.mu.Unlock()
		return sub
	}
}

// Unsubscribe drops the viewer and closes its stream. The channel and its
// sequence counter stay, also at zero subscribers.
func (h *Hub) Unsubscribe(sub *Subscription) {
	ch := sub.channel
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.subscribers[sub]; ok {
		delete(ch.subscribers, sub)
		close(sub.ch)
	}
}

// Broadcast assigns the next sequence number of dashboard id and hands the
// message to every current subscriber without waiting for any of them.
func (h *Hub) Broadcast(id uuid.UUID, cmd model.UpdateCommand) model.ServerMessage {
	ch := h.channel(id)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.seq++
	msg := cmd.ToServerMessage(ch.seq)
	for sub := range ch.subscribers {
		if !sub.deliver(msg) {
			h.dropped.Add(1)
			h.Logger.Warn().
				Str("dashboard_id", id.String()).
				Uint64("seq", ch.seq).
				Msg("Dropping oldest message, subscriber buffer full")
		}
	}
	return msg
}

// Sequence returns the last assigned sequence number, 0 before the first broadcast.
func (h *Hub) Sequence(id uuid.UUID) uint64 {
	h.mu.RLock()
	ch, ok := h.channels[id]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.seq
}

// RemoveDashboard forgets the channel and closes all streams of it.
func (h *Hub) RemoveDashboard(id uuid.UUID) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	delete(h.channels, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.removed = true
	for sub := range ch.subscribers {
		close(sub.ch)
	}
	ch.subscribers = map[*Subscription]struct{}{}
}

func (h *Hub) ConnectionCount(id uuid.UUID) int {
	h.mu.RLock()
	ch, ok := h.channels[id]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscribers)
}

// ActiveDashboardIDs lists dashboards with at least one subscriber.
func (h *Hub) ActiveDashboardIDs() []uuid.UUID {
	ids := []uuid.UUID{}
	for _, stat := range h.Stats() {
		if stat.Subscribers > 0 {
			ids = append(ids, stat.DashboardID)
		}
	}
	return ids
}

func (h *Hub) Stats() []ChannelStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := make([]ChannelStats, 0, len(h.channels))
	for id, ch := range h.channels {
		ch.mu.Lock()
		stats = append(stats, ChannelStats{DashboardID: id, Subscribers: len(ch.subscribers), Sequence: ch.seq})
		ch.mu.Unlock()
	}
	return stats
}

// Dropped counts messages lost across all subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
