package realtime

import (
	"context"
	"sync"

	"github.com/lastbench/feedsync/internal/normalize"
)

const defaultHubBuffer = 64

// Hub is an in-process change fan-out. It serves as a Transport for tests and
// as the source of the development backend's websocket frames. Slow
// subscribers lose messages rather than block publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubChannel
	nextID      int64
	bufferSize  int
	refusals    int
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*hubChannel),
		bufferSize:  defaultHubBuffer,
	}
}

type hubChannel struct {
	hub    *Hub
	id     int64
	topic  Topic
	kinds  map[string]struct{}
	stream chan Message
	once   sync.Once
}

// Open joins topic and immediately reports it as subscribed.
func (h *Hub) Open(ctx context.Context, topic Topic, kinds []string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := topic.validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.refusals > 0 {
		h.refusals--
		h.mu.Unlock()
		return nil, ErrChannelFailed
	}
	h.nextID++
	channel := &hubChannel{
		hub:    h,
		id:     h.nextID,
		topic:  topic,
		kinds:  kindSet(kinds),
		stream: make(chan Message, h.bufferSize),
	}
	if _, ok := h.subscribers[topic.Table]; !ok {
		h.subscribers[topic.Table] = make(map[int64]*hubChannel)
	}
	h.subscribers[topic.Table][channel.id] = channel
	h.mu.Unlock()

	channel.stream <- Message{Status: StatusSubscribed}
	return channel, nil
}

// Publish delivers change to every channel whose topic matches.
func (h *Hub) Publish(change normalize.RawChange) {
	if change.Table == "" || change.Kind == "" {
		return
	}
	for _, channel := range h.channels(change.Table) {
		if !channel.topic.Matches(change) || !channel.wants(change.Kind) {
			continue
		}
		copied := change
		select {
		case channel.stream <- Message{Change: &copied}:
		default:
		}
	}
}

// Fail reports a channel error to every subscriber of table.
func (h *Hub) Fail(table string, err error) {
	for _, channel := range h.channels(table) {
		select {
		case channel.stream <- Message{Status: StatusChannelError, Err: err}:
		default:
		}
	}
}

// RefuseNext makes the next n Open calls fail.
func (h *Hub) RefuseNext(n int) {
	h.mu.Lock()
	h.refusals = n
	h.mu.Unlock()
}

// Subscribers returns the number of open channels on table.
func (h *Hub) Subscribers(table string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[table])
}

func (h *Hub) channels(table string) []*hubChannel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subscribers := h.subscribers[table]
	copies := make([]*hubChannel, 0, len(subscribers))
	for _, channel := range subscribers {
		copies = append(copies, channel)
	}
	return copies
}

func (h *Hub) unregister(channel *hubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[channel.topic.Table]
	if subscribers == nil {
		return
	}
	delete(subscribers, channel.id)
	if len(subscribers) == 0 {
		delete(h.subscribers, channel.topic.Table)
	}
}

func (c *hubChannel) Messages() <-chan Message {
	return c.stream
}

func (c *hubChannel) Close() error {
	c.once.Do(func() {
		c.hub.unregister(c)
	})
	return nil
}

func (c *hubChannel) wants(kind string) bool {
	if len(c.kinds) == 0 {
		return true
	}
	_, ok := c.kinds[normalizeKind(kind)]
	return ok
}
