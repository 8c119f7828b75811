package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/metrics"
)

// AlertsChannel receives alert-level entries of the supervisor itself
const AlertsChannel = "alerts"

const (
	DefaultHistoryLines = 100
	DefaultQueueSize    = 256
)

// Store is the persistence the hub writes through
type Store interface {
	Append(channel string, entry logstore.Entry) (logstore.Entry, error)
	Read(channel string, maxLines int) ([]logstore.Entry, error)
	Clear(channel string) error
	Channels() ([]string, error)
}

type Config struct {
	// HistoryLines bounds the replay sent to a new subscriber per channel
	HistoryLines int
	// QueueSize bounds every subscriber queue
	QueueSize int
}

// Hub fans stored entries out to subscribers. A single mutex orders
// publish, clear and subscribe, so a new subscriber gets its history and
// then every later entry exactly once.
type Hub struct {
	config Config
	store  Store
	logger logging.Logger

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	closed      bool
}

func NewHub(store Store, config Config, logger logging.Logger) *Hub {
	if config.HistoryLines <= 0 {
		config.HistoryLines = DefaultHistoryLines
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	return &Hub{
		config:      config,
		store:       store,
		logger:      logger,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a subscriber. Its queue first holds one history frame
// per matching channel, then live frames.
func (h *Hub) Subscribe(ctx context.Context, filters []string) (*Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("subscribe cancelled", err)
	}
	for _, filter := range filters {
		if isExactFilter(filter) {
			if err := logstore.ValidateChannel(filter); err != nil {
				return nil, err
			}
		}
	}

	sub := newSubscriber(filters, h.config.QueueSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.NewInternalError("hub is closed", nil)
	}

	if err := h.sendHistoryLocked(sub); err != nil {
		return nil, err
	}

	h.subscribers[sub.ID] = sub
	metrics.HubSubscribers.Set(float64(len(h.subscribers)))
	h.logger.Infof("Subscriber registered, id: %s, filters: %v, total: %d", sub.ID, filters, len(h.subscribers))

	return sub, nil
}

// Resync sends the current history of every matching channel again
func (h *Hub) Resync(ctx context.Context, sub *Subscriber) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("resync cancelled", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.ID]; !ok {
		return errors.NewNotFoundError("subscriber not registered", nil).WithContext("id", sub.ID)
	}
	return h.sendHistoryLocked(sub)
}

// Unsubscribe removes a subscriber and closes its queue
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	sub.close()
	metrics.HubSubscribers.Set(float64(len(h.subscribers)))
	h.logger.Infof("Subscriber removed, id: %s, total: %d", sub.ID, len(h.subscribers))
}

// Publish stores an entry and delivers it to every matching subscriber.
// An entry that could not be stored is not delivered.
func (h *Hub) Publish(ctx context.Context, entry logstore.Entry) (stored logstore.Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("Recovered from panic during publish, channel: %s, panic: %v", entry.Channel, r)
			err = errors.NewInternalError("publish panicked", fmt.Errorf("%v", r)).WithContext("channel", entry.Channel)
		}
	}()

	if err := ctx.Err(); err != nil {
		return logstore.Entry{}, errors.NewCancelledError("publish cancelled", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return logstore.Entry{}, errors.NewInternalError("hub is closed", nil)
	}

	stored, err = h.store.Append(entry.Channel, entry)
	if err != nil {
		metrics.LogStoreFailures.WithLabelValues("append").Inc()
		h.logger.Errorf("Failed to publish log entry, channel: %s, error: %v", entry.Channel, err)
		return logstore.Entry{}, err
	}

	frame := Frame{Type: FrameEntry, Channel: stored.Channel, Entry: &stored}
	for _, sub := range h.sortedSubscribersLocked() {
		if sub.Matches(stored.Channel) {
			h.deliverLocked(sub, frame)
		}
	}
	return stored, nil
}

// Clear truncates a channel and tells matching subscribers
func (h *Hub) Clear(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("clear cancelled", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.NewInternalError("hub is closed", nil)
	}

	if err := h.store.Clear(channel); err != nil {
		metrics.LogStoreFailures.WithLabelValues("clear").Inc()
		return err
	}

	frame := Frame{Type: FrameClear, Channel: channel}
	for _, sub := range h.sortedSubscribersLocked() {
		if sub.Matches(channel) {
			h.deliverLocked(sub, frame)
		}
	}
	return nil
}

// Alert logs message at error level and publishes it to the alerts channel
func (h *Hub) Alert(ctx context.Context, message string, fields map[string]interface{}) {
	h.logger.Errorf("ALERT: %s, fields: %v", message, fields)
	_, err := h.Publish(ctx, logstore.Entry{
		Channel:   AlertsChannel,
		Level:     logstore.LevelAlert,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Errorf("Failed to publish alert, error: %v", err)
	}
}

// SubscriberCount returns the number of registered subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Serve blocks until ctx is done, then closes every subscriber
func (h *Hub) Serve(ctx context.Context) error {
	h.logger.Infof("Broadcast hub started, history: %d, queue: %d", h.config.HistoryLines, h.config.QueueSize)
	<-ctx.Done()
	h.Close()
	return ctx.Err()
}

// Close removes all subscribers. Later calls to the hub fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		sub.close()
		delete(h.subscribers, id)
	}
	metrics.HubSubscribers.Set(0)
	h.logger.Infof("Broadcast hub closed")
}

func (h *Hub) String() string {
	return "broadcast-hub"
}

func (h *Hub) sendHistoryLocked(sub *Subscriber) error {
	channels, err := h.historyChannels(sub)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		entries, err := h.store.Read(channel, h.config.HistoryLines)
		if err != nil {
			return err
		}
		h.deliverLocked(sub, Frame{Type: FrameHistory, Channel: channel, Entries: entries})
	}
	return nil
}

// historyChannels lists stored channels that match sub, plus every exact
// filter, so a subscriber to an empty channel still gets a history frame.
func (h *Hub) historyChannels(sub *Subscriber) ([]string, error) {
	stored, err := h.store.Channels()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	channels := make([]string, 0, len(stored))
	for _, channel := range stored {
		if sub.Matches(channel) && !seen[channel] {
			seen[channel] = true
			channels = append(channels, channel)
		}
	}
	for _, filter := range sub.filters {
		if isExactFilter(filter) && !seen[filter] {
			seen[filter] = true
			channels = append(channels, filter)
		}
	}
	sort.Strings(channels)
	return channels, nil
}

func (h *Hub) deliverLocked(sub *Subscriber, frame Frame) {
	if dropped := sub.enqueue(frame); dropped > 0 {
		metrics.HubDroppedFrames.Add(float64(dropped))
		h.logger.Debugf("Subscriber queue full, dropped oldest, id: %s, dropped: %d", sub.ID, dropped)
	}
}

// sortedSubscribersLocked gives a stable delivery order
func (h *Hub) sortedSubscribersLocked() []*Subscriber {
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}
