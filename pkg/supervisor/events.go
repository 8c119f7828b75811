package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
)

const (
	eventQueueSize      = 128
	eventPublishTimeout = 5 * time.Second
)

// eventQueue publishes supervisor events in order. push never blocks, so
// it is safe from transition hooks and store callbacks that hold locks.
type eventQueue struct {
	publisher logcollection.Publisher
	logger    logging.Logger

	entries  chan logstore.Entry
	done     chan struct{}
	stopped  chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func newEventQueue(publisher logcollection.Publisher, logger logging.Logger) *eventQueue {
	return &eventQueue{
		publisher: publisher,
		logger:    logger,
		entries:   make(chan logstore.Entry, eventQueueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (q *eventQueue) push(entry logstore.Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case <-q.done:
		q.logger.Debugf("Event queue stopped, dropping: %s", entry.Message)
		return
	default:
	}
	select {
	case q.entries <- entry:
	default:
		q.logger.Warnf("Event queue full, dropping: %s", entry.Message)
	}
}

// start runs the publishing goroutine once
func (q *eventQueue) start() {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.run()
}

// stop publishes what is queued and returns
func (q *eventQueue) stop() {
	q.stopOnce.Do(func() { close(q.done) })

	q.startMu.Lock()
	started := q.started
	q.startMu.Unlock()
	if started {
		<-q.stopped
	}
}

func (q *eventQueue) run() {
	defer close(q.stopped)
	for {
		select {
		case entry := <-q.entries:
			q.publish(entry)
		case <-q.done:
			for {
				select {
				case entry := <-q.entries:
					q.publish(entry)
				default:
					return
				}
			}
		}
	}
}

func (q *eventQueue) publish(entry logstore.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()
	if _, err := q.publisher.Publish(ctx, entry); err != nil {
		q.logger.Errorf("Failed to publish supervisor event, channel: %s, error: %v", entry.Channel, err)
	}
}
