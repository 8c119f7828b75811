package broadcast

import (
	"path"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
)

// FrameType identifies what a frame carries
type FrameType string

const (
	FrameHistory FrameType = "history"
	FrameEntry   FrameType = "entry"
	FrameClear   FrameType = "clear"

	// FrameResync tells the receiver that Missed entries were dropped from
	// its queue and the history should be requested again.
	FrameResync FrameType = "resync"
)

// Frame is the unit delivered to subscribers
type Frame struct {
	Type    FrameType        `json:"type"`
	Channel string           `json:"channel,omitempty"`
	Entry   *logstore.Entry  `json:"entry,omitempty"`
	Entries []logstore.Entry `json:"entries,omitempty"`
	Missed  uint64           `json:"missed,omitempty"`
}

// Subscriber receives the frames of every channel matching its filters.
// Frames are owned by the hub: it is the only writer of the queue.
type Subscriber struct {
	ID      string
	filters []string

	frames  chan Frame
	dropped atomic.Uint64

	closeOnce sync.Once
}

func newSubscriber(filters []string, queueSize int) *Subscriber {
	return &Subscriber{
		ID:      uuid.NewString(),
		filters: append([]string(nil), filters...),
		frames:  make(chan Frame, queueSize),
	}
}

// Frames returns the receive side of the subscriber queue. It is closed
// when the subscriber is removed from the hub.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

// Filters returns a copy of the channel filters
func (s *Subscriber) Filters() []string {
	return append([]string(nil), s.filters...)
}

// Matches reports whether channel passes the subscriber filters. Filters are
// exact names or path.Match globs. No filters matches every channel.
func (s *Subscriber) Matches(channel string) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, filter := range s.filters {
		if filter == channel {
			return true
		}
		if ok, err := path.Match(filter, channel); err == nil && ok {
			return true
		}
	}
	return false
}

// TakeMissed returns the number of frames dropped since the last call and
// resets the counter.
func (s *Subscriber) TakeMissed() uint64 {
	return s.dropped.Swap(0)
}

// enqueue never blocks. When the queue is full the oldest frame is dropped.
// It returns the number of frames dropped.
func (s *Subscriber) enqueue(frame Frame) int {
	dropped := 0
	for {
		select {
		case s.frames <- frame:
			return dropped
		default:
		}

		select {
		case <-s.frames:
			dropped++
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.frames)
	})
}

// isExactFilter reports whether filter names a single channel
func isExactFilter(filter string) bool {
	for _, c := range filter {
		switch c {
		case '*', '?', '[', '\\':
			return false
		}
	}
	return true
}
