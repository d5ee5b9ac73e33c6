package engine

import (
	"sync"

	"github.com/seantiz/stoker/internal/model"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Records are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans streamed run logs out to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected run volume.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan model.LogRecord
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives log records for the given run
// and an unsubscribe function. If the run has already finished (Close was
// called), the returned channel is immediately closed.
func (b *LogBroker) Subscribe(runID string) (<-chan model.LogRecord, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan model.LogRecord)}
		b.topics[runID] = t
	}

	ch := make(chan model.LogRecord, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a log record to all subscribers of the given run.
// Records are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(runID string, rec model.LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- rec:
		default:
			// Drop for slow subscribers to avoid blocking the streamer.
		}
	}
}

// Close signals that no more logs will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[runID] = &logTopic{subs: make(map[int]chan model.LogRecord), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
