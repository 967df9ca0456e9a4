package orchestrator

import (
	"sync"

	"tuneplane/internal/platform"
)

// broadcaster fans one job's log lines out to its subscribers. Each job gets
// its own broadcaster, which is what keeps streams from different jobs from
// ever mixing. Slow subscribers lose their oldest buffered lines instead of
// blocking the monitor; the state store keeps the complete record.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan platform.LogLine
	next   int
	buffer int
	closed bool
}

func newBroadcaster(buffer int) *broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &broadcaster{subs: make(map[int]chan platform.LogLine), buffer: buffer}
}

// subscribe registers a new subscriber and returns its channel plus an
// unsubscribe func. The channel is closed when the job's stream ends.
func (b *broadcaster) subscribe() (<-chan platform.LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan platform.LogLine, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// publish delivers a line to every subscriber without blocking.
func (b *broadcaster) publish(line platform.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
			// Full buffer: drop the oldest line to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- line:
			default:
			}
		}
	}
}

// close ends the stream for all subscribers.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
