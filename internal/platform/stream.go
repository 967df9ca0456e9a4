package platform

import "sync"

// Stream is a channel-backed LogStream for connectors that push lines from a
// producer goroutine. The producer calls Send until the remote job ends, then
// Finish with the terminal error (nil on clean completion).
type Stream struct {
	lines chan LogLine

	mu     sync.Mutex
	err    error
	closed chan struct{}
	once   sync.Once
}

// NewStream creates a stream with the given line buffer.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{
		lines:  make(chan LogLine, buffer),
		closed: make(chan struct{}),
	}
}

// Send delivers one line. It returns false if the consumer closed the stream,
// which tells the producer to stop.
func (s *Stream) Send(line LogLine) bool {
	select {
	case <-s.closed:
		return false
	case s.lines <- line:
		return true
	}
}

// Finish ends the stream. err is the terminal stream error, nil when the
// remote job completed normally.
func (s *Stream) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.lines)
	})
}

// Lines implements LogStream.
func (s *Stream) Lines() <-chan LogLine { return s.lines }

// Err implements LogStream. Valid after Lines is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements LogStream. It signals the producer to stop; safe to call
// more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.mu.Unlock()
	return nil
}

// Closed exposes the consumer-side cancellation signal to producers.
func (s *Stream) Closed() <-chan struct{} { return s.closed }
