package session

import "sync"

// event is produced by adapter goroutines and applied on the session's loop
type event interface {
	turnID() uint64
}

type fragmentEvent struct {
	turn uint64
	text string
}

type transcriberClosedEvent struct {
	turn uint64
	err  error
}

type completionEvent struct {
	turn     uint64
	response string
	err      error
}

type synthesisAudioEvent struct {
	turn  uint64
	chunk []byte
}

type synthesisDoneEvent struct {
	turn uint64
	err  error
}

func (e fragmentEvent) turnID() uint64          { return e.turn }
func (e transcriberClosedEvent) turnID() uint64 { return e.turn }
func (e completionEvent) turnID() uint64        { return e.turn }
func (e synthesisAudioEvent) turnID() uint64    { return e.turn }
func (e synthesisDoneEvent) turnID() uint64     { return e.turn }

// eventQueue is an unbounded FIFO. post never blocks, so adapters may post
// while holding their own locks.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) post(e event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// close discards queued events and drops all later posts
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
