package core

import (
	"sync"
	"time"
)

// SignalType is a lifecycle notification for the presentation layer.
type SignalType int

const (
	SignalConnected SignalType = iota + 1
	SignalConnectionFailed
	SignalDisconnected
)

func (t SignalType) String() string {
	switch t {
	case SignalConnected:
		return "connected"
	case SignalConnectionFailed:
		return "connection_failed"
	case SignalDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Signal is emitted on every session lifecycle change.
type Signal struct {
	Type       SignalType
	Account    *Account // set for SignalConnected
	Message    string   // set for SignalConnectionFailed
	Generation uint64
	At         time.Time
}

// signalQueue delivers signals in order without ever blocking the producer.
type signalQueue struct {
	mu      sync.Mutex
	pending []Signal
	wake    chan struct{}
	out     chan Signal
	done    chan struct{}
	once    sync.Once
}

func newSignalQueue() *signalQueue {
	q := &signalQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Signal),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *signalQueue) push(s Signal) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *signalQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		s := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- s:
		case <-q.done:
			return
		}
	}
}

func (q *signalQueue) close() {
	q.once.Do(func() { close(q.done) })
}
