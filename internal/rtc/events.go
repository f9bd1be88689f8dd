package rtc

import "sync"

// SignalEvent is one outbound signaling message produced by a peer
// connection, addressed to a remote participant. Delivery is the
// transport's job; the manager only guarantees these are never dropped
// or reordered on the way out.
type SignalEvent interface {
	isSignalEvent()
}

type SendOffer struct {
	To  string
	SDP string
}

type SendAnswer struct {
	To  string
	SDP string
}

type SendICECandidate struct {
	To            string
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

func (SendOffer) isSignalEvent()        {}
func (SendAnswer) isSignalEvent()       {}
func (SendICECandidate) isSignalEvent() {}

// signalQueue is an unbounded FIFO between the manager and the signaling
// transport. Offers, answers and ICE candidates must reach the transport
// exactly once in order, so a slow consumer grows the buffer instead of
// forcing drops, and a full consumer never stalls command processing.
type signalQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []SignalEvent
	closed bool
	done   chan struct{}
	out    chan SignalEvent
}

func newSignalQueue() *signalQueue {
	q := &signalQueue{
		done: make(chan struct{}),
		out:  make(chan SignalEvent),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// push enqueues without ever blocking the caller.
func (q *signalQueue) push(e SignalEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.cond.Signal()
}

// events returns the consumer side; closed on queue close after the
// buffer drains.
func (q *signalQueue) events() <-chan SignalEvent {
	return q.out
}

func (q *signalQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *signalQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			close(q.out)
			return
		}
		e := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			// Teardown with no consumer left; drop the tail and exit.
			close(q.out)
			return
		}
	}
}
