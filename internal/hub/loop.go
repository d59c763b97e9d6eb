package hub

import (
	"sync"
)

// loop runs posted funcs one at a time in FIFO order. Posting never blocks.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newLoop() *loop {
	l := &loop{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// do posts fn and waits for it to run. It reports false if the loop stopped
// first.
func (l *loop) do(fn func()) bool {
	ran := make(chan struct{})
	if !l.post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.exited:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// stop runs queued work already posted, then exits the loop.
func (l *loop) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.exited
		return
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
	<-l.exited
}

func (l *loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.signal:
		case <-l.done:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
	}
}
