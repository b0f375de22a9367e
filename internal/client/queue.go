package client

import (
	"sync"
	"time"
)

type outcome struct {
	result any
	err    error
}

// pending is one request in flight: single-use, completed by RESULT/ERROR or
// by its deadline timer.
type pending struct {
	id     string
	method string
	ch     chan outcome
	timer  *time.Timer
}

// queue correlates request ids with their waiting callers.
type queue struct {
	mu      sync.Mutex
	entries map[string]*pending
}

func newQueue() *queue {
	return &queue{entries: make(map[string]*pending)}
}

// add registers an in-flight request. The entry rejects itself with
// errResultTimeout if neither resolve nor reject lands within d.
func (q *queue) add(id, method string, d time.Duration) *pending {
	p := &pending{id: id, method: method, ch: make(chan outcome, 1)}
	if d > 0 {
		p.timer = time.AfterFunc(d, func() {
			if q.take(id) != nil {
				p.ch <- outcome{err: errResultTimeout}
			}
		})
	}
	q.mu.Lock()
	q.entries[id] = p
	q.mu.Unlock()
	return p
}

// take removes and returns the entry, stopping its timer. Returns nil if the
// entry was already completed.
func (q *queue) take(id string) *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.entries[id]
	if !ok {
		return nil
	}
	delete(q.entries, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (q *queue) resolve(id string, result any) {
	if p := q.take(id); p != nil {
		p.ch <- outcome{result: result}
	}
}

func (q *queue) reject(id string, err error) {
	if p := q.take(id); p != nil {
		p.ch <- outcome{err: err}
	}
}

// rejectAll fails every in-flight entry, used on client close.
func (q *queue) rejectAll(err error) {
	q.mu.Lock()
	entries := q.entries
	q.entries = make(map[string]*pending)
	q.mu.Unlock()
	for _, p := range entries {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- outcome{err: err}
	}
}
