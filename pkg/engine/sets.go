package engine

import (
	"container/heap"
	"sync"
	"time"
)

// readyQueue is a FIFO of execution ids that holds each id at most once.
type readyQueue struct {
	ids    []string
	member map[string]struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{member: make(map[string]struct{})}
}

func (q *readyQueue) push(id string) bool {
	if _, ok := q.member[id]; ok {
		return false
	}

	q.member[id] = struct{}{}
	q.ids = append(q.ids, id)

	return true
}

// take removes up to n ids from the head of the queue.
func (q *readyQueue) take(n int) []string {
	if n <= 0 || n > len(q.ids) {
		n = len(q.ids)
	}

	batch := make([]string, n)
	copy(batch, q.ids[:n])

	q.ids = q.ids[n:]
	for _, id := range batch {
		delete(q.member, id)
	}

	return batch
}

func (q *readyQueue) remove(id string) bool {
	if _, ok := q.member[id]; !ok {
		return false
	}

	delete(q.member, id)

	for i, queued := range q.ids {
		if queued == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)

			break
		}
	}

	return true
}

func (q *readyQueue) contains(id string) bool {
	_, ok := q.member[id]

	return ok
}

func (q *readyQueue) len() int {
	return len(q.ids)
}

type delayedEntry struct {
	id    string
	due   time.Time
	index int
}

type delayedHeap []*delayedEntry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].id < h[j].id
	}

	return h[i].due.Before(h[j].due)
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	entry := x.(*delayedEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]

	return entry
}

// delayedSet orders suspended executions by their resume instant.
type delayedSet struct {
	entries delayedHeap
	byID    map[string]*delayedEntry
}

func newDelayedSet() *delayedSet {
	return &delayedSet{byID: make(map[string]*delayedEntry)}
}

// add inserts the id or moves it to the new due instant.
func (s *delayedSet) add(id string, due time.Time) {
	if entry, ok := s.byID[id]; ok {
		entry.due = due
		heap.Fix(&s.entries, entry.index)

		return
	}

	entry := &delayedEntry{id: id, due: due}
	heap.Push(&s.entries, entry)
	s.byID[id] = entry
}

func (s *delayedSet) remove(id string) bool {
	entry, ok := s.byID[id]
	if !ok {
		return false
	}

	heap.Remove(&s.entries, entry.index)
	delete(s.byID, id)

	return true
}

// popDue removes and returns, earliest first, every id due at or before now.
func (s *delayedSet) popDue(now time.Time) []string {
	var due []string

	for len(s.entries) > 0 && !s.entries[0].due.After(now) {
		entry := heap.Pop(&s.entries).(*delayedEntry)
		delete(s.byID, entry.id)
		due = append(due, entry.id)
	}

	return due
}

func (s *delayedSet) contains(id string) bool {
	_, ok := s.byID[id]

	return ok
}

func (s *delayedSet) len() int {
	return len(s.entries)
}

// next returns the earliest resume instant.
func (s *delayedSet) next() (time.Time, bool) {
	if len(s.entries) == 0 {
		return time.Time{}, false
	}

	return s.entries[0].due, true
}

// keyedMutex serializes work per execution id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(id string) {
	k.mu.Lock()

	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}

	m.refs++
	k.mu.Unlock()

	m.Lock()
}

func (k *keyedMutex) Unlock(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.locks[id]
	if !ok {
		return
	}

	m.refs--
	if m.refs == 0 {
		delete(k.locks, id)
	}

	m.Unlock()
}
