package queue

import (
	"container/list"

	"github.com/ternarybob/drover/internal/models"
)

// entry is a job waiting for dispatch
type entry struct {
	jobID     string
	sessionID string
	status    models.JobStatus // stored status: queued, or running for jobs resumed after a restart
	attempt   int              // attempt number the next run counts as
	locked    bool             // session lock already handed to this entry
}

// readyQueue is the FIFO of dispatchable jobs with removal by id
type readyQueue struct {
	items *list.List
	index map[string]*list.Element
}

func newReadyQueue() *readyQueue {
	return &readyQueue{items: list.New(), index: make(map[string]*list.Element)}
}

func (q *readyQueue) pushBack(e *entry) {
	q.index[e.jobID] = q.items.PushBack(e)
}

// pushFront is used for entries whose session lock was just handed over
func (q *readyQueue) pushFront(e *entry) {
	q.index[e.jobID] = q.items.PushFront(e)
}

func (q *readyQueue) popFront() *entry {
	el := q.items.Front()
	if el == nil {
		return nil
	}
	e := q.items.Remove(el).(*entry)
	delete(q.index, e.jobID)
	return e
}

func (q *readyQueue) remove(jobID string) *entry {
	el, ok := q.index[jobID]
	if !ok {
		return nil
	}
	delete(q.index, jobID)
	return q.items.Remove(el).(*entry)
}

func (q *readyQueue) len() int {
	return q.items.Len()
}

// sessionLocks grants one job at a time per session. Jobs that find their
// session busy wait in arrival order.
type sessionLocks struct {
	held    map[string]string // session -> job holding it
	waiting map[string][]*entry
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		held:    make(map[string]string),
		waiting: make(map[string][]*entry),
	}
}

// tryLock takes the session for e, or parks e behind the current holder
func (l *sessionLocks) tryLock(e *entry) bool {
	if e.sessionID == "" || e.locked {
		return true
	}
	if _, busy := l.held[e.sessionID]; busy {
		l.waiting[e.sessionID] = append(l.waiting[e.sessionID], e)
		return false
	}
	l.held[e.sessionID] = e.jobID
	e.locked = true
	return true
}

// release frees jobID's session. When another job is parked on it the lock
// passes straight to that job, which is returned for dispatch.
func (l *sessionLocks) release(sessionID, jobID string) *entry {
	if sessionID == "" || l.held[sessionID] != jobID {
		return nil
	}
	waiting := l.waiting[sessionID]
	if len(waiting) == 0 {
		delete(l.held, sessionID)
		return nil
	}
	next := waiting[0]
	if len(waiting) == 1 {
		delete(l.waiting, sessionID)
	} else {
		l.waiting[sessionID] = waiting[1:]
	}
	l.held[sessionID] = next.jobID
	next.locked = true
	return next
}

// removeWaiting drops a parked job, e.g. on cancel
func (l *sessionLocks) removeWaiting(jobID string) *entry {
	for sessionID, waiting := range l.waiting {
		for i, e := range waiting {
			if e.jobID != jobID {
				continue
			}
			rest := append(waiting[:i:i], waiting[i+1:]...)
			if len(rest) == 0 {
				delete(l.waiting, sessionID)
			} else {
				l.waiting[sessionID] = rest
			}
			return e
		}
	}
	return nil
}

func (l *sessionLocks) parked() int {
	n := 0
	for _, waiting := range l.waiting {
		n += len(waiting)
	}
	return n
}
