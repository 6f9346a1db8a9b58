package matching

// Queue is the waiting queue: connections with no partner that want one.
// Entries are popped most-recently-added first. That starves long waiters
// under steady traffic; it is the pairing order clients observe and is kept.
//
// Queue is not safe for concurrent use. Manager owns it and guards it with
// its own mutex.
type Queue struct {
	stack []string
	index map[string]struct{}
}

// NewQueue creates an empty waiting queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]struct{})}
}

// Push adds sessionID on top of the queue. Pushing an id that is already
// waiting is a no-op.
func (q *Queue) Push(sessionID string) {
	if _, ok := q.index[sessionID]; ok {
		return
	}
	q.stack = append(q.stack, sessionID)
	q.index[sessionID] = struct{}{}
}

// Pop removes and returns the most recently pushed id.
func (q *Queue) Pop() (string, bool) {
	n := len(q.stack)
	if n == 0 {
		return "", false
	}
	id := q.stack[n-1]
	q.stack[n-1] = ""
	q.stack = q.stack[:n-1]
	delete(q.index, id)
	return id, true
}

// Remove deletes sessionID wherever it sits. It reports whether the id was
// waiting; removing an absent id is a no-op.
func (q *Queue) Remove(sessionID string) bool {
	if _, ok := q.index[sessionID]; !ok {
		return false
	}
	delete(q.index, sessionID)
	for i, id := range q.stack {
		if id == sessionID {
			q.stack = append(q.stack[:i], q.stack[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether sessionID is waiting.
func (q *Queue) Contains(sessionID string) bool {
	_, ok := q.index[sessionID]
	return ok
}

// Len returns the number of waiting connections.
func (q *Queue) Len() int {
	return len(q.stack)
}

// Snapshot returns the waiting ids, oldest first.
func (q *Queue) Snapshot() []string {
	out := make([]string, len(q.stack))
	copy(out, q.stack)
	return out
}
