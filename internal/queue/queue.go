// Package queue holds per-destination backlogs of outbound messages for peers
// without an open connection. The owning event handler flushes a backlog when
// the destination's connection opens.
package queue

import (
	"sync"
	"time"
)

// Message is one deferred outbound payload. Timestamp is always normalized to
// RFC 3339 before the message enters a backlog.
type Message struct {
	SenderID  string
	Content   string
	Kind      string
	Timestamp string
}

// Queue is a FIFO backlog per destination identifier. Backlogs are unbounded;
// there is no backpressure policy.
type Queue struct {
	mu       sync.Mutex
	backlogs map[string][]Message
	now      func() time.Time
}

func New() *Queue {
	return &Queue{
		backlogs: make(map[string][]Message),
		now:      time.Now,
	}
}

// Enqueue appends msg to the destination's backlog. The message timestamp is
// normalized via NormalizeTimestamp first.
func (q *Queue) Enqueue(destID string, msg Message, ts any) {
	msg.Timestamp = q.normalize(ts)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlogs[destID] = append(q.backlogs[destID], msg)
}

// Flush returns the destination's backlog in enqueue order and clears it.
// Sending the returned messages is the caller's responsibility.
func (q *Queue) Flush(destID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.backlogs[destID]
	delete(q.backlogs, destID)
	return msgs
}

// Pending returns the number of queued messages for the destination.
func (q *Queue) Pending(destID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlogs[destID])
}

// isoStringer is anything carrying its own ISO-8601 rendering, mirroring
// payloads that arrive with a toISOString-style timestamp object.
type isoStringer interface {
	ToISOString() string
}

func (q *Queue) normalize(ts any) string {
	switch v := ts.(type) {
	case string:
		if v != "" {
			return v
		}
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case isoStringer:
		return v.ToISOString()
	}
	return q.now().UTC().Format(time.RFC3339)
}
