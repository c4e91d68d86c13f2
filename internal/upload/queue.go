package upload

import (
	"sync"

	"github.com/vincentbai/clarity-agent/internal/compress"
	"github.com/vincentbai/clarity-agent/internal/models"
)

type queued struct {
	compressed []byte
	raw        models.Payload
}

// Sender is what a Queue flushes into; *Client implements it.
type Sender interface {
	Upload(compressed []byte, raw models.Payload)
}

// Queue holds payloads produced in background mode. Once Limit payloads are
// held the oldest is dropped.
type Queue struct {
	mu     sync.Mutex
	items  []queued
	sender Sender
	limit  int
}

func NewQueue(sender Sender, limit int) *Queue {
	return &Queue{sender: sender, limit: limit}
}

// Enqueue stamps the payload as a backup upload and recompresses it so the
// bytes sent carry the same envelope as raw.
func (q *Queue) Enqueue(compressed []byte, raw models.Payload) {
	raw.Envelope.Upload = models.UploadBackup
	if restamped, err := compress.Compress(raw); err == nil {
		compressed = restamped
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queued{compressed: compressed, raw: raw})
	if q.limit > 0 && len(q.items) > q.limit {
		q.items = q.items[len(q.items)-q.limit:]
	}
}

// Flush hands every held payload to the sender in enqueue order.
func (q *Queue) Flush() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range items {
		q.sender.Upload(item.compressed, item.raw)
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
