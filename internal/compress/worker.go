package compress

import (
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/models"
)

// AddEvent hands one encoded event to the worker.
type AddEvent struct {
	ID    int64
	Event models.Tokens
	Time  float64
	// IsErrorEvent marks events reporting upload failures. They never trigger
	// a size-based emission on their own.
	IsErrorEvent bool
}

// ForceCompression asks the worker to emit whatever it holds.
type ForceCompression struct {
	Time float64
}

// CompressedBatch is emitted for every finished batch. IDs lists the capture
// ids of the events in RawData.Events, in the same order.
type CompressedBatch struct {
	CompressedData []byte
	RawData        models.Payload
	IDs            []int64
}

// SequenceNumber is the envelope sequence the batch was stamped with.
func (b CompressedBatch) SequenceNumber() int {
	return b.RawData.Envelope.Sequence
}

// Policy configures when a batch is emitted besides ForceCompression.
type Policy struct {
	// BatchLimit is the maximum serialised size of the events in one batch.
	BatchLimit int
	// QueueSize is the buffer of the outbound batch channel.
	QueueSize int
}

// DefaultPolicy mirrors the capture defaults: 100 KiB batches.
func DefaultPolicy() Policy {
	return Policy{BatchLimit: 100 * 1024, QueueSize: 256}
}

// Worker runs the compression loop in its own goroutine. It communicates only
// through messages; Terminate stops it without waiting and any batch not yet
// emitted is lost.
type Worker struct {
	policy   Policy
	envelope models.Envelope
	log      *zap.Logger

	inbox *mailbox
	out   chan CompressedBatch
	done  chan struct{}
	once  sync.Once
}

// mailbox is an unbounded FIFO so that posting never blocks the caller.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(item any) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// NewWorker starts a worker that stamps batches with a copy of envelope.
func NewWorker(envelope models.Envelope, policy Policy, log *zap.Logger) *Worker {
	if policy.QueueSize <= 0 {
		policy.QueueSize = DefaultPolicy().QueueSize
	}
	w := &Worker{
		policy:   policy,
		envelope: envelope,
		log:      log,
		inbox:    newMailbox(),
		out:      make(chan CompressedBatch, policy.QueueSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit posts an event. It is dropped once the worker is terminated.
func (w *Worker) Submit(msg AddEvent) {
	w.post(msg)
}

// ForceCompression posts a flush request.
func (w *Worker) ForceCompression(time float64) {
	w.post(ForceCompression{Time: time})
}

func (w *Worker) post(msg any) {
	select {
	case <-w.done:
		return
	default:
	}
	w.inbox.put(msg)
}

// Batches delivers compressed batches in emission order.
func (w *Worker) Batches() <-chan CompressedBatch {
	return w.out
}

// Done is closed by Terminate.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Terminate hard-stops the worker. Safe to call more than once.
func (w *Worker) Terminate() {
	w.once.Do(func() {
		close(w.done)
	})
}

type batch struct {
	events []models.Tokens
	ids    []int64
	size   int
}

func (w *Worker) run() {
	var current batch
	for {
		select {
		case <-w.done:
			return
		case <-w.inbox.notify:
		}
		for _, msg := range w.inbox.take() {
			switch m := msg.(type) {
			case AddEvent:
				size := eventSize(m.Event)
				if !m.IsErrorEvent && len(current.events) > 0 && current.size+size > w.policy.BatchLimit {
					if !w.emit(current, m.Time) {
						return
					}
					current = batch{}
				}
				current.events = append(current.events, m.Event)
				current.ids = append(current.ids, m.ID)
				current.size += size
			case ForceCompression:
				if len(current.events) == 0 {
					continue
				}
				if !w.emit(current, m.Time) {
					return
				}
				current = batch{}
			}
		}
	}
}

// emit stamps, compresses and sends a batch. It returns false when the worker
// was terminated while sending.
func (w *Worker) emit(b batch, time float64) bool {
	envelope := w.envelope
	envelope.Elapsed = time
	w.envelope.Sequence++

	payload := models.Payload{
		Envelope: envelope,
		Metrics: models.Metrics{
			models.MetricEventCount: float64(len(b.events)),
			models.MetricRawBytes:   float64(b.size),
		},
		Events: b.events,
	}
	compressed, err := Compress(payload)
	if err != nil {
		w.log.Error("Failed to compress batch",
			zap.Int("sequence", envelope.Sequence),
			zap.Int("event_count", len(b.events)),
			zap.Error(err))
		return true
	}

	select {
	case w.out <- CompressedBatch{CompressedData: compressed, RawData: payload, IDs: b.ids}:
		return true
	case <-w.done:
		return false
	}
}

func eventSize(event models.Tokens) int {
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return len(data)
}
