package capture

import (
	"sort"

	"github.com/vincentbai/clarity-agent/internal/models"
)

// Ledger holds the encoded form of every event submitted to the offload
// channel and not yet acknowledged by a compressed batch.
type Ledger struct {
	entries map[int64]models.Tokens
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[int64]models.Tokens)}
}

func (l *Ledger) Put(id int64, tokens models.Tokens) {
	l.entries[id] = tokens
}

// Remove deletes acknowledged ids. Unknown ids are ignored.
func (l *Ledger) Remove(ids ...int64) {
	for _, id := range ids {
		delete(l.entries, id)
	}
}

func (l *Ledger) Has(id int64) bool {
	_, ok := l.entries[id]
	return ok
}

func (l *Ledger) Len() int {
	return len(l.entries)
}

// IDs returns the pending ids in ascending order.
func (l *Ledger) IDs() []int64 {
	ids := make([]int64, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Drain empties the ledger and returns its events in id order.
func (l *Ledger) Drain() []models.Tokens {
	ids := l.IDs()
	events := make([]models.Tokens, 0, len(ids))
	for _, id := range ids {
		events = append(events, l.entries[id])
	}
	l.Clear()
	return events
}

func (l *Ledger) Clear() {
	l.entries = make(map[int64]models.Tokens)
}
