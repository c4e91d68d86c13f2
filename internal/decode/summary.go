package decode

import (
	"sort"

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/models"
)

// summary counts interaction events per kind across one payload.
type summary struct {
	entries map[models.Kind]*codec.SummaryEntry
	last    float64
}

func newSummary() *summary {
	return &summary{entries: make(map[models.Kind]*codec.SummaryEntry)}
}

func (s *summary) reset() {
	s.entries = make(map[models.Kind]*codec.SummaryEntry)
	s.last = 0
}

func (s *summary) observe(r routing, kind models.Kind, t float64) {
	if r.family != familyInteraction {
		return
	}
	entry, ok := s.entries[kind]
	if !ok {
		entry = &codec.SummaryEntry{Kind: kind, First: t, Last: t}
		s.entries[kind] = entry
	}
	entry.Count++
	if t < entry.First {
		entry.First = t
	}
	if t > entry.Last {
		entry.Last = t
	}
	if t > s.last {
		s.last = t
	}
}

// event returns the derived summary, stamped at the last interaction.
func (s *summary) event() (codec.Event, bool) {
	if len(s.entries) == 0 {
		return codec.Event{}, false
	}
	entries := make([]codec.SummaryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Kind < entries[j].Kind })
	return codec.Event{Time: s.last, Kind: models.KindSummary, State: codec.Summary{Entries: entries}}, true
}
