// Package decode turns captured payloads into ordered playback and analytics
// event collections.
package decode

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/layout"
	"github.com/vincentbai/clarity-agent/internal/models"
)

var (
	ErrVersionMismatch = errors.New("version mismatch")
	ErrMalformedEvent  = errors.New("malformed event header")
)

// VersionMismatchError reports a payload captured with a different protocol
// version. It matches ErrVersionMismatch.
type VersionMismatchError struct {
	Actual   string
	Expected string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: payload is %q, decoder expects %q", e.Actual, e.Expected)
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrVersionMismatch
}

// Augmentation carries facts known to the receiver but not to the capture side.
type Augmentation struct {
	Timestamp time.Time
	UserAgent string
}

// DecodedPayload is the immutable result of one Decode call. Event IDs are
// positions in the payload's event stream; derived events continue the count.
type DecodedPayload struct {
	Timestamp time.Time       `json:"timestamp"`
	UserAgent string          `json:"userAgent"`
	Envelope  models.Envelope `json:"envelope"`
	Metrics   models.Metrics  `json:"metrics"`
	Analytics []codec.Event   `json:"analytics"`
	Playback  []codec.Event   `json:"playback"`
}

// Timeline merges analytics and playback into one list ordered by time, ties
// broken by stream position.
func (d DecodedPayload) Timeline() []codec.Event {
	events := make([]codec.Event, 0, len(d.Analytics)+len(d.Playback))
	events = append(events, d.Analytics...)
	events = append(events, d.Playback...)
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Time != events[j].Time {
			return events[i].Time < events[j].Time
		}
		return events[i].ID < events[j].ID
	})
	return events
}

// Decoder holds the stateful sub-decoders. Calls are serialised and each one
// starts from a clean state.
type Decoder struct {
	mu      sync.Mutex
	version string
	now     func() time.Time
	summary *summary
	layout  *layoutDecoder
}

type Option func(*Decoder)

// WithVersion overrides the protocol version the decoder accepts.
func WithVersion(version string) Option {
	return func(d *Decoder) { d.version = version }
}

// WithClock sets the source of the default timestamp augmentation.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

func New(opts ...Option) *Decoder {
	d := &Decoder{
		version: models.Version,
		now:     time.Now,
		summary: newSummary(),
		layout:  newLayoutDecoder(layout.NewTree()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses a serialised payload.
func (d *Decoder) Decode(data []byte, aug *Augmentation) (DecodedPayload, error) {
	var payload models.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return DecodedPayload{}, fmt.Errorf("failed to parse payload: %w", err)
	}
	return d.DecodePayload(payload, aug)
}

// DecodePayload decodes an already parsed payload. A version mismatch fails
// the whole call; unknown kinds are kept as Unknown events.
func (d *Decoder) DecodePayload(payload models.Payload, aug *Augmentation) (DecodedPayload, error) {
	if payload.Envelope.Version != d.version {
		return DecodedPayload{}, &VersionMismatchError{Actual: payload.Envelope.Version, Expected: d.version}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.summary.reset()
	d.layout.reset()

	out := DecodedPayload{
		Timestamp: d.now(),
		Envelope:  payload.Envelope,
		Metrics:   payload.Metrics,
		Analytics: []codec.Event{},
		Playback:  []codec.Event{},
	}
	if aug != nil {
		if !aug.Timestamp.IsZero() {
			out.Timestamp = aug.Timestamp
		}
		out.UserAgent = aug.UserAgent
	}

	for i, tokens := range payload.Events {
		t, okTime := tokens.Time()
		kind, okKind := tokens.Kind()
		if !okTime || !okKind {
			return DecodedPayload{}, fmt.Errorf("%w: event %d", ErrMalformedEvent, i)
		}
		r := route(kind)
		d.summary.observe(r, kind, t)

		event := d.dispatch(r, tokens, kind)
		event.ID = int64(i)
		out.append(r.bucket, event)
	}

	next := int64(len(payload.Events))
	for _, event := range d.enrich() {
		event.ID = next
		next++
		out.append(route(event.Kind).bucket, event)
	}
	return out, nil
}

func (d *Decoder) enrich() []codec.Event {
	var derived []codec.Event
	if event, ok := d.summary.event(); ok {
		derived = append(derived, event)
	}
	if event, ok := d.layout.checksum(); ok {
		derived = append(derived, event)
	}
	return derived
}

func (out *DecodedPayload) append(b bucket, event codec.Event) {
	if b == bucketAnalytics {
		out.Analytics = append(out.Analytics, event)
		return
	}
	out.Playback = append(out.Playback, event)
}

// Decode decodes data with a fresh decoder.
func Decode(data []byte, aug *Augmentation) (DecodedPayload, error) {
	return New().Decode(data, aug)
}
