package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/decode"
)

// AnalyticsEvent is one decoded analytics event, flattened for a column store.
type AnalyticsEvent struct {
	ProjectID  string
	UserID     string
	SessionID  string
	PageID     string
	Sequence   uint32
	Position   int64
	Time       float64
	Kind       uint16
	KindName   string
	Derived    bool
	Data       string
	ReceivedAt time.Time
}

// KindCount is the number of analytics events of one kind on a page.
type KindCount struct {
	Kind  string
	Count uint64
}

// AnalyticsRepository stores the analytics bucket of decoded payloads.
type AnalyticsRepository interface {
	// InsertBatch inserts a batch of events and returns how many were written
	InsertBatch(ctx context.Context, events []AnalyticsEvent) (int, error)

	// InitSchema creates the tables if they don't exist
	InitSchema(ctx context.Context) error

	// KindCounts aggregates a page's events by kind
	KindCounts(ctx context.Context, pageID string) ([]KindCount, error)

	Ping(ctx context.Context) error

	Close() error
}

// AnalyticsEvents flattens the analytics bucket of a decoded payload. original
// is the number of events the payload carried on the wire; events positioned
// after it were derived by the decoder.
func AnalyticsEvents(payload decode.DecodedPayload, original int) ([]AnalyticsEvent, error) {
	envelope := payload.Envelope
	out := make([]AnalyticsEvent, 0, len(payload.Analytics))
	for _, event := range payload.Analytics {
		data, err := json.Marshal(codec.Encode(event))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %d: %w", event.ID, err)
		}
		out = append(out, AnalyticsEvent{
			ProjectID:  envelope.ProjectID,
			UserID:     envelope.UserID,
			SessionID:  envelope.SessionID,
			PageID:     envelope.PageID,
			Sequence:   uint32(envelope.Sequence),
			Position:   event.ID,
			Time:       event.Time,
			Kind:       uint16(event.Kind),
			KindName:   event.Kind.String(),
			Derived:    event.ID >= int64(original),
			Data:       string(data),
			ReceivedAt: payload.Timestamp,
		})
	}
	return out, nil
}
