package capture

import "time"

// Config controls one capture session.
type Config struct {
	// Delay is the quiet period before a debounced flush.
	Delay time.Duration
	// EventLimit caps the serialised size of a single event state. Larger
	// states are replaced by an oversized-event placeholder.
	EventLimit int
	// BatchLimit caps the serialised size of the events in one batch.
	BatchLimit int
	// TotalLimit caps the cumulative compressed bytes uploaded per page.
	TotalLimit int
	// Instrument enables self-reporting instrumentation events.
	Instrument bool
	// BackgroundMode routes batches to the holding queue instead of
	// uploading them, and drops residual events at teardown.
	BackgroundMode bool

	ProjectID     string
	UserID        string
	SessionID     string
	PageID        string
	UploadURL     string
	UploadHeaders map[string]string
	Plugins       []string
}

func DefaultConfig() Config {
	return Config{
		Delay:         500 * time.Millisecond,
		EventLimit:    95 * 1024,
		BatchLimit:    100 * 1024,
		TotalLimit:    20 * 1024 * 1024,
		UploadHeaders: map[string]string{"Content-Type": "application/json"},
	}
}

func (c Config) clone() Config {
	out := c
	if c.UploadHeaders != nil {
		out.UploadHeaders = make(map[string]string, len(c.UploadHeaders))
		for k, v := range c.UploadHeaders {
			out.UploadHeaders[k] = v
		}
	}
	out.Plugins = append([]string(nil), c.Plugins...)
	return out
}
