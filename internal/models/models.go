package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// Version is the wire protocol version. Decoders compare it for exact equality.
const Version = "0.4.0"

// Kind tags the kind-specific layout of an encoded event.
type Kind int

const (
	KindDiscover        Kind = 1
	KindMutation        Kind = 2
	KindBoxModel        Kind = 3
	KindChecksum        Kind = 4
	KindDocument        Kind = 5
	KindScroll          Kind = 6
	KindResize          Kind = 7
	KindMouseDown       Kind = 8
	KindMouseUp         Kind = 9
	KindMouseMove       Kind = 10
	KindMouseWheel      Kind = 11
	KindClick           Kind = 12
	KindDoubleClick     Kind = 13
	KindRightClick      Kind = 14
	KindTouchStart      Kind = 15
	KindTouchEnd        Kind = 16
	KindTouchMove       Kind = 17
	KindTouchCancel     Kind = 18
	KindSelection       Kind = 19
	KindChange          Kind = 20
	KindPage            Kind = 21
	KindPing            Kind = 22
	KindTag             Kind = 23
	KindScriptError     Kind = 24
	KindImageError      Kind = 25
	KindSummary         Kind = 26
	KindInstrumentation Kind = 27
	KindCustom          Kind = 28
)

var kindNames = map[Kind]string{
	KindDiscover:        "discover",
	KindMutation:        "mutation",
	KindBoxModel:        "boxmodel",
	KindChecksum:        "checksum",
	KindDocument:        "document",
	KindScroll:          "scroll",
	KindResize:          "resize",
	KindMouseDown:       "mousedown",
	KindMouseUp:         "mouseup",
	KindMouseMove:       "mousemove",
	KindMouseWheel:      "mousewheel",
	KindClick:           "click",
	KindDoubleClick:     "dblclick",
	KindRightClick:      "contextmenu",
	KindTouchStart:      "touchstart",
	KindTouchEnd:        "touchend",
	KindTouchMove:       "touchmove",
	KindTouchCancel:     "touchcancel",
	KindSelection:       "selection",
	KindChange:          "change",
	KindPage:            "page",
	KindPing:            "ping",
	KindTag:             "tag",
	KindScriptError:     "scripterror",
	KindImageError:      "imageerror",
	KindSummary:         "summary",
	KindInstrumentation: "instrumentation",
	KindCustom:          "custom",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Known reports whether k is a kind this build understands.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// IsPointer reports whether k is a mouse or touch interaction.
func (k Kind) IsPointer() bool {
	return k >= KindMouseDown && k <= KindTouchCancel
}

// Token is one primitive wire value: float64, string or nil.
type Token = any

// Tokens is the flat wire form of one event: [time, kind, ...fields].
type Tokens []Token

// Time returns the timestamp at position 0.
func (t Tokens) Time() (float64, bool) {
	if len(t) == 0 {
		return 0, false
	}
	return Number(t[0])
}

// Kind returns the kind tag at position 1.
func (t Tokens) Kind() (Kind, bool) {
	if len(t) < 2 {
		return 0, false
	}
	n, ok := Number(t[1])
	return Kind(n), ok
}

// Number converts a token to a float64. Integer types are accepted so that
// hand-built token arrays behave like decoded ones.
func Number(t Token) (float64, bool) {
	switch v := t.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// String converts a token to a string; nil reads as "".
func String(t Token) (string, bool) {
	switch v := t.(type) {
	case string:
		return v, true
	case nil:
		return "", true
	}
	return "", false
}

// Upload says how a payload left the page.
type Upload int

const (
	UploadAsync  Upload = 0
	UploadBeacon Upload = 1
	UploadBackup Upload = 2
)

// Envelope is the per-page metadata attached to every payload.
// UserID is the clarity id and PageID the impression id.
type Envelope struct {
	Elapsed   float64 `json:"elapsed"`
	Sequence  int     `json:"sequence"`
	Version   string  `json:"version"`
	ProjectID string  `json:"projectId"`
	UserID    string  `json:"userId"`
	SessionID string  `json:"sessionId"`
	PageID    string  `json:"pageId"`
	Upload    Upload  `json:"upload"`
	End       bool    `json:"end"`
}

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Tokens encodes the envelope in fixed position order.
func (e Envelope) Tokens() Tokens {
	end := 0.0
	if e.End {
		end = 1
	}
	return Tokens{e.Elapsed, float64(e.Sequence), e.Version, e.ProjectID, e.UserID, e.SessionID, e.PageID, float64(e.Upload), end}
}

// ParseEnvelope is the inverse of Envelope.Tokens.
func ParseEnvelope(t Tokens) (Envelope, error) {
	if len(t) < 7 {
		return Envelope{}, fmt.Errorf("%w: want at least 7 tokens, got %d", ErrMalformedEnvelope, len(t))
	}
	var e Envelope
	var ok bool
	if e.Elapsed, ok = Number(t[0]); !ok {
		return Envelope{}, fmt.Errorf("%w: elapsed is not a number", ErrMalformedEnvelope)
	}
	seq, ok := Number(t[1])
	if !ok {
		return Envelope{}, fmt.Errorf("%w: sequence is not a number", ErrMalformedEnvelope)
	}
	e.Sequence = int(seq)
	fields := []*string{&e.Version, &e.ProjectID, &e.UserID, &e.SessionID, &e.PageID}
	for i, field := range fields {
		if *field, ok = String(t[i+2]); !ok {
			return Envelope{}, fmt.Errorf("%w: token %d is not a string", ErrMalformedEnvelope, i+2)
		}
	}
	if len(t) > 7 {
		upload, _ := Number(t[7])
		e.Upload = Upload(upload)
	}
	if len(t) > 8 {
		end, _ := Number(t[8])
		e.End = end == 1
	}
	return e, nil
}

// Metric identifies a payload-level measurement.
type Metric int

const (
	MetricEventCount Metric = 0
	MetricRawBytes   Metric = 1
)

type Metrics map[Metric]float64

// Tokens encodes metrics as [metric, value, ...] ordered by metric.
func (m Metrics) Tokens() Tokens {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	out := make(Tokens, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, float64(k), m[Metric(k)])
	}
	return out
}

// ParseMetrics reads [metric, value, ...] pairs; a dangling key or non-number is skipped.
func ParseMetrics(t Tokens) Metrics {
	m := Metrics{}
	for i := 0; i+1 < len(t); i += 2 {
		key, okKey := Number(t[i])
		value, okValue := Number(t[i+1])
		if okKey && okValue {
			m[Metric(key)] = value
		}
	}
	return m
}

// Payload is the unit exchanged with the offload channel, uploaded and decoded.
type Payload struct {
	Envelope Envelope
	Metrics  Metrics
	Events   []Tokens
}

type wirePayload struct {
	E Tokens   `json:"e"`
	M Tokens   `json:"m"`
	D []Tokens `json:"d"`
}

// MarshalJSON writes the {e, m, d} wire form.
func (p Payload) MarshalJSON() ([]byte, error) {
	events := p.Events
	if events == nil {
		events = []Tokens{}
	}
	return json.Marshal(wirePayload{E: p.Envelope.Tokens(), M: p.Metrics.Tokens(), D: events})
}

// UnmarshalJSON reads the {e, m, d} wire form.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	envelope, err := ParseEnvelope(w.E)
	if err != nil {
		return err
	}
	p.Envelope = envelope
	p.Metrics = ParseMetrics(w.M)
	p.Events = w.D
	return nil
}
