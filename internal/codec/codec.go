package codec

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/vincentbai/clarity-agent/internal/models"
)

var ErrMalformed = errors.New("malformed event")

// Event is a typed event record. ID is assigned at capture and is not part of
// the wire form.
type Event struct {
	ID    int64       `json:"id"`
	Time  float64     `json:"time"`
	Kind  models.Kind `json:"kind"`
	State State       `json:"state"`
}

// Encode flattens an event into [time, kind, ...state tokens].
func Encode(e Event) models.Tokens {
	out := models.Tokens{e.Time, float64(e.Kind)}
	if e.State != nil {
		out = append(out, e.State.Tokens()...)
	}
	return out
}

// Decode rebuilds a typed event from its token array. Unrecognised kinds
// decode to Unknown; only a missing header or a malformed body of a known
// kind is an error.
func Decode(tokens models.Tokens) (Event, error) {
	t, ok := tokens.Time()
	if !ok {
		return Event{}, fmt.Errorf("%w: time is missing or not a number", ErrMalformed)
	}
	kind, ok := tokens.Kind()
	if !ok {
		return Event{}, fmt.Errorf("%w: kind is missing or not a number", ErrMalformed)
	}
	state, err := DecodeState(kind, tokens[2:])
	if err != nil {
		return Event{}, fmt.Errorf("decode %s at %v: %w", kind, t, err)
	}
	return Event{Time: t, Kind: kind, State: state}, nil
}

// DecodeState parses the body of a token array for the given kind.
func DecodeState(kind models.Kind, body models.Tokens) (State, error) {
	r := &reader{tokens: body}
	var state State
	switch {
	case kind.IsPointer():
		state = Pointer{Target: r.integer(), X: r.number(), Y: r.number()}
	default:
		switch kind {
		case models.KindDiscover, models.KindMutation:
			state = r.layout()
		case models.KindBoxModel:
			state = r.boxModel()
		case models.KindChecksum:
			state = Checksum{Value: r.text()}
		case models.KindDocument:
			state = Document{Width: r.number(), Height: r.number()}
		case models.KindResize:
			state = Resize{Width: r.number(), Height: r.number()}
		case models.KindScroll:
			state = Scroll{Target: r.integer(), X: r.number(), Y: r.number()}
		case models.KindSelection:
			state = Selection{Start: r.integer(), StartOffset: r.integer(), End: r.integer(), EndOffset: r.integer()}
		case models.KindChange:
			state = Change{Target: r.integer(), Value: r.text()}
		case models.KindPage:
			state = Page{Timestamp: r.number(), URL: r.text(), Title: r.text(), Referrer: r.text()}
		case models.KindPing:
			state = Ping{Gap: r.number()}
		case models.KindTag:
			tag := Tag{Key: r.text()}
			for r.more() {
				tag.Values = append(tag.Values, r.text())
			}
			state = tag
		case models.KindScriptError:
			state = ScriptError{Message: r.text(), Line: r.integer(), Column: r.integer(), Stack: r.text(), Source: r.text()}
		case models.KindImageError:
			state = ImageError{Source: r.text(), Target: r.integer()}
		case models.KindSummary:
			state = r.summary()
		case models.KindInstrumentation:
			i := Instrumentation{Type: InstrumentationType(r.integer())}
			if r.more() {
				i.Args = append(models.Tokens{}, r.rest()...)
			}
			state = i
		case models.KindCustom:
			state = r.custom()
		default:
			return Unknown{Raw: append(models.Tokens{}, body...)}, nil
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.more() {
		return nil, fmt.Errorf("%w: %d trailing tokens", ErrMalformed, len(body)-r.pos)
	}
	return state, nil
}

// StateSize is the length of the JSON serialisation of a state, or -1 for no state.
func StateSize(state State) int {
	if state == nil {
		return -1
	}
	data, err := json.Marshal(state)
	if err != nil {
		return -1
	}
	return len(data)
}

type reader struct {
	tokens models.Tokens
	pos    int
	err    error
}

func (r *reader) more() bool {
	return r.err == nil && r.pos < len(r.tokens)
}

func (r *reader) next() (models.Token, bool) {
	if r.err != nil {
		return nil, false
	}
	if r.pos >= len(r.tokens) {
		r.err = fmt.Errorf("%w: expected token at position %d", ErrMalformed, r.pos+2)
		return nil, false
	}
	t := r.tokens[r.pos]
	r.pos++
	return t, true
}

func (r *reader) number() float64 {
	t, ok := r.next()
	if !ok {
		return 0
	}
	n, ok := models.Number(t)
	if !ok {
		r.err = fmt.Errorf("%w: token at position %d is not a number", ErrMalformed, r.pos+1)
	}
	return n
}

func (r *reader) integer() int {
	return int(r.number())
}

func (r *reader) text() string {
	t, ok := r.next()
	if !ok {
		return ""
	}
	s, ok := models.String(t)
	if !ok {
		r.err = fmt.Errorf("%w: token at position %d is not a string", ErrMalformed, r.pos+1)
	}
	return s
}

func (r *reader) peekNumber() bool {
	if !r.more() {
		return false
	}
	_, ok := models.Number(r.tokens[r.pos])
	return ok
}

func (r *reader) rest() models.Tokens {
	out := r.tokens[r.pos:]
	r.pos = len(r.tokens)
	return out
}

func (r *reader) layout() Layout {
	l := Layout{}
	for r.more() {
		n := Node{ID: r.integer(), Parent: r.integer(), Next: r.integer(), Tag: r.text()}
		if n.Tag == TextTag {
			n.Text = r.text()
		} else {
			for r.more() && !r.peekNumber() {
				n.Attributes = append(n.Attributes, parseAttribute(r.text()))
			}
		}
		l.Nodes = append(l.Nodes, n)
	}
	return l
}

func (r *reader) boxModel() BoxModel {
	b := BoxModel{}
	for r.more() {
		b.Boxes = append(b.Boxes, Box{ID: r.integer(), X: r.number(), Y: r.number(), Width: r.number(), Height: r.number()})
	}
	return b
}

func (r *reader) summary() Summary {
	s := Summary{}
	for r.more() {
		s.Entries = append(s.Entries, SummaryEntry{Kind: models.Kind(r.integer()), Count: r.integer(), First: r.number(), Last: r.number()})
	}
	return s
}

func (r *reader) custom() Custom {
	c := Custom{}
	for r.more() {
		key := r.text()
		value, _ := r.next()
		c.Pairs = append(c.Pairs, Pair{Key: key, Value: value})
	}
	return c
}
