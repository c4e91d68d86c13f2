package codec

import (
	"strings"

	"github.com/vincentbai/clarity-agent/internal/models"
)

// State is the kind-specific payload of an event.
type State interface {
	Tokens() models.Tokens
}

// Labeled states expose the nested event and action names recorded when the
// state is dropped for being oversized.
type Labeled interface {
	Labels() (event, action string)
}

// TextTag is the tag of text nodes in layout events.
const TextTag = "*T"

// RemovedParent marks a node removed by a mutation.
const RemovedParent = -1

type Pointer struct {
	Target int     `json:"target"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

func (p Pointer) Tokens() models.Tokens {
	return models.Tokens{float64(p.Target), p.X, p.Y}
}

type Scroll struct {
	Target int     `json:"target"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

func (s Scroll) Tokens() models.Tokens {
	return models.Tokens{float64(s.Target), s.X, s.Y}
}

type Resize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Resize) Tokens() models.Tokens {
	return models.Tokens{r.Width, r.Height}
}

// Document carries the scrollable size of the page.
type Document struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (d Document) Tokens() models.Tokens {
	return models.Tokens{d.Width, d.Height}
}

type Selection struct {
	Start       int `json:"start"`
	StartOffset int `json:"startOffset"`
	End         int `json:"end"`
	EndOffset   int `json:"endOffset"`
}

func (s Selection) Tokens() models.Tokens {
	return models.Tokens{float64(s.Start), float64(s.StartOffset), float64(s.End), float64(s.EndOffset)}
}

type Change struct {
	Target int    `json:"target"`
	Value  string `json:"value"`
}

func (c Change) Tokens() models.Tokens {
	return models.Tokens{float64(c.Target), c.Value}
}

type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	// Bare marks a boolean attribute written without "=".
	Bare bool `json:"bare,omitempty"`
}

func (a Attribute) token() string {
	if a.Bare {
		return a.Name
	}
	return a.Name + "=" + a.Value
}

// Node is one discovered or mutated DOM node.
type Node struct {
	ID         int         `json:"id"`
	Parent     int         `json:"parent"`
	Next       int         `json:"next"`
	Tag        string      `json:"tag"`
	Attributes []Attribute `json:"attributes,omitempty"`
	Text       string      `json:"text,omitempty"`
}

// Removed reports whether the node was detached by a mutation.
func (n Node) Removed() bool {
	return n.Parent == RemovedParent
}

// Layout is the state of discover and mutation events.
type Layout struct {
	Nodes []Node `json:"nodes"`
}

func (l Layout) Tokens() models.Tokens {
	out := models.Tokens{}
	for _, n := range l.Nodes {
		out = append(out, float64(n.ID), float64(n.Parent), float64(n.Next), n.Tag)
		if n.Tag == TextTag {
			out = append(out, n.Text)
			continue
		}
		for _, a := range n.Attributes {
			out = append(out, a.token())
		}
	}
	return out
}

func parseAttribute(token string) Attribute {
	name, value, found := strings.Cut(token, "=")
	return Attribute{Name: name, Value: value, Bare: !found}
}

type Box struct {
	ID     int     `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type BoxModel struct {
	Boxes []Box `json:"boxes"`
}

func (b BoxModel) Tokens() models.Tokens {
	out := make(models.Tokens, 0, 5*len(b.Boxes))
	for _, box := range b.Boxes {
		out = append(out, float64(box.ID), box.X, box.Y, box.Width, box.Height)
	}
	return out
}

type Checksum struct {
	Value string `json:"value"`
}

func (c Checksum) Tokens() models.Tokens {
	return models.Tokens{c.Value}
}

type Page struct {
	Timestamp float64 `json:"timestamp"`
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Referrer  string  `json:"referrer"`
}

func (p Page) Tokens() models.Tokens {
	return models.Tokens{p.Timestamp, p.URL, p.Title, p.Referrer}
}

type Ping struct {
	Gap float64 `json:"gap"`
}

func (p Ping) Tokens() models.Tokens {
	return models.Tokens{p.Gap}
}

type Tag struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

func (t Tag) Tokens() models.Tokens {
	out := models.Tokens{t.Key}
	for _, v := range t.Values {
		out = append(out, v)
	}
	return out
}

type ScriptError struct {
	Message string `json:"message"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Stack   string `json:"stack"`
	Source  string `json:"source"`
}

func (s ScriptError) Tokens() models.Tokens {
	return models.Tokens{s.Message, float64(s.Line), float64(s.Column), s.Stack, s.Source}
}

type ImageError struct {
	Source string `json:"source"`
	Target int    `json:"target"`
}

func (i ImageError) Tokens() models.Tokens {
	return models.Tokens{i.Source, float64(i.Target)}
}

// SummaryEntry aggregates the occurrences of one kind.
type SummaryEntry struct {
	Kind  models.Kind `json:"kind"`
	Count int         `json:"count"`
	First float64     `json:"first"`
	Last  float64     `json:"last"`
}

type Summary struct {
	Entries []SummaryEntry `json:"entries"`
}

func (s Summary) Tokens() models.Tokens {
	out := make(models.Tokens, 0, 4*len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, float64(e.Kind), float64(e.Count), e.First, e.Last)
	}
	return out
}

// Pair is one key/value of a custom event; Value is a primitive token.
type Pair struct {
	Key   string       `json:"key"`
	Value models.Token `json:"value"`
}

type Custom struct {
	Pairs []Pair `json:"pairs"`
}

func (c Custom) Tokens() models.Tokens {
	out := make(models.Tokens, 0, 2*len(c.Pairs))
	for _, p := range c.Pairs {
		out = append(out, p.Key, p.Value)
	}
	return out
}

// Labels returns the string values of the "event" and "action" keys.
func (c Custom) Labels() (event, action string) {
	for _, p := range c.Pairs {
		s, ok := p.Value.(string)
		if !ok {
			continue
		}
		switch p.Key {
		case "event":
			event = s
		case "action":
			action = s
		}
	}
	return event, action
}

// Unknown preserves the body of an event whose kind is not recognised.
type Unknown struct {
	Raw models.Tokens `json:"raw"`
}

func (u Unknown) Tokens() models.Tokens {
	return u.Raw
}
