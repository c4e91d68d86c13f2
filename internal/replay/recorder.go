package replay

import (
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/decode"
	"github.com/vincentbai/clarity-agent/internal/layout"
	"github.com/vincentbai/clarity-agent/internal/models"
)

// Mismatch is a checksum event that disagreed with the reconstructed tree.
type Mismatch struct {
	Time float64 `json:"time"`
	Want string  `json:"want"`
	Got  string  `json:"got"`
}

// Recorder is an in-memory Surface. It rebuilds the node tree, keeps the last
// interaction state and verifies checksum events. Checksums are digested per
// payload, so they are checked against the nodes of the current payload only
// while Tree accumulates the whole page.
type Recorder struct {
	Tree          *layout.Tree
	Envelope      models.Envelope
	Metrics       models.Metrics
	Boxes         map[int]codec.Box
	LastPointer   *codec.Pointer
	Scrolls       map[int]codec.Scroll
	Viewport      codec.Resize
	Page          codec.Document
	LastSelection *codec.Selection
	Values        map[int]string
	Mismatches    []Mismatch
	Applied       int

	payload *layout.Tree
	log     *zap.Logger
}

func NewRecorder(log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{Tree: layout.NewTree(), payload: layout.NewTree(), log: log}
	r.Reset()
	return r
}

func (r *Recorder) Reset() {
	r.Tree.Reset()
	r.payload.Reset()
	r.Envelope = models.Envelope{}
	r.Metrics = nil
	r.Boxes = map[int]codec.Box{}
	r.LastPointer = nil
	r.Scrolls = map[int]codec.Scroll{}
	r.Viewport = codec.Resize{}
	r.Page = codec.Document{}
	r.LastSelection = nil
	r.Values = map[int]string{}
	r.Mismatches = nil
	r.Applied = 0
}

func (r *Recorder) Header(envelope models.Envelope, metrics models.Metrics) {
	r.Envelope = envelope
	r.Metrics = metrics
	r.payload.Reset()
	r.log.Debug("Header",
		zap.String("page_id", envelope.PageID),
		zap.Int("sequence", envelope.Sequence))
}

func (r *Recorder) Markup(event codec.Event, l codec.Layout) {
	r.Tree.Apply(l)
	r.payload.Apply(l)
	r.applied(event, zap.Int("nodes", len(l.Nodes)))
}

func (r *Recorder) Checksum(event codec.Event, checksum codec.Checksum) {
	got, err := r.payload.Digest()
	if err != nil {
		r.log.Error("Failed to digest layout", zap.Error(err))
		return
	}
	if got != checksum.Value {
		r.Mismatches = append(r.Mismatches, Mismatch{Time: event.Time, Want: checksum.Value, Got: got})
		r.log.Warn("Checksum mismatch", zap.Float64("time", event.Time), zap.String("want", checksum.Value), zap.String("got", got))
	}
	r.applied(event)
}

func (r *Recorder) BoxModel(event codec.Event, boxes codec.BoxModel) {
	for _, box := range boxes.Boxes {
		r.Boxes[box.ID] = box
	}
	r.applied(event, zap.Int("boxes", len(boxes.Boxes)))
}

func (r *Recorder) Pointer(event codec.Event, pointer codec.Pointer) {
	p := pointer
	r.LastPointer = &p
	r.applied(event, zap.Int("target", pointer.Target))
}

func (r *Recorder) Scroll(event codec.Event, scroll codec.Scroll) {
	r.Scrolls[scroll.Target] = scroll
	r.applied(event, zap.Int("target", scroll.Target))
}

func (r *Recorder) Resize(event codec.Event, resize codec.Resize) {
	r.Viewport = resize
	r.applied(event)
}

func (r *Recorder) Selection(event codec.Event, selection codec.Selection) {
	s := selection
	r.LastSelection = &s
	r.applied(event)
}

func (r *Recorder) Change(event codec.Event, change codec.Change) {
	r.Values[change.Target] = change.Value
	r.applied(event, zap.Int("target", change.Target))
}

func (r *Recorder) Document(event codec.Event, document codec.Document) {
	r.Page = document
	r.applied(event)
}

func (r *Recorder) applied(event codec.Event, fields ...zap.Field) {
	r.Applied++
	r.log.Debug("Applied event",
		append([]zap.Field{zap.Float64("time", event.Time), zap.Stringer("kind", event.Kind)}, fields...)...)
}

// Snapshot is the state reconstructed from one payload.
type Snapshot struct {
	Digest     string     `json:"digest"`
	Nodes      int        `json:"nodes"`
	Applied    int        `json:"applied"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Take renders payload onto a fresh recorder and reports the result.
func Take(payload decode.DecodedPayload) (Snapshot, error) {
	recorder := NewRecorder(nil)
	NewRenderer(recorder, nil, nil).Render(payload)
	digest, err := recorder.Tree.Digest()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Digest:     digest,
		Nodes:      recorder.Tree.Len(),
		Applied:    recorder.Applied,
		Mismatches: recorder.Mismatches,
	}, nil
}
