package decode

import (
	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/layout"
	"github.com/vincentbai/clarity-agent/internal/models"
)

// layoutDecoder rebuilds the node tree from discover and mutation events so a
// final checksum can be derived.
type layoutDecoder struct {
	tree    *layout.Tree
	applied bool
	last    float64
}

func newLayoutDecoder(tree *layout.Tree) *layoutDecoder {
	return &layoutDecoder{tree: tree}
}

func (l *layoutDecoder) reset() {
	l.tree.Reset()
	l.applied = false
	l.last = 0
}

func (l *layoutDecoder) observe(event codec.Event) {
	nodes, ok := event.State.(codec.Layout)
	if !ok {
		return
	}
	l.tree.Apply(nodes)
	l.applied = true
	if event.Time > l.last {
		l.last = event.Time
	}
}

// checksum digests the reconstructed tree at the time of the last layout event.
func (l *layoutDecoder) checksum() (codec.Event, bool) {
	if !l.applied {
		return codec.Event{}, false
	}
	digest, err := l.tree.Digest()
	if err != nil {
		return codec.Event{}, false
	}
	return codec.Event{Time: l.last, Kind: models.KindChecksum, State: codec.Checksum{Value: digest}}, true
}
