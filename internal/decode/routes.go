package decode

import (
	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/models"
)

type bucket int

const (
	bucketPlayback bucket = iota
	bucketAnalytics
)

// family names the sub-decoder responsible for a kind.
type family int

const (
	familyUnknown family = iota
	familyInteraction
	familyLayout
	familyData
	familyDiagnostic
)

type routing struct {
	bucket bucket
	family family
}

// routes is the fixed kind table. Pointer kinds are added in init.
var routes = map[models.Kind]routing{
	models.KindDiscover:        {bucketPlayback, familyLayout},
	models.KindMutation:        {bucketPlayback, familyLayout},
	models.KindBoxModel:        {bucketPlayback, familyLayout},
	models.KindDocument:        {bucketPlayback, familyLayout},
	models.KindChecksum:        {bucketAnalytics, familyLayout},
	models.KindScroll:          {bucketPlayback, familyInteraction},
	models.KindResize:          {bucketPlayback, familyInteraction},
	models.KindSelection:       {bucketPlayback, familyInteraction},
	models.KindChange:          {bucketPlayback, familyInteraction},
	models.KindPage:            {bucketAnalytics, familyData},
	models.KindPing:            {bucketAnalytics, familyData},
	models.KindTag:             {bucketAnalytics, familyData},
	models.KindSummary:         {bucketAnalytics, familyData},
	models.KindCustom:          {bucketAnalytics, familyData},
	models.KindScriptError:     {bucketAnalytics, familyDiagnostic},
	models.KindImageError:      {bucketAnalytics, familyDiagnostic},
	models.KindInstrumentation: {bucketAnalytics, familyDiagnostic},
}

func init() {
	for k := models.KindMouseDown; k <= models.KindTouchCancel; k++ {
		routes[k] = routing{bucketPlayback, familyInteraction}
	}
}

// route returns the table entry for kind; unrecognised kinds go to playback
// through the unknown fallback.
func route(kind models.Kind) routing {
	if r, ok := routes[kind]; ok {
		return r
	}
	return routing{bucketPlayback, familyUnknown}
}

func (d *Decoder) dispatch(r routing, tokens models.Tokens, kind models.Kind) codec.Event {
	t, _ := tokens.Time()
	event := codec.Event{Time: t, Kind: kind}
	switch r.family {
	case familyLayout:
		event.State = decodeState(tokens, kind)
		d.layout.observe(event)
	case familyInteraction, familyData, familyDiagnostic:
		event.State = decodeState(tokens, kind)
	default:
		event.State = raw(tokens)
	}
	return event
}

// decodeState parses the body of a known kind. A body that does not match
// the kind's layout is kept verbatim rather than failing the payload.
func decodeState(tokens models.Tokens, kind models.Kind) codec.State {
	state, err := codec.DecodeState(kind, tokens[2:])
	if err != nil {
		return raw(tokens)
	}
	return state
}

func raw(tokens models.Tokens) codec.Unknown {
	return codec.Unknown{Raw: append(models.Tokens{}, tokens[2:]...)}
}
