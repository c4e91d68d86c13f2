package replay

import (
	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/models"
)

// Surface is the sandboxed document events are applied to.
type Surface interface {
	Reset()
	Header(envelope models.Envelope, metrics models.Metrics)
	Markup(event codec.Event, layout codec.Layout)
	Checksum(event codec.Event, checksum codec.Checksum)
	BoxModel(event codec.Event, boxes codec.BoxModel)
	Pointer(event codec.Event, pointer codec.Pointer)
	Scroll(event codec.Event, scroll codec.Scroll)
	Resize(event codec.Event, resize codec.Resize)
	Selection(event codec.Event, selection codec.Selection)
	Change(event codec.Event, change codec.Change)
	Document(event codec.Event, document codec.Document)
}

// Apply dispatches one event to the surface. Events without a rendering
// effect are ignored.
func Apply(surface Surface, event codec.Event) {
	switch state := event.State.(type) {
	case codec.Layout:
		surface.Markup(event, state)
	case codec.Checksum:
		surface.Checksum(event, state)
	case codec.BoxModel:
		surface.BoxModel(event, state)
	case codec.Pointer:
		surface.Pointer(event, state)
	case codec.Scroll:
		surface.Scroll(event, state)
	case codec.Resize:
		surface.Resize(event, state)
	case codec.Selection:
		surface.Selection(event, state)
	case codec.Change:
		surface.Change(event, state)
	case codec.Document:
		surface.Document(event, state)
	}
}
