package replay

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/decode"
	"github.com/vincentbai/clarity-agent/internal/models"
)

// Renderer owns a surface. It resets the surface whenever a payload from a
// different page arrives and serialises passes over it.
type Renderer struct {
	mu        sync.Mutex
	surface   Surface
	scheduler *Scheduler
	log       *zap.Logger

	envelope models.Envelope
	started  bool
}

func NewRenderer(surface Surface, scheduler *Scheduler, log *zap.Logger) *Renderer {
	if scheduler == nil {
		scheduler = NewScheduler()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{surface: surface, scheduler: scheduler, log: log}
}

// Render applies a payload immediately, without pacing.
func (r *Renderer) Render(payload decode.DecodedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begin(payload)
	for _, event := range payload.Timeline() {
		Apply(r.surface, event)
	}
}

// Replay applies a payload at its recorded pace and returns when the
// timeline is exhausted or ctx is cancelled.
func (r *Renderer) Replay(ctx context.Context, payload decode.DecodedPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begin(payload)
	return r.scheduler.Run(ctx, payload.Timeline(), func(event codec.Event) {
		Apply(r.surface, event)
	})
}

func (r *Renderer) begin(payload decode.DecodedPayload) {
	if !r.started || !samePage(r.envelope, payload.Envelope) {
		if r.started {
			r.log.Info("New page detected, resetting surface",
				zap.String("previous_page_id", r.envelope.PageID),
				zap.String("page_id", payload.Envelope.PageID))
		}
		r.surface.Reset()
	}
	r.started = true
	r.envelope = payload.Envelope
	r.surface.Header(payload.Envelope, payload.Metrics)
}

func samePage(a, b models.Envelope) bool {
	return a.ProjectID == b.ProjectID && a.UserID == b.UserID && a.SessionID == b.SessionID && a.PageID == b.PageID
}
