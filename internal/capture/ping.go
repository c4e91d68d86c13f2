package capture

import (
	"sync"
	"time"

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/models"
)

const PingPluginName = "ping"

func init() {
	RegisterPlugin(PingPluginName, func() Plugin { return NewPingPlugin(time.Second, time.Minute) })
}

// PingPlugin emits a heartbeat while the session is active. The interval
// doubles after every ping, up to maxInterval. Gap is the interval that
// preceded the ping, in milliseconds.
type PingPlugin struct {
	initial     time.Duration
	maxInterval time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

func NewPingPlugin(initial, maxInterval time.Duration) *PingPlugin {
	if maxInterval < initial {
		maxInterval = initial
	}
	return &PingPlugin{initial: initial, maxInterval: maxInterval}
}

func (pp *PingPlugin) Reset() {
	pp.Teardown()
}

func (pp *PingPlugin) Activate(p *Pipeline) error {
	stop := make(chan struct{})
	pp.mu.Lock()
	pp.stop = stop
	pp.mu.Unlock()

	go pp.run(p, stop)
	return nil
}

func (pp *PingPlugin) run(p *Pipeline, stop <-chan struct{}) {
	interval := pp.initial
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		// AddEvent is a no-op once the pipeline has torn down.
		p.AddEvent(Input{Kind: models.KindPing, State: codec.Ping{Gap: float64(interval.Milliseconds())}}, true)
		interval *= 2
		if interval > pp.maxInterval {
			interval = pp.maxInterval
		}
		timer.Reset(interval)
	}
}

// Teardown stops the heartbeat without waiting for it.
func (pp *PingPlugin) Teardown() {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.stop != nil {
		close(pp.stop)
		pp.stop = nil
	}
}
