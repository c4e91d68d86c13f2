// Package capture turns sensor observations into a sequenced, size-bounded,
// asynchronously compressed upload stream.
package capture

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/compress"
	"github.com/vincentbai/clarity-agent/internal/models"
)

// State is the lifecycle state of a pipeline.
type State int

const (
	StateLoaded State = iota
	StateActivating
	StateActivated
	StateUnloading
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateUnloading:
		return "unloading"
	case StateUnloaded:
		return "unloaded"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

var ErrActive = errors.New("capture is active")

// Uploader sends finished payloads. Upload is called with the pipeline locked
// and must not block on the network or call back into the pipeline.
type Uploader interface {
	Upload(compressed []byte, raw models.Payload)
}

// PayloadQueue holds payloads produced in background mode until flushed.
type PayloadQueue interface {
	Enqueue(compressed []byte, raw models.Payload)
	Flush()
}

// Channel is the compression offload channel. *compress.Worker implements it.
type Channel interface {
	Submit(compress.AddEvent)
	ForceCompression(time float64)
	Batches() <-chan compress.CompressedBatch
	Done() <-chan struct{}
	Terminate()
}

type ChannelFactory func(envelope models.Envelope, policy compress.Policy) (Channel, error)

// Input is what sensors push. A nil Time takes the pipeline clock.
type Input struct {
	Kind  models.Kind
	State codec.State
	Time  *float64
}

// At is a helper for Input.Time.
func At(t float64) *float64 {
	return &t
}

// Options wires the collaborators of a pipeline. Zero fields get defaults.
type Options struct {
	Host       Host
	Uploader   Uploader
	Queue      PayloadQueue
	NewChannel ChannelFactory
	// Clock returns milliseconds since the page origin.
	Clock  func() float64
	NewID  func() string
	Logger *zap.Logger
}

// Pipeline owns the lifecycle of one capture session.
type Pipeline struct {
	mu     sync.Mutex
	state  State
	config Config

	host       Host
	uploader   Uploader
	queue      PayloadQueue
	newChannel ChannelFactory
	clock      func() float64
	newID      func() string
	log        *zap.Logger

	// pageID and userID are set by OnSetPageInfo between sessions.
	pageID string
	userID string

	ps *pipelineState
}

// pipelineState exists from activation until teardown.
type pipelineState struct {
	envelope   models.Envelope
	ledger     *Ledger
	channel    Channel
	nextID     int64
	background bool
	flush      *time.Timer
	unbinds    []func()
	plugins    []Plugin
	ownsMarker bool
}

func New(config Config, opts Options) *Pipeline {
	p := &Pipeline{
		config:     config.clone(),
		host:       opts.Host,
		uploader:   opts.Uploader,
		queue:      opts.Queue,
		newChannel: opts.NewChannel,
		clock:      opts.Clock,
		newID:      opts.NewID,
		log:        opts.Logger,
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.host == nil {
		p.host = NewMemoryHost(RequiredFeatures...)
	}
	if p.uploader == nil {
		p.uploader = discardUploader{log: p.log}
	}
	if p.newChannel == nil {
		log := p.log.Named("compress")
		p.newChannel = func(envelope models.Envelope, policy compress.Policy) (Channel, error) {
			return compress.NewWorker(envelope, policy, log), nil
		}
	}
	if p.clock == nil {
		origin := time.Now()
		p.clock = func() float64 {
			return math.Round(float64(time.Since(origin)) / float64(time.Millisecond))
		}
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p
}

// Configure replaces the configuration used by the next activation.
func (p *Pipeline) Configure(config Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateLoaded && p.state != StateUnloaded {
		return fmt.Errorf("%w: %s", ErrActive, p.state)
	}
	p.config = config.clone()
	return nil
}

// Activate starts a capture session. It never returns an error: failures are
// instrumented and the pipeline ends in Unloaded.
func (p *Pipeline) Activate() {
	p.mu.Lock()
	if p.state != StateLoaded && p.state != StateUnloaded {
		p.log.Warn("Capture already active", zap.Stringer("state", p.state))
		p.mu.Unlock()
		return
	}
	p.state = StateActivating

	ready, err := p.start()
	if err != nil {
		p.fail(err)
		p.mu.Unlock()
		return
	}
	if !ready {
		p.teardownLocked()
		p.mu.Unlock()
		return
	}
	ps := p.ps
	names := append([]string(nil), p.config.Plugins...)
	p.mu.Unlock()

	active, err := p.activatePlugins(names)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateActivating || p.ps != ps {
		// Torn down while plugins were starting.
		for _, plugin := range active {
			p.safely("plugin teardown", plugin.Teardown)
		}
		return
	}
	ps.plugins = active
	if err != nil {
		p.fail(err)
		return
	}
	p.state = StateActivated
	p.log.Info("Capture activated",
		zap.String("page_id", ps.envelope.PageID),
		zap.String("user_id", ps.envelope.UserID),
		zap.String("session_id", ps.envelope.SessionID))
}

// start runs the fallible init and prepare phases. Panics become errors.
func (p *Pipeline) start() (ready bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ready, err = false, fmt.Errorf("panic during activation: %v", r)
		}
	}()
	if err := p.init(); err != nil {
		return false, err
	}
	return p.prepare(), nil
}

func (p *Pipeline) init() error {
	userID := firstNonEmpty(p.userID, p.config.UserID)
	if userID == "" {
		userID = p.newID()
	}
	pageID := firstNonEmpty(p.pageID, p.config.PageID)
	if pageID == "" {
		pageID = p.newID()
	}
	sessionID := p.config.SessionID
	if sessionID == "" {
		sessionID = strconv.FormatInt(time.Now().UnixMilli(), 36)
	}

	envelope := models.Envelope{
		Version:   models.Version,
		ProjectID: p.config.ProjectID,
		UserID:    userID,
		SessionID: sessionID,
		PageID:    pageID,
		Upload:    models.UploadAsync,
	}
	p.ps = &pipelineState{
		envelope:   envelope,
		ledger:     NewLedger(),
		background: p.config.BackgroundMode,
	}

	ch, err := p.newChannel(envelope, compress.Policy{BatchLimit: p.config.BatchLimit})
	if err != nil {
		return fmt.Errorf("failed to start offload channel: %w", err)
	}
	p.ps.channel = ch
	go p.listen(p.ps, ch)
	return nil
}

// prepare checks host prerequisites and claims the document. It returns false
// when activation must be abandoned.
func (p *Pipeline) prepare() bool {
	var missing []string
	for _, feature := range RequiredFeatures {
		if !p.host.Supports(feature) {
			missing = append(missing, feature)
		}
	}
	if len(missing) > 0 {
		p.log.Warn("Host is missing required features", zap.Strings("features", missing))
		p.instrumentLocked(codec.MissingFeature(missing))
		return false
	}

	if current, ok := p.host.Marker(); ok {
		p.log.Warn("Capture already running on this document", zap.String("active_page_id", current))
		p.instrumentLocked(codec.Duplicated(current))
		return false
	}
	p.host.SetMarker(p.ps.envelope.PageID)
	p.ps.ownsMarker = true

	for _, event := range []string{"beforeunload", "unload"} {
		p.bindLocked(event, p.Teardown)
	}
	return true
}

func (p *Pipeline) activatePlugins(names []string) (active []Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panicked: %v", r)
		}
	}()
	for _, name := range names {
		plugin, perr := newPlugin(name)
		if perr != nil {
			return active, perr
		}
		plugin.Reset()
		if perr := plugin.Activate(p); perr != nil {
			return active, fmt.Errorf("failed to activate plugin %s: %w", name, perr)
		}
		active = append(active, plugin)
	}
	return active, nil
}

// fail reports an activation error and tears down. It swallows its own
// failures so Activate never panics.
func (p *Pipeline) fail(cause error) {
	p.log.Error("Failed to activate capture", zap.Error(cause))
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Failed to report activation error", zap.Any("panic", r))
			p.state = StateUnloaded
			p.ps = nil
		}
	}()
	p.instrumentLocked(codec.ActivateError(cause.Error()))
	p.teardownLocked()
}

// Teardown ends the session. Only Activating and Activated pipelines are
// affected; any other state makes it a no-op.
func (p *Pipeline) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

func (p *Pipeline) teardownLocked() {
	if p.state != StateActivating && p.state != StateActivated {
		return
	}
	p.state = StateUnloading
	ps := p.ps
	if ps != nil {
		for _, plugin := range ps.plugins {
			p.safely("plugin teardown", plugin.Teardown)
		}
		for _, unbind := range ps.unbinds {
			unbind()
		}
		ps.unbinds = nil
		if ps.flush != nil {
			ps.flush.Stop()
			ps.flush = nil
		}
		if ps.channel != nil {
			ps.channel.Terminate()
		}
	}
	p.state = StateUnloaded

	if ps != nil {
		p.instrumentLocked(codec.Teardown())
		p.uploadPendingLocked(ps)
		if ps.ownsMarker {
			p.host.ClearMarker()
		}
		p.log.Info("Capture torn down", zap.String("page_id", ps.envelope.PageID))
	}
	p.config = DefaultConfig()
	p.ps = nil
}

// uploadPendingLocked flushes every unacknowledged event in one payload.
func (p *Pipeline) uploadPendingLocked(ps *pipelineState) {
	if ps.background {
		if n := ps.ledger.Len(); n > 0 {
			p.log.Debug("Dropping pending events in background mode", zap.Int("event_count", n))
		}
		ps.ledger.Clear()
		return
	}
	events := ps.ledger.Drain()
	if len(events) == 0 {
		return
	}

	envelope := ps.envelope
	envelope.Elapsed = p.clock()
	envelope.Upload = models.UploadBeacon
	envelope.End = true
	ps.envelope.Sequence++

	payload := models.Payload{
		Envelope: envelope,
		Metrics: models.Metrics{
			models.MetricEventCount: float64(len(events)),
			models.MetricRawBytes:   float64(rawSize(events)),
		},
		Events: events,
	}
	compressed, err := compress.Compress(payload)
	if err != nil {
		p.log.Error("Failed to compress final payload",
			zap.Int("sequence", envelope.Sequence),
			zap.Int("event_count", len(events)),
			zap.Error(err))
		return
	}
	p.uploader.Upload(compressed, payload)
}

// listen applies acknowledgments until the channel is terminated.
func (p *Pipeline) listen(ps *pipelineState, ch Channel) {
	batches, done := ch.Batches(), ch.Done()
	for {
		select {
		case <-done:
			return
		case batch := <-batches:
			p.acknowledge(ps, batch)
		}
	}
}

func (p *Pipeline) acknowledge(ps *pipelineState, batch compress.CompressedBatch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateUnloaded || p.ps != ps {
		return
	}
	if ps.background && p.queue != nil {
		p.queue.Enqueue(batch.CompressedData, batch.RawData)
	} else {
		p.uploader.Upload(batch.CompressedData, batch.RawData)
	}
	ps.envelope.Sequence = batch.SequenceNumber() + 1
	ps.ledger.Remove(batch.IDs...)
}

// AddEvent records one observation. With scheduleUpload the debounced flush
// timer is restarted.
func (p *Pipeline) AddEvent(in Input, scheduleUpload bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.activeLocked() {
		return
	}
	p.addEventLocked(in, scheduleUpload)
}

// AddMultipleEvents records a burst of observations and arms the flush timer
// once, after the last one.
func (p *Pipeline) AddMultipleEvents(inputs []Input) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.activeLocked() {
		return
	}
	for i, in := range inputs {
		p.addEventLocked(in, i == len(inputs)-1)
	}
}

func (p *Pipeline) addEventLocked(in Input, scheduleUpload bool) {
	ps := p.ps
	if ps == nil {
		return
	}
	now := p.clock()
	event := codec.Event{ID: ps.nextID, Time: now, Kind: in.Kind, State: in.State}
	if in.Time != nil {
		event.Time = *in.Time
	}
	ps.nextID++

	if size := codec.StateSize(in.State); p.config.EventLimit > 0 && size > p.config.EventLimit {
		var name, action string
		if labeled, ok := in.State.(codec.Labeled); ok {
			name, action = labeled.Labels()
		}
		event.Kind = models.KindInstrumentation
		event.State = codec.Oversized(size, in.Kind, name, action)
		p.log.Warn("Replaced oversized event",
			zap.Stringer("kind", in.Kind),
			zap.Int("size", size),
			zap.Int("limit", p.config.EventLimit))
	}

	tokens := codec.Encode(event)
	ps.ledger.Put(event.ID, tokens)
	if ps.channel != nil {
		ps.channel.Submit(compress.AddEvent{
			ID:           event.ID,
			Event:        tokens,
			Time:         now,
			IsErrorEvent: isUploadError(event.State),
		})
	}
	if scheduleUpload && p.activeLocked() {
		p.scheduleFlushLocked(ps)
	}
}

func (p *Pipeline) scheduleFlushLocked(ps *pipelineState) {
	if ps.flush != nil {
		ps.flush.Stop()
	}
	// A timer that fired while the lock was held may have been replaced or
	// cancelled since; only the current one flushes.
	var timer *time.Timer
	timer = time.AfterFunc(p.config.Delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.ps != ps || !p.activeLocked() || ps.flush != timer {
			return
		}
		ps.flush = nil
		ps.channel.ForceCompression(p.clock())
	})
	ps.flush = timer
}

// Flush asks the offload channel to emit whatever it holds now.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps := p.ps
	if ps == nil || ps.channel == nil || !p.activeLocked() {
		return
	}
	if ps.flush != nil {
		ps.flush.Stop()
		ps.flush = nil
	}
	ps.channel.ForceCompression(p.clock())
}

// Bind registers a host listener for the lifetime of the session. The
// listener is not invoked after teardown.
func (p *Pipeline) Bind(event string, listener func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ps == nil || !p.activeLocked() {
		return
	}
	ps := p.ps
	p.bindLocked(event, func() {
		p.mu.Lock()
		live := p.ps == ps && p.activeLocked()
		p.mu.Unlock()
		if live {
			listener()
		}
	})
}

func (p *Pipeline) bindLocked(event string, listener func()) {
	p.ps.unbinds = append(p.ps.unbinds, p.host.Bind(event, listener))
}

// OnCustomEvent records a custom key/value event.
func (p *Pipeline) OnCustomEvent(pairs ...codec.Pair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateActivated {
		return
	}
	p.addEventLocked(Input{Kind: models.KindCustom, State: codec.Custom{Pairs: pairs}}, true)
}

// OnTrigger leaves background mode and releases the holding queue.
func (p *Pipeline) OnTrigger(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateActivated {
		return
	}
	p.instrumentLocked(codec.Trigger(key))
	p.ps.background = false
	if p.queue != nil {
		p.queue.Flush()
	}
}

// OnSetPageInfo overrides the identity of the next session. It is honoured
// only between sessions and reports whether it was applied.
func (p *Pipeline) OnSetPageInfo(pageID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateLoaded || p.state == StateUnloaded {
		p.pageID, p.userID = pageID, userID
		return true
	}
	p.instrumentLocked(codec.SetPageInfo(p.state.String(), userID, pageID))
	return false
}

// ReportUploadError records a failed upload. These events never cause a
// size-based batch split on their own.
func (p *Pipeline) ReportUploadError(status int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.activeLocked() {
		return
	}
	p.addEventLocked(Input{Kind: models.KindInstrumentation, State: codec.UploadError(status, message)}, true)
}

func (p *Pipeline) instrumentLocked(state codec.Instrumentation) {
	if !p.config.Instrument {
		return
	}
	p.addEventLocked(Input{Kind: models.KindInstrumentation, State: state}, true)
}

func (p *Pipeline) activeLocked() bool {
	return p.state == StateActivating || p.state == StateActivated
}

func (p *Pipeline) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Recovered panic", zap.String("during", what), zap.Any("panic", r))
		}
	}()
	fn()
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Envelope returns a copy of the live envelope.
func (p *Pipeline) Envelope() (models.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ps == nil {
		return models.Envelope{}, false
	}
	return p.ps.envelope, true
}

// Pending returns the ids in the ledger in ascending order.
func (p *Pipeline) Pending() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ps == nil {
		return nil
	}
	return p.ps.ledger.IDs()
}

func (p *Pipeline) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config.clone()
}

func isUploadError(state codec.State) bool {
	i, ok := state.(codec.Instrumentation)
	return ok && i.Type == codec.InstrumentUploadError
}

func rawSize(events []models.Tokens) int {
	total := 0
	for _, e := range events {
		data, err := json.Marshal(e)
		if err == nil {
			total += len(data)
		}
	}
	return total
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type discardUploader struct {
	log *zap.Logger
}

func (d discardUploader) Upload(compressed []byte, raw models.Payload) {
	d.log.Warn("No uploader configured, dropping payload",
		zap.Int("sequence", raw.Envelope.Sequence),
		zap.Int("bytes", len(compressed)))
}
