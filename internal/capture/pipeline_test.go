package capture

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/compress"
	"github.com/vincentbai/clarity-agent/internal/models"
)

type fakeChannel struct {
	mu         sync.Mutex
	submitted  []compress.AddEvent
	forced     int
	terminated int

	batches chan compress.CompressedBatch
	done    chan struct{}
	once    sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		batches: make(chan compress.CompressedBatch, 8),
		done:    make(chan struct{}),
	}
}

func (f *fakeChannel) Submit(e compress.AddEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, e)
}

func (f *fakeChannel) ForceCompression(float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
}

func (f *fakeChannel) Batches() <-chan compress.CompressedBatch { return f.batches }
func (f *fakeChannel) Done() <-chan struct{}                    { return f.done }

func (f *fakeChannel) Terminate() {
	f.mu.Lock()
	f.terminated++
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeChannel) submittedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.submitted))
	for _, s := range f.submitted {
		ids = append(ids, s.ID)
	}
	return ids
}

func (f *fakeChannel) forcedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

type upload struct {
	compressed []byte
	raw        models.Payload
}

type recordingUploader struct {
	mu      sync.Mutex
	uploads []upload
}

func (r *recordingUploader) Upload(compressed []byte, raw models.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, upload{compressed: compressed, raw: raw})
}

func (r *recordingUploader) all() []upload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]upload(nil), r.uploads...)
}

type recordingQueue struct {
	mu       sync.Mutex
	enqueued int
	flushed  int
}

func (q *recordingQueue) Enqueue([]byte, models.Payload) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued++
}

func (q *recordingQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushed++
}

type fixture struct {
	pipeline *Pipeline
	channel  *fakeChannel
	uploader *recordingUploader
	queue    *recordingQueue
	host     *MemoryHost
}

func newFixture(t *testing.T, config Config, host *MemoryHost) *fixture {
	t.Helper()
	if host == nil {
		host = NewMemoryHost(RequiredFeatures...)
	}
	f := &fixture{
		channel:  newFakeChannel(),
		uploader: &recordingUploader{},
		queue:    &recordingQueue{},
		host:     host,
	}
	ids := 0
	f.pipeline = New(config, Options{
		Host:     host,
		Uploader: f.uploader,
		Queue:    f.queue,
		NewChannel: func(models.Envelope, compress.Policy) (Channel, error) {
			return f.channel, nil
		},
		Clock: func() float64 { return 100 },
		NewID: func() string {
			ids++
			return "id-" + string(rune('a'+ids-1))
		},
		Logger: zap.NewNop(),
	})
	return f
}

func testConfig() Config {
	config := DefaultConfig()
	config.Delay = time.Hour
	config.ProjectID = "proj"
	return config
}

func click(target int) Input {
	return Input{Kind: models.KindClick, State: codec.Pointer{Target: target, X: 1, Y: 2}}
}

func decodePayload(t *testing.T, u upload) models.Payload {
	t.Helper()
	raw, err := compress.Decompress(u.compressed, 0)
	require.NoError(t, err)
	var payload models.Payload
	require.NoError(t, json.Unmarshal(raw, &payload))
	return payload
}

func instrumentations(t *testing.T, payload models.Payload) []codec.Instrumentation {
	t.Helper()
	var out []codec.Instrumentation
	for _, tokens := range payload.Events {
		event, err := codec.Decode(tokens)
		require.NoError(t, err)
		if i, ok := event.State.(codec.Instrumentation); ok {
			out = append(out, i)
		}
	}
	return out
}

func TestPipeline_TeardownUploadsAllPendingInOneCall(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Activate()
	require.Equal(t, StateActivated, f.pipeline.State())

	for i := 0; i < 5; i++ {
		f.pipeline.AddEvent(click(i), true)
	}
	require.Len(t, f.pipeline.Pending(), 5)

	f.pipeline.Teardown()

	assert.Equal(t, StateUnloaded, f.pipeline.State())
	assert.Empty(t, f.pipeline.Pending())
	assert.Equal(t, 1, f.channel.terminated)

	uploads := f.uploader.all()
	require.Len(t, uploads, 1)
	payload := decodePayload(t, uploads[0])
	assert.Len(t, payload.Events, 5)
	assert.True(t, payload.Envelope.End)
	assert.Equal(t, models.UploadBeacon, payload.Envelope.Upload)
	assert.Equal(t, "proj", payload.Envelope.ProjectID)
	assert.Equal(t, 5.0, payload.Metrics[models.MetricEventCount])
	for i, tokens := range payload.Events {
		event, err := codec.Decode(tokens)
		require.NoError(t, err)
		assert.Equal(t, codec.Pointer{Target: i, X: 1, Y: 2}, event.State)
	}
}

func TestPipeline_TeardownIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Activate()
	f.pipeline.AddEvent(click(1), true)

	f.pipeline.Teardown()
	require.Equal(t, 0, f.host.Listeners("unload"))
	f.pipeline.Teardown()

	assert.Equal(t, 1, f.channel.terminated)
	assert.Len(t, f.uploader.all(), 1)
	assert.Equal(t, StateUnloaded, f.pipeline.State())
}

func TestPipeline_TeardownBeforeActivateIsNoop(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Teardown()
	assert.Equal(t, StateLoaded, f.pipeline.State())
	assert.Empty(t, f.uploader.all())
}

func TestPipeline_TeardownResetsConfig(t *testing.T) {
	config := testConfig()
	config.Instrument = true
	f := newFixture(t, config, nil)
	f.pipeline.Activate()
	f.pipeline.Teardown()

	assert.Equal(t, DefaultConfig(), f.pipeline.Config())
	_, ok := f.host.Marker()
	assert.False(t, ok)

	uploads := f.uploader.all()
	require.Len(t, uploads, 1)
	got := instrumentations(t, decodePayload(t, uploads[0]))
	require.Len(t, got, 1)
	assert.Equal(t, codec.InstrumentTeardown, got[0].Type)
}

func TestPipeline_LedgerTracksUnacknowledgedEvents(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Activate()

	f.pipeline.AddMultipleEvents([]Input{click(1), click(2), click(3), click(4)})
	assert.Equal(t, f.channel.submittedIDs(), f.pipeline.Pending())

	f.channel.batches <- compress.CompressedBatch{
		CompressedData: []byte("gz"),
		RawData:        models.Payload{Envelope: models.Envelope{Sequence: 4}},
		IDs:            []int64{0, 1},
	}

	require.Eventually(t, func() bool {
		return len(f.pipeline.Pending()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2, 3}, f.pipeline.Pending())

	envelope, ok := f.pipeline.Envelope()
	require.True(t, ok)
	assert.Equal(t, 5, envelope.Sequence)
	assert.Len(t, f.uploader.all(), 1)

	f.pipeline.Teardown()
	uploads := f.uploader.all()
	require.Len(t, uploads, 2)
	final := decodePayload(t, uploads[1])
	assert.Len(t, final.Events, 2)
	assert.Equal(t, 5, final.Envelope.Sequence)
}

func TestPipeline_AcknowledgmentAfterTeardownIsDiscarded(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Activate()
	f.pipeline.AddEvent(click(1), true)

	ps := f.pipeline.ps
	f.pipeline.Teardown()
	require.Len(t, f.uploader.all(), 1)

	f.pipeline.acknowledge(ps, compress.CompressedBatch{IDs: []int64{0}})

	assert.Len(t, f.uploader.all(), 1)
	assert.Equal(t, StateUnloaded, f.pipeline.State())
}

func TestPipeline_OversizedEventIsReplaced(t *testing.T) {
	config := testConfig()
	config.EventLimit = 64
	f := newFixture(t, config, nil)
	f.pipeline.Activate()

	secret := strings.Repeat("x", 500)
	state := codec.Custom{Pairs: []codec.Pair{
		{Key: "event", Value: "signup"},
		{Key: "action", Value: "submit"},
		{Key: "blob", Value: secret},
	}}
	f.pipeline.AddEvent(Input{Kind: models.KindCustom, State: state}, true)
	f.pipeline.Teardown()

	uploads := f.uploader.all()
	require.Len(t, uploads, 1)
	raw, err := compress.Decompress(uploads[0].compressed, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret)

	got := instrumentations(t, decodePayload(t, uploads[0]))
	require.Len(t, got, 1)
	size, kind, event, action, ok := got[0].OversizedInfo()
	require.True(t, ok)
	assert.Equal(t, codec.StateSize(state), size)
	assert.Equal(t, models.KindCustom, kind)
	assert.Equal(t, "signup", event)
	assert.Equal(t, "submit", action)
}

func TestPipeline_BackgroundMode(t *testing.T) {
	config := testConfig()
	config.BackgroundMode = true
	f := newFixture(t, config, nil)
	f.pipeline.Activate()
	f.pipeline.AddEvent(click(1), true)
	f.pipeline.AddEvent(click(2), true)

	f.channel.batches <- compress.CompressedBatch{IDs: []int64{0}}
	require.Eventually(t, func() bool {
		return len(f.pipeline.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	f.pipeline.Teardown()

	assert.Empty(t, f.uploader.all())
	assert.Equal(t, 1, f.queue.enqueued)
	assert.Empty(t, f.pipeline.Pending())
}

func TestPipeline_TriggerLeavesBackgroundMode(t *testing.T) {
	config := testConfig()
	config.BackgroundMode = true
	config.Instrument = true
	f := newFixture(t, config, nil)
	f.pipeline.Activate()

	f.pipeline.OnTrigger("checkout")
	assert.Equal(t, 1, f.queue.flushed)

	f.pipeline.Teardown()
	uploads := f.uploader.all()
	require.Len(t, uploads, 1)
	var types []codec.InstrumentationType
	for _, i := range instrumentations(t, decodePayload(t, uploads[0])) {
		types = append(types, i.Type)
	}
	assert.Equal(t, []codec.InstrumentationType{codec.InstrumentTrigger, codec.InstrumentTeardown}, types)
}

func TestPipeline_DuplicateActivation(t *testing.T) {
	host := NewMemoryHost(RequiredFeatures...)
	first := newFixture(t, testConfig(), host)
	first.pipeline.Activate()
	require.Equal(t, StateActivated, first.pipeline.State())
	active, _ := host.Marker()

	config := testConfig()
	config.Instrument = true
	second := newFixture(t, config, host)
	second.pipeline.Activate()

	assert.Equal(t, StateUnloaded, second.pipeline.State())
	marker, ok := host.Marker()
	require.True(t, ok)
	assert.Equal(t, active, marker)

	uploads := second.uploader.all()
	require.Len(t, uploads, 1)
	got := instrumentations(t, decodePayload(t, uploads[0]))
	require.Len(t, got, 2)
	assert.Equal(t, codec.InstrumentDuplicated, got[0].Type)
	assert.Equal(t, models.Tokens{active}, got[0].Args)
	assert.Equal(t, codec.InstrumentTeardown, got[1].Type)
}

func TestPipeline_MissingFeature(t *testing.T) {
	config := testConfig()
	config.Instrument = true
	host := NewMemoryHost("Function.prototype.bind")
	f := newFixture(t, config, host)

	f.pipeline.Activate()

	assert.Equal(t, StateUnloaded, f.pipeline.State())
	_, ok := host.Marker()
	assert.False(t, ok)
	uploads := f.uploader.all()
	require.Len(t, uploads, 1)
	got := instrumentations(t, decodePayload(t, uploads[0]))
	require.NotEmpty(t, got)
	assert.Equal(t, codec.InstrumentMissingFeature, got[0].Type)
	assert.Len(t, got[0].Args, len(RequiredFeatures)-1)
}

func TestPipeline_ActivationErrorIsInstrumented(t *testing.T) {
	tests := []struct {
		name    string
		factory ChannelFactory
	}{
		{
			name: "error",
			factory: func(models.Envelope, compress.Policy) (Channel, error) {
				return nil, errors.New("no worker")
			},
		},
		{
			name: "panic",
			factory: func(models.Envelope, compress.Policy) (Channel, error) {
				panic("boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			config.Instrument = true
			uploader := &recordingUploader{}
			p := New(config, Options{Uploader: uploader, NewChannel: tt.factory, Logger: zap.NewNop()})

			assert.NotPanics(t, p.Activate)
			assert.Equal(t, StateUnloaded, p.State())

			uploads := uploader.all()
			require.Len(t, uploads, 1)
			got := instrumentations(t, decodePayload(t, uploads[0]))
			require.NotEmpty(t, got)
			assert.Equal(t, codec.InstrumentActivateError, got[0].Type)
		})
	}
}

func TestPipeline_DebouncedFlush(t *testing.T) {
	config := testConfig()
	config.Delay = 20 * time.Millisecond
	f := newFixture(t, config, nil)
	f.pipeline.Activate()
	defer f.pipeline.Teardown()

	f.pipeline.AddMultipleEvents([]Input{click(1), click(2), click(3)})
	f.pipeline.AddEvent(click(4), true)

	require.Eventually(t, func() bool {
		return f.channel.forcedCount() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.channel.forcedCount())
}

func TestPipeline_FiredTimerReplacedWhileWaiting(t *testing.T) {
	config := testConfig()
	config.Delay = time.Millisecond
	f := newFixture(t, config, nil)
	f.pipeline.Activate()
	defer f.pipeline.Teardown()

	// Arm and hold the lock until the timer has fired and is waiting on it,
	// then re-arm with a long delay.
	f.pipeline.mu.Lock()
	ps := f.pipeline.ps
	f.pipeline.scheduleFlushLocked(ps)
	time.Sleep(30 * time.Millisecond)
	f.pipeline.config.Delay = time.Hour
	f.pipeline.scheduleFlushLocked(ps)
	rearmed := ps.flush
	f.pipeline.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, f.channel.forcedCount())

	f.pipeline.mu.Lock()
	assert.Same(t, rearmed, ps.flush)
	f.pipeline.mu.Unlock()
}

func TestPipeline_AddWithoutScheduleDoesNotFlush(t *testing.T) {
	config := testConfig()
	config.Delay = 5 * time.Millisecond
	f := newFixture(t, config, nil)
	f.pipeline.Activate()
	defer f.pipeline.Teardown()

	f.pipeline.AddEvent(click(1), false)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, f.channel.forcedCount())
}

func TestPipeline_UnloadListenerTearsDown(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Activate()
	require.Equal(t, 1, f.host.Listeners("unload"))

	f.host.Dispatch("unload")

	assert.Equal(t, StateUnloaded, f.pipeline.State())
	assert.Equal(t, 0, f.host.Listeners("beforeunload"))
}

func TestPipeline_BindDetachesAtTeardown(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Activate()

	calls := 0
	f.pipeline.Bind("click", func() { calls++ })
	f.host.Dispatch("click")
	f.pipeline.Teardown()
	f.host.Dispatch("click")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, f.host.Listeners("click"))
}

func TestPipeline_SetPageInfo(t *testing.T) {
	config := testConfig()
	config.Instrument = true
	f := newFixture(t, config, nil)

	assert.True(t, f.pipeline.OnSetPageInfo("page-1", "user-1"))
	f.pipeline.Activate()
	envelope, ok := f.pipeline.Envelope()
	require.True(t, ok)
	assert.Equal(t, "page-1", envelope.PageID)
	assert.Equal(t, "user-1", envelope.UserID)

	assert.False(t, f.pipeline.OnSetPageInfo("page-2", "user-2"))
	envelope, _ = f.pipeline.Envelope()
	assert.Equal(t, "page-1", envelope.PageID)
	assert.Len(t, f.pipeline.Pending(), 1)
}

func TestPipeline_CustomEventsRequireActivation(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.OnCustomEvent(codec.Pair{Key: "k", Value: "v"})
	f.pipeline.AddEvent(click(1), true)

	f.pipeline.Activate()
	f.pipeline.OnCustomEvent(codec.Pair{Key: "k", Value: "v"})
	assert.Equal(t, []int64{0}, f.pipeline.Pending())
}

func TestPipeline_UploadErrorsAreMarked(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Activate()
	defer f.pipeline.Teardown()

	f.pipeline.ReportUploadError(503, "unavailable")

	f.channel.mu.Lock()
	defer f.channel.mu.Unlock()
	require.Len(t, f.channel.submitted, 1)
	assert.True(t, f.channel.submitted[0].IsErrorEvent)
}

func TestPipeline_ConfigureWhileActive(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.pipeline.Activate()
	err := f.pipeline.Configure(DefaultConfig())
	assert.ErrorIs(t, err, ErrActive)

	f.pipeline.Teardown()
	assert.NoError(t, f.pipeline.Configure(testConfig()))
}

type eventPlugin struct {
	mu        sync.Mutex
	reset     bool
	tornDown  bool
	activated bool
}

func (e *eventPlugin) Reset() { e.reset = true }

func (e *eventPlugin) Activate(p *Pipeline) error {
	e.activated = true
	p.AddEvent(Input{Kind: models.KindTag, State: codec.Tag{Key: "plugin", Values: []string{"on"}}}, false)
	return nil
}

func (e *eventPlugin) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tornDown = true
}

func TestPipeline_Plugins(t *testing.T) {
	plugin := &eventPlugin{}
	RegisterPlugin("test-events", func() Plugin { return plugin })
	assert.Contains(t, RegisteredPlugins(), "test-events")

	config := testConfig()
	config.Plugins = []string{"test-events"}
	f := newFixture(t, config, nil)
	f.pipeline.Activate()

	require.Equal(t, StateActivated, f.pipeline.State())
	assert.True(t, plugin.reset)
	assert.True(t, plugin.activated)
	assert.Equal(t, []int64{0}, f.pipeline.Pending())

	f.pipeline.Teardown()
	assert.True(t, plugin.tornDown)
}

func TestPipeline_UnknownPluginAbortsActivation(t *testing.T) {
	config := testConfig()
	config.Plugins = []string{"does-not-exist"}
	f := newFixture(t, config, nil)
	f.pipeline.Activate()
	assert.Equal(t, StateUnloaded, f.pipeline.State())
}

func TestPipeline_WithCompressionWorker(t *testing.T) {
	uploader := &recordingUploader{}
	config := testConfig()
	p := New(config, Options{Uploader: uploader, Logger: zap.NewNop()})
	p.Activate()
	defer p.Teardown()

	p.AddMultipleEvents([]Input{click(1), click(2)})
	p.Flush()

	require.Eventually(t, func() bool {
		return len(uploader.all()) == 1 && len(p.Pending()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	payload := uploader.all()[0].raw
	assert.Len(t, payload.Events, 2)
	assert.Equal(t, 0, payload.Envelope.Sequence)
	envelope, _ := p.Envelope()
	assert.Equal(t, 1, envelope.Sequence)
}

func TestPingPlugin_HeartbeatUntilTeardown(t *testing.T) {
	assert.Contains(t, RegisteredPlugins(), PingPluginName)
	RegisterPlugin("test-ping", func() Plugin { return NewPingPlugin(2*time.Millisecond, 4*time.Millisecond) })

	config := testConfig()
	config.Plugins = []string{"test-ping"}
	f := newFixture(t, config, nil)
	f.pipeline.Activate()
	require.Equal(t, StateActivated, f.pipeline.State())

	require.Eventually(t, func() bool {
		return len(f.channel.submittedIDs()) >= 3
	}, 2*time.Second, time.Millisecond)

	f.pipeline.Teardown()
	after := len(f.channel.submittedIDs())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, len(f.channel.submittedIDs()))

	uploads := f.uploader.all()
	require.Len(t, uploads, 1)
	for _, tokens := range uploads[0].raw.Events {
		kind, _ := tokens.Kind()
		assert.Equal(t, models.KindPing, kind)
	}
}
