package compress

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/models"
)

func testEnvelope() models.Envelope {
	return models.Envelope{Version: models.Version, ProjectID: "proj", UserID: "user", SessionID: "sess", PageID: "page"}
}

func event(t float64) models.Tokens {
	return models.Tokens{t, float64(models.KindClick), 1.0, 2.0, 3.0}
}

func receive(t *testing.T, w *Worker) CompressedBatch {
	t.Helper()
	select {
	case b := <-w.Batches():
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return CompressedBatch{}
	}
}

func TestWorker_ForceCompressionEmitsBatch(t *testing.T) {
	w := NewWorker(testEnvelope(), DefaultPolicy(), zap.NewNop())
	defer w.Terminate()

	w.Submit(AddEvent{ID: 0, Event: event(1), Time: 1})
	w.Submit(AddEvent{ID: 1, Event: event(2), Time: 2})
	w.ForceCompression(50)

	b := receive(t, w)
	assert.Equal(t, []int64{0, 1}, b.IDs)
	assert.Len(t, b.RawData.Events, 2)
	assert.Equal(t, 0, b.SequenceNumber())
	assert.Equal(t, 50.0, b.RawData.Envelope.Elapsed)
	assert.Equal(t, 2.0, b.RawData.Metrics[models.MetricEventCount])

	raw, err := Decompress(b.CompressedData, 0)
	require.NoError(t, err)
	var decoded models.Payload
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, b.RawData.Envelope, decoded.Envelope)

	w.Submit(AddEvent{ID: 2, Event: event(3), Time: 3})
	w.ForceCompression(60)
	next := receive(t, w)
	assert.Equal(t, 1, next.SequenceNumber())
	assert.Equal(t, []int64{2}, next.IDs)
}

func TestWorker_BatchLimitSplitsWithoutGaps(t *testing.T) {
	size := len(mustMarshal(t, event(1)))
	w := NewWorker(testEnvelope(), Policy{BatchLimit: 2 * size}, zap.NewNop())
	defer w.Terminate()

	for i := 0; i < 5; i++ {
		w.Submit(AddEvent{ID: int64(i), Event: event(1), Time: float64(i)})
	}
	w.ForceCompression(10)

	var ids []int64
	for len(ids) < 5 {
		b := receive(t, w)
		assert.LessOrEqual(t, len(b.IDs), 2)
		ids = append(ids, b.IDs...)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, ids)
}

func TestWorker_ErrorEventsDoNotSplit(t *testing.T) {
	size := len(mustMarshal(t, event(1)))
	w := NewWorker(testEnvelope(), Policy{BatchLimit: size}, zap.NewNop())
	defer w.Terminate()

	w.Submit(AddEvent{ID: 0, Event: event(1)})
	w.Submit(AddEvent{ID: 1, Event: event(2), IsErrorEvent: true})
	w.ForceCompression(3)

	b := receive(t, w)
	assert.Equal(t, []int64{0, 1}, b.IDs)
}

func TestWorker_ForceCompressionWithNothingPending(t *testing.T) {
	w := NewWorker(testEnvelope(), DefaultPolicy(), zap.NewNop())
	defer w.Terminate()

	w.ForceCompression(1)

	select {
	case b := <-w.Batches():
		t.Fatalf("unexpected batch %+v", b.IDs)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorker_TerminateIsIdempotentAndDropsMessages(t *testing.T) {
	w := NewWorker(testEnvelope(), DefaultPolicy(), zap.NewNop())

	w.Terminate()
	w.Terminate()

	// Posting after termination must neither block nor panic.
	w.Submit(AddEvent{ID: 0, Event: event(1)})
	w.ForceCompression(1)

	select {
	case <-w.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestDecompress_Limit(t *testing.T) {
	data, err := CompressBytes([]byte("0123456789"))
	require.NoError(t, err)
	assert.True(t, IsGzip(data))

	_, err = Decompress(data, 5)
	assert.Error(t, err)

	out, err := Decompress(data, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(out))
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
