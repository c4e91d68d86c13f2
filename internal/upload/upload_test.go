package upload

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/compress"
	"github.com/vincentbai/clarity-agent/internal/models"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func gzipped(t *testing.T) []byte {
	t.Helper()
	data, err := compress.CompressBytes([]byte(`{"e":[],"m":[],"d":[]}`))
	require.NoError(t, err)
	return data
}

func TestClient_UploadSendsHeadersAndBody(t *testing.T) {
	var (
		mu       sync.Mutex
		encoding string
		custom   string
		body     []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		encoding = r.Header.Get("Content-Encoding")
		custom = r.Header.Get("X-Project")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(Options{
		URL:     server.URL,
		Headers: map[string]string{"X-Project": "proj"},
		Retry:   fastRetry(),
		Logger:  zap.NewNop(),
	})
	payload := gzipped(t)
	c.Upload(payload, models.Payload{})
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "gzip", encoding)
	assert.Equal(t, "proj", custom)
	assert.Equal(t, payload, body)
	assert.Equal(t, len(payload), c.Sent())
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var reported atomic.Int32
	c := NewClient(Options{
		URL:     server.URL,
		Retry:   fastRetry(),
		OnError: func(int, string) { reported.Add(1) },
	})
	c.Upload(gzipped(t), models.Payload{})
	c.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(0), reported.Load())
}

func TestClient_ReportsPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	var status atomic.Int32
	c := NewClient(Options{
		URL:     server.URL,
		Retry:   fastRetry(),
		OnError: func(s int, _ string) { status.Store(int32(s)) },
	})
	c.Upload(gzipped(t), models.Payload{})
	c.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(http.StatusBadRequest), status.Load())
}

func TestClient_TotalLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	payload := gzipped(t)
	c := NewClient(Options{URL: server.URL, TotalLimit: len(payload) + 1, Retry: fastRetry()})
	c.Upload(payload, models.Payload{})
	c.Upload(payload, models.Payload{})
	c.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.NoError(t, c.reserve(1))
	assert.ErrorIs(t, c.reserve(1), ErrTotalLimit)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}

	tests := []struct {
		name    string
		attempt int
		status  int
		retry   bool
	}{
		{name: "network error", attempt: 1, status: 0, retry: true},
		{name: "server error", attempt: 1, status: 502, retry: true},
		{name: "throttled", attempt: 2, status: 429, retry: true},
		{name: "client error", attempt: 1, status: 400, retry: false},
		{name: "attempts exhausted", attempt: 3, status: 503, retry: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retry, p.ShouldRetry(tt.attempt, tt.status))
		})
	}

	assert.Equal(t, time.Duration(0), p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 3*time.Second, p.NextDelay(3))
}

type recordingSender struct {
	mu         sync.Mutex
	seqs       []int
	modes      []models.Upload
	compressed [][]byte
}

func (r *recordingSender) Upload(compressed []byte, raw models.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, raw.Envelope.Sequence)
	r.modes = append(r.modes, raw.Envelope.Upload)
	r.compressed = append(r.compressed, compressed)
}

func TestQueue_FlushInOrderAndDropOldest(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender, 2)

	for i := 0; i < 3; i++ {
		q.Enqueue(nil, models.Payload{Envelope: models.Envelope{Sequence: i}})
	}
	assert.Equal(t, 2, q.Len())

	q.Flush()

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []int{1, 2}, sender.seqs)
	assert.Equal(t, []models.Upload{models.UploadBackup, models.UploadBackup}, sender.modes)
}

func TestQueue_SentBytesCarryBackupMode(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender, 4)

	raw := models.Payload{Envelope: models.Envelope{Version: models.Version, PageID: "page", Sequence: 3}}
	asyncBytes, err := compress.Compress(raw)
	require.NoError(t, err)

	q.Enqueue(asyncBytes, raw)
	q.Flush()

	require.Len(t, sender.compressed, 1)
	data, err := compress.Decompress(sender.compressed[0], 0)
	require.NoError(t, err)
	var sent models.Payload
	require.NoError(t, json.Unmarshal(data, &sent))
	assert.Equal(t, models.UploadBackup, sent.Envelope.Upload)
	assert.Equal(t, 3, sent.Envelope.Sequence)
}
