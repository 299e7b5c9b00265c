package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	minio "github.com/minio/minio-go/v7"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/anomaly-hunter/internal/db"
	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/contracts"
)

func testVerdict(runID string, severity int) *models.Verdict {
	return &models.Verdict{
		RunID:          runID,
		Timestamp:      time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC),
		Severity:       severity,
		Confidence:     0.7,
		AnomalyIndices: []int{25, 28},
		Recommendation: "HIGH: Investigate within 1 hour",
		Summary:        "statistical: 2 outliers",
		Findings: []models.Finding{
			{Strategy: models.StrategyStatistical, Severity: severity, Confidence: 0.7, AnomalyIndices: []int{25, 28}},
		},
		Skipped: []models.SkippedStrategy{
			{Strategy: models.StrategyDrift, Reason: "timeout"},
			{Strategy: models.StrategyCluster, Reason: "error"},
		},
	}
}

// ─── Ring buffer ───────────────────────────────────────────────────────────────

func TestRingBuffer_Wraps(t *testing.T) {
	rb := newRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.Push(&contracts.DetectionEvent{Severity: i})
	}
	snap := rb.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 3, snap[0].Severity)
	assert.Equal(t, 5, snap[2].Severity)
}

func TestRecentEvents_NewestFirstWithFilter(t *testing.T) {
	r := NewRecentEvents(10)
	ctx := context.Background()
	for i, sev := range []int{2, 8, 5, 9} {
		v := testVerdict(string(rune('a'+i)), sev)
		require.NoError(t, r.Publish(ctx, v, contracts.NewDetectionEvent(v)))
	}

	all := r.Recent(0, 0)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].RunID)

	high := r.Recent(10, 5)
	require.Len(t, high, 3)
	assert.Equal(t, []string{"d", "c", "b"}, []string{high[0].RunID, high[1].RunID, high[2].RunID})

	one := r.Recent(1, 0)
	require.Len(t, one, 1)
	assert.Equal(t, "d", one[0].RunID)
}

func TestRecentEvents_Stats(t *testing.T) {
	r := NewRecentEvents(2)
	ctx := context.Background()
	for i, sev := range []int{3, 7, 6} {
		v := testVerdict(string(rune('a'+i)), sev)
		require.NoError(t, r.Publish(ctx, v, contracts.NewDetectionEvent(v)))
	}
	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.Buffered)
	assert.Equal(t, 7, stats.MaxSeverity)
	assert.Equal(t, 2, stats.DegradedEvents)
	assert.Equal(t, 2, stats.SkippedByReason["drift"])
}

// ─── Dispatcher ───────────────────────────────────────────────────────────────

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []contracts.DetectionEvent
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, _ *models.Verdict, ev contracts.DetectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_FansOutAndDrainsOnClose(t *testing.T) {
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("unreachable")}
	d := NewDispatcher(DispatcherOptions{QueueSize: 16}, good, bad)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.RecordDetectionEvent(context.Background(), testVerdict("run", 6)))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, 5, good.count())
	assert.Equal(t, 5, bad.count(), "a failing sink still receives every event")

	err := d.RecordDetectionEvent(context.Background(), testVerdict("late", 6))
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	require.NoError(t, d.Close(), "Close is idempotent")
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Publish(ctx context.Context, _ *models.Verdict, _ contracts.DetectionEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(DispatcherOptions{QueueSize: 1}, sink)

	var dropped int
	for i := 0; i < 10; i++ {
		if err := d.RecordDetectionEvent(context.Background(), testVerdict("run", 5)); err != nil {
			dropped++
		}
	}
	assert.Greater(t, dropped, 0)

	close(sink.release)
	require.NoError(t, d.Close())
}

// ─── Kafka sink ───────────────────────────────────────────────────────────────

type fakeKafkaWriter struct {
	mock.Mock
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msg ...kafkago.Message) error {
	args := f.Called(ctx, msg)
	return args.Error(0)
}

func TestKafkaSink_WritesKeyedMessage(t *testing.T) {
	fw := fakeKafkaWriter{}
	fw.On("WriteMessages", mock.Anything, mock.Anything).Return(nil)
	sink := &KafkaSink{topic: DefaultKafkaTopic, writer: &fw}

	v := testVerdict("run-42", 7)
	require.NoError(t, sink.Publish(context.Background(), v, contracts.NewDetectionEvent(v)))

	fw.AssertNumberOfCalls(t, "WriteMessages", 1)
	msgs := fw.Calls[0].Arguments.Get(1).([]kafkago.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-42", string(msgs[0].Key))

	var decoded contracts.DetectionEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, 7, decoded.Severity)
	assert.Equal(t, []int{25, 28}, decoded.Anomalies)
	assert.True(t, decoded.Degraded)
}

func TestKafkaSink_WrapsWriteError(t *testing.T) {
	fw := fakeKafkaWriter{}
	fw.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	sink := &KafkaSink{topic: "t", writer: &fw}

	v := testVerdict("run-1", 3)
	err := sink.Publish(context.Background(), v, contracts.NewDetectionEvent(v))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)

	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Balancer: "RoundRobin"})
	require.NoError(t, err)
	assert.Equal(t, DefaultKafkaTopic, sink.topic)
	require.NoError(t, sink.Close())
}

// ─── Archive sink ─────────────────────────────────────────────────────────────

type fakeObjectPutter struct {
	bucket string
	object string
	body   []byte
	opts   minio.PutObjectOptions
	err    error
}

func (f *fakeObjectPutter) PutObject(_ context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, reader); err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(buf.Len()) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	f.bucket, f.object, f.body, f.opts = bucket, object, buf.Bytes(), opts
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestArchiveSink_PartitionedObject(t *testing.T) {
	putter := &fakeObjectPutter{}
	sink := &ArchiveSink{cfg: ArchiveConfig{Bucket: "verdicts", Prefix: "runs/"}, client: putter}

	v := testVerdict("run-9", 8)
	require.NoError(t, sink.Publish(context.Background(), v, contracts.NewDetectionEvent(v)))

	assert.Equal(t, "verdicts", putter.bucket)
	assert.Equal(t, "runs/year=2024/month=03/day=07/run-9.json", putter.object)
	assert.Equal(t, "application/json", putter.opts.ContentType)

	var decoded struct {
		Version string         `json:"version"`
		Verdict models.Verdict `json:"verdict"`
	}
	require.NoError(t, json.Unmarshal(putter.body, &decoded))
	assert.Equal(t, archiveVersion, decoded.Version)
	assert.Equal(t, 8, decoded.Verdict.Severity)
}

func TestArchiveSink_Error(t *testing.T) {
	sink := &ArchiveSink{cfg: ArchiveConfig{Bucket: "b"}, client: &fakeObjectPutter{err: errors.New("denied")}}
	v := testVerdict("run-1", 2)
	assert.Error(t, sink.Publish(context.Background(), v, contracts.NewDetectionEvent(v)))
}

// ─── Run store sink ───────────────────────────────────────────────────────────

func TestRunStoreSink_StoresVerdict(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	sink := NewRunStoreSink(store)
	v := testVerdict("run-7", 7)
	ctx := context.Background()
	require.NoError(t, sink.Publish(ctx, v, contracts.NewDetectionEvent(v)))
	require.NoError(t, sink.Publish(ctx, v, contracts.NewDetectionEvent(v)), "duplicate is ignored")

	rec, err := store.GetRun(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, 7, rec.Severity)
	assert.Equal(t, 2, rec.AnomalyCount)
	assert.True(t, rec.Degraded)

	var stored models.Verdict
	require.NoError(t, json.Unmarshal([]byte(rec.Verdict), &stored))
	assert.Equal(t, "run-7", stored.RunID)
}
