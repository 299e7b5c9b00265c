package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/metrics"
	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/contracts"
)

// Package events publishes detection events to downstream collaborators.
//
// Responsibilities:
//   - Turn every completed verdict into a contracts.DetectionEvent
//   - Fan the event out to every configured sink
//   - Keep event delivery off the detection hot path (async queue)
//   - Isolate sinks from each other: one failing sink never blocks another
//   - Keep recent events in memory for the API
//
// Sinks:
//   - Ring buffer: last N events, served by GET /api/v1/events/recent
//   - Kafka: one JSON message per run on the events topic
//   - Archive: one JSON object per run in an S3-compatible bucket
//   - Run store: one detection_runs row per run
//   - Websocket hub: live stream to connected clients
//
// Delivery:
//   - At most once; a full queue drops the event and counts it
//   - Close drains the queue before returning

const (
	defaultQueueSize   = 256
	defaultSinkTimeout = 10 * time.Second
)

// ErrDispatcherClosed is returned for events submitted after Close.
var ErrDispatcherClosed = errors.New("event dispatcher closed")

// Sink consumes detection events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, verdict *models.Verdict, event contracts.DetectionEvent) error
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	QueueSize   int
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

// Dispatcher fans detection events out to sinks asynchronously.
type Dispatcher struct {
	sinks       []Sink
	queue       chan *models.Verdict
	sinkTimeout time.Duration
	logger      *zap.Logger

	mu        sync.RWMutex
	closed    bool
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher over the given sinks.
func NewDispatcher(opts DispatcherOptions, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Dispatcher{
		sinks:       sinks,
		queue:       make(chan *models.Verdict, opts.QueueSize),
		sinkTimeout: opts.SinkTimeout,
		logger:      opts.Logger,
		doneCh:      make(chan struct{}),
	}
	go d.run()
	return d
}

// RecordDetectionEvent enqueues a verdict for publication. It never blocks.
func (d *Dispatcher) RecordDetectionEvent(_ context.Context, v *models.Verdict) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- v:
		return nil
	default:
		metrics.EventsPublishedTotal.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("event queue full, dropping detection event", zap.String("run_id", v.RunID))
		return errors.New("event queue full")
	}
}

// Close stops accepting events and waits until queued ones are published.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	<-d.doneCh
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for v := range d.queue {
		d.publish(v)
	}
}

func (d *Dispatcher) publish(v *models.Verdict) {
	event := contracts.NewDetectionEvent(v)

	var wg sync.WaitGroup
	for _, s := range d.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout)
			defer cancel()

			if err := s.Publish(ctx, v, event); err != nil {
				metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "error").Inc()
				d.logger.Warn("failed to publish detection event",
					zap.String("sink", s.Name()),
					zap.String("run_id", v.RunID),
					zap.Error(err),
				)
				return
			}
			metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "success").Inc()
		}(s)
	}
	wg.Wait()
}
