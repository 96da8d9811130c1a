// Package changefeed publishes every accepted shape write to a Kafka topic.
// Publishing is best effort: events are queued locally and dropped after the
// retry budget, so the feed never blocks or fails a canvas write.
package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	EventCreated       = "SHAPES_CREATED"
	EventUpdated       = "SHAPE_UPDATED"
	EventDeleted       = "SHAPES_DELETED"
	EventReordered     = "SHAPES_REORDERED"
	EventLocksReleased = "LOCKS_RELEASED"
)

type ShapeEvent struct {
	EventType string         `json:"eventType"`
	ShapeIDs  []string       `json:"shapeIds"`
	ActorID   string         `json:"actorId,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	AppliedAt time.Time      `json:"appliedAt"`
}

// key partitions events by their first shape so per-shape order holds.
func (e ShapeEvent) key() string {
	if len(e.ShapeIDs) > 0 {
		return e.ShapeIDs[0]
	}
	return e.ActorID
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxInFlight int64
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:   1024,
		Workers:     2,
		MaxInFlight: 16,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Dispatcher is a bounded local queue drained by workers that send through
// a sarama.SyncProducer with doubling backoff.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opt      Options

	queue chan ShapeEvent
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opt Options) *Dispatcher {
	def := DefaultOptions()
	if opt.QueueSize <= 0 {
		opt.QueueSize = def.QueueSize
	}
	if opt.Workers <= 0 {
		opt.Workers = def.Workers
	}
	if opt.MaxInFlight <= 0 {
		opt.MaxInFlight = def.MaxInFlight
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = def.MaxBackoff
	}
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		queue:    make(chan ShapeEvent, opt.QueueSize),
		sem:      semaphore.NewWeighted(opt.MaxInFlight),
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Enqueue waits for queue space until ctx is done.
func (d *Dispatcher) Enqueue(ctx context.Context, evt ShapeEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return context.Canceled
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt ShapeEvent) {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		_ = d.sem.Acquire(context.Background(), 1)
		err := d.sendOnce(evt)
		d.sem.Release(1)

		if err == nil {
			return
		}
		if attempt == d.opt.MaxRetry {
			logrus.WithFields(logrus.Fields{
				"event_type": evt.EventType,
				"shape_ids":  evt.ShapeIDs,
				"worker":     workerID,
				"error":      err,
			}).Warn("Failed to publish shape event, dropping")
			return
		}

		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt ShapeEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.key()),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewProducer connects a sync producer the way the dispatcher expects.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}
