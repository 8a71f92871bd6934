package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// EventDispatcher decouples the commit path from Kafka: Enqueue only puts
// the event on a local bounded queue; workers send with bounded retries in
// the background. Events are droppable — downstream consumers tolerate gaps,
// a blocked commit path does not.
type EventDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan OpCommittedEvent
	sem   *Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type EventDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewEventDispatcher(producer sarama.SyncProducer, topic string, sem *Semaphore, opt EventDispatcherOptions) *EventDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	d := &EventDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan OpCommittedEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue queues an event for background delivery. It never blocks: the
// caller holds the per-document commit lock, so a full queue drops the event
// instead of stalling every commit behind Kafka.
func (d *EventDispatcher) Enqueue(evt OpCommittedEvent) {
	select {
	case d.queue <- evt:
	default:
		log.Printf("collab: event queue full, dropping entity=%s:%s rev=%d",
			evt.EntityType, evt.EntityID, evt.Revision)
	}
}

func (d *EventDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *EventDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *EventDispatcher) sendWithRetry(workerID int, evt OpCommittedEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			log.Printf("collab: kafka send failed, dropping entity=%s:%s rev=%d worker=%d err=%v",
				evt.EntityType, evt.EntityID, evt.Revision, workerID, err)
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *EventDispatcher) sendOnce(evt OpCommittedEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// Key by entity so one document's events stay on one partition.
		Key:   sarama.StringEncoder(evt.EntityType + ":" + evt.EntityID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
