package events

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	errPublisherClosed = errors.New("events: publisher closed")
	errQueueFull       = errors.New("events: queue full")
)

// KafkaOptions tunes the local queues and retry policy in front of the
// producer. QueueSize bounds each worker's queue.
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
}

// KafkaPublisher queues events locally and sends them from background
// workers, so Publish never waits on the broker. Every document is pinned to
// one worker and events are keyed by document id, so a document's events
// reach its partition in publish order.
type KafkaPublisher struct {
	producer    sarama.SyncProducer
	topic       string
	queues      []chan Event
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewKafkaPublisher starts the worker pool for the given producer and topic.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, opts KafkaOptions) *KafkaPublisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := &KafkaPublisher{
		producer:    producer,
		topic:       topic,
		queues:      make([]chan Event, opts.Workers),
		maxRetry:    opts.MaxRetry,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		logger:      logger,
		closed:      make(chan struct{}),
	}
	for workerID := range publisher.queues {
		publisher.queues[workerID] = make(chan Event, opts.QueueSize)
		publisher.wg.Add(1)
		go publisher.workerLoop(workerID)
	}
	return publisher
}

// Publish offers the event to its document's worker without waiting. A full
// queue drops the event and reports errQueueFull.
func (p *KafkaPublisher) Publish(_ context.Context, event Event) error {
	select {
	case <-p.closed:
		return errPublisherClosed
	default:
	}
	select {
	case p.queueFor(event.DocumentID) <- event:
		return nil
	default:
		p.logger.Warn("kafka queue full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("document_id", event.DocumentID))
		return errQueueFull
	}
}

func (p *KafkaPublisher) queueFor(documentID string) chan Event {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(documentID))
	return p.queues[hasher.Sum32()%uint32(len(p.queues))]
}

// Close stops accepting events, drains the queue and closes the producer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
		err = p.producer.Close()
	})
	return err
}

func (p *KafkaPublisher) workerLoop(workerID int) {
	defer p.wg.Done()
	queue := p.queues[workerID]
	for {
		select {
		case event := <-queue:
			p.sendWithRetry(workerID, event)
		case <-p.closed:
			for {
				select {
				case event := <-queue:
					p.sendWithRetry(workerID, event)
				default:
					return
				}
			}
		}
	}
}

func (p *KafkaPublisher) sendWithRetry(workerID int, event Event) {
	for attempt := 0; attempt <= p.maxRetry; attempt++ {
		err := p.sendOnce(event)
		if err == nil {
			return
		}
		if attempt == p.maxRetry {
			p.logger.Warn("kafka send failed, dropping event",
				zap.String("event_type", string(event.Type)),
				zap.String("document_id", event.DocumentID),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}
		backoff := p.baseBackoff * time.Duration(1<<attempt)
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.DocumentID),
		Value: sarama.ByteEncoder(body),
	})
	return err
}

// NewSyncProducer dials the brokers with the settings a SyncProducer requires.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, config)
}
