// Package events provides an asynchronous bus that hands committed lock
// events to consumers such as the MQTT publisher, so that a slow or
// unreachable broker never holds up a lock request.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/locking"
	"github.com/trialvault/trialvault/internal/logger"
)

// Consumer receives events from the bus.
type Consumer interface {
	// Name identifies the consumer in logs
	Name() string

	locking.Publisher
}

// Config holds event bus configuration
type Config struct {
	// BufferSize is the number of events queued before new ones are dropped
	BufferSize int
	// Workers delivering events. With one worker consumers see events in
	// commit order.
	Workers int
	// DeliveryTimeout bounds a single consumer call
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:      1000,
		Workers:         1,
		DeliveryTimeout: 15 * time.Second,
	}
}

// Stats contains runtime statistics for monitoring
type Stats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
}

// Bus queues events and delivers them to every registered consumer on its
// own worker goroutines. It implements locking.Publisher.
type Bus struct {
	config Config
	log    logger.Logger

	eventChan chan *locking.Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.RWMutex
	consumers []Consumer
	running   bool
	closed    bool

	received       atomic.Uint64
	processed      atomic.Uint64
	dropped        atomic.Uint64
	consumerErrors atomic.Uint64
}

var _ locking.Publisher = (*Bus)(nil)

// NewBus creates a bus. Workers start with the first registered consumer.
func NewBus(cfg Config, log logger.Logger) *Bus {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if log == nil {
		log = logger.Global().Module("events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		config:    cfg,
		log:       log,
		eventChan: make(chan *locking.Event, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterConsumer adds a new event consumer
func (b *Bus) RegisterConsumer(consumer Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("event bus is shut down")
	}
	for _, existing := range b.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}
	b.consumers = append(b.consumers, consumer)
	b.log.Info("registered event consumer", logger.String("consumer", consumer.Name()))

	if !b.running {
		b.running = true
		for i := range b.config.Workers {
			b.wg.Go(func() { b.worker(i) })
		}
	}
	return nil
}

// Publish queues event without blocking. It fails when the buffer is full
// and the event is dropped. Without consumers, or after Shutdown, events
// are discarded silently.
func (b *Bus) Publish(_ context.Context, event *locking.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running || b.closed {
		return nil
	}

	select {
	case b.eventChan <- event:
		b.received.Add(1)
		return nil
	default:
		b.dropped.Add(1)
		return errors.Newf("event buffer full, dropped %s event", event.Action).
			Component("events").
			Category(errors.CategorySystem).
			Context("path", event.Path).
			Context("buffer_size", b.config.BufferSize).
			Build()
	}
}

func (b *Bus) worker(id int) {
	log := b.log.With(logger.Int("worker_id", id))
	log.Debug("worker started")

	for event := range b.eventChan {
		b.deliver(event, log)
	}
	log.Debug("worker stopped")
}

// deliver sends event to all registered consumers
func (b *Bus) deliver(event *locking.Event, log logger.Logger) {
	b.mu.RLock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.RUnlock()

	for _, consumer := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.consumerErrors.Add(1)
					log.Error("consumer panicked",
						logger.String("consumer", consumer.Name()),
						logger.Any("panic", r),
						logger.Path(event.Path))
				}
			}()

			ctx, cancel := context.WithTimeout(b.ctx, b.config.DeliveryTimeout)
			defer cancel()

			if err := consumer.Publish(ctx, event); err != nil {
				b.consumerErrors.Add(1)
				log.Warn("consumer failed to deliver event",
					logger.String("consumer", consumer.Name()),
					logger.Action(string(event.Action)),
					logger.Path(event.Path),
					logger.Error(err))
				return
			}
			b.processed.Add(1)
		}()
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered. When timeout expires in-flight deliveries are cancelled.
func (b *Bus) Shutdown(timeout time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.log.Info("shutting down event bus", logger.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		b.log.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		b.cancel()
		<-done
		b.log.Warn("event bus shutdown timeout exceeded", logger.Int("pending", len(b.eventChan)))
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Stats returns current event bus statistics
func (b *Bus) Stats() Stats {
	return Stats{
		EventsReceived:  b.received.Load(),
		EventsProcessed: b.processed.Load(),
		EventsDropped:   b.dropped.Load(),
		ConsumerErrors:  b.consumerErrors.Load(),
	}
}
