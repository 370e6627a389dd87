package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const deliveryTimeout = 15 * time.Second

// Dispatcher delivers messages serially on a background goroutine so that
// a slow or failing channel never blocks the trading session.
type Dispatcher struct {
	notifier Notifier
	queue    chan Message
	stopChan chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher with a buffered queue of queueSize messages.
func NewDispatcher(notifier Notifier, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		notifier: notifier,
		queue:    make(chan Message, queueSize),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		logger:   logger,
	}
}

// Start begins the delivery loop.
func (d *Dispatcher) Start() {
	go d.loop()
	d.logger.Debug("Notification dispatcher started.")
}

// Send enqueues a message. A full queue or a stopped dispatcher drops it.
func (d *Dispatcher) Send(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = d.now()
	}
	select {
	case <-d.stopChan:
		d.logger.Warn("Notification dropped, dispatcher stopped", zap.String("title", msg.Title))
		return
	default:
	}
	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("Notification dropped, queue full", zap.String("title", msg.Title))
	}
}

// Stop delivers what is already queued, giving up after timeout.
func (d *Dispatcher) Stop(timeout time.Duration) {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		select {
		case <-d.done:
		case <-time.After(timeout):
			d.cancel()
			<-d.done
			d.logger.Warn("Notification dispatcher stopped before draining the queue")
		}
		d.cancel()
	})
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case msg := <-d.queue:
			d.deliver(msg)
		case <-d.stopChan:
			for {
				select {
				case msg := <-d.queue:
					if d.ctx.Err() != nil {
						return
					}
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(d.ctx, deliveryTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, msg); err != nil {
		d.logger.Warn("Failed to deliver notification",
			zap.String("title", msg.Title),
			zap.String("level", msg.Level.String()),
			zap.Error(err))
	}
}
