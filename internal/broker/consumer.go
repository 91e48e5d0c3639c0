package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/metrics"
)

// Consumer subscribes to the task queue with manual acks and a bounded
// prefetch window. Deliveries from every connection epoch are funneled into
// one stable channel so the worker loop never has to notice a reconnect.
type Consumer struct {
	url            string
	queue          string
	queueMaxLength int
	prefetch       int
	tag            string
	backoff        Schedule
	dial           Dialer
	logger         *zap.Logger

	out chan amqp.Delivery

	mu       sync.RWMutex
	state    State
	conn     Connection
	ch       Channel
	closes   chan *amqp.Error
	canceled bool

	monitorCtx    context.Context
	cancelMonitor context.CancelFunc
	done          chan struct{}
	monitoring    bool
	closeOnce     sync.Once
}

// NewConsumer builds a consumer for the configured queue. Connect must be
// called before reading Deliveries.
func NewConsumer(cfg config.BrokerConfig, dial Dialer, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		url:            cfg.URL,
		queue:          cfg.QueueName,
		queueMaxLength: cfg.QueueMaxLength,
		prefetch:       cfg.PrefetchCount,
		tag:            "metadata-worker",
		backoff: Schedule{
			Initial:     cfg.InitialBackoff(),
			Max:         cfg.MaxBackoff(),
			Multiplier:  cfg.BackoffMultiplier,
			MaxAttempts: cfg.MaxConnectionAttempts,
		},
		dial:          dial,
		logger:        logger,
		state:         StateDisconnected,
		out:           make(chan amqp.Delivery),
		monitorCtx:    ctx,
		cancelMonitor: cancel,
		done:          make(chan struct{}),
	}
}

// Connect dials the broker until the subscription is live, backing off
// between attempts, and fails once the configured attempts are spent.
func (c *Consumer) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		c.setState(StateConnecting)
		c.logger.Info("rmq_connect_attempt",
			zap.Int("attempt", attempt),
			zap.Duration("delay", c.backoff.Delay(attempt)),
		)
		err := c.establish()
		if err == nil {
			c.logger.Info("rmq_connected", zap.String("queue", c.queue))
			c.startMonitor()
			return nil
		}
		c.logger.Warn("rmq_connect_failed", zap.Int("attempt", attempt), zap.Error(err))
		if c.backoff.Exhausted(attempt) {
			c.setState(StateDisconnected)
			return fmt.Errorf("connect to broker after %d attempts: %w", attempt, err)
		}
		if werr := c.backoff.Wait(ctx, attempt); werr != nil {
			c.setState(StateDisconnected)
			return werr
		}
	}
}

// establish walks the consumer ladder once: dial, open a channel, bound the
// prefetch window, declare the queue, subscribe.
func (c *Consumer) establish() error {
	conn, err := c.dial(c.url)
	if err != nil {
		return err
	}
	c.setState(StateConnected)

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.setState(StateChannelOpen)

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	if err := declareQueue(ch, c.queue, c.queueMaxLength); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	c.setState(StateQueueDeclared)

	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("consume %q: %w", c.queue, err)
	}

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.closes = closes
	c.state = StateReady
	c.mu.Unlock()

	go c.pump(deliveries)
	return nil
}

// pump forwards one epoch's deliveries to the stable channel. It exits when
// the broker closes the delivery stream or the consumer shuts down; unacked
// messages requeue on their own when the channel dies.
func (c *Consumer) pump(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		select {
		case c.out <- d:
		case <-c.monitorCtx.Done():
			return
		}
	}
}

func (c *Consumer) startMonitor() {
	c.mu.Lock()
	if c.monitoring {
		c.mu.Unlock()
		return
	}
	c.monitoring = true
	c.mu.Unlock()
	go c.monitor()
}

func (c *Consumer) monitor() {
	defer close(c.done)
	for {
		c.mu.RLock()
		closes := c.closes
		c.mu.RUnlock()

		select {
		case <-c.monitorCtx.Done():
			return
		case amqpErr := <-closes:
			c.logger.Warn("broker_disconnect_detected",
				zap.String("component", "consumer"),
				zap.String("cause", closeCause(amqpErr)),
			)
			if c.isCanceled() {
				// Draining. A new subscription would only pull fresh work.
				return
			}
			c.setState(StateReconnecting)
			if !c.reconnect() {
				return
			}
		}
	}
}

func (c *Consumer) isCanceled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.canceled
}

func (c *Consumer) reconnect() bool {
	sched := c.backoff.Unbounded()
	for attempt := 1; ; attempt++ {
		if c.monitorCtx.Err() != nil {
			return false
		}
		c.setState(StateReconnecting)
		c.logger.Info("rmq_reconnect_attempt",
			zap.Int("attempt", attempt),
			zap.Duration("delay", sched.Delay(attempt)),
		)
		err := c.establish()
		if err == nil {
			metrics.ObserveBrokerReconnect("consumer")
			c.logger.Info("rmq_reconnected", zap.Int("attempt", attempt))
			return true
		}
		c.logger.Warn("rmq_connect_failed", zap.Int("attempt", attempt), zap.Error(err))
		if err := sched.Wait(c.monitorCtx, attempt); err != nil {
			return false
		}
	}
}

// Deliveries is the stable stream the worker consumes. It is never closed;
// callers stop reading when their context ends.
func (c *Consumer) Deliveries() <-chan amqp.Delivery {
	return c.out
}

// Cancel stops the subscription so no new deliveries arrive. Messages
// already handed to the worker stay in flight and must still be acked.
func (c *Consumer) Cancel(ctx context.Context) error {
	c.mu.Lock()
	c.canceled = true
	state := c.state
	ch := c.ch
	c.mu.Unlock()

	if state != StateReady || ch == nil {
		return nil
	}
	if err := ch.Cancel(c.tag, false); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// Close stops the monitor and tears the connection down. Safe to call more
// than once.
func (c *Consumer) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.cancelMonitor()

		c.mu.RLock()
		monitoring := c.monitoring
		c.mu.RUnlock()
		if monitoring {
			select {
			case <-c.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		c.mu.Lock()
		if c.ch != nil {
			_ = c.ch.Close()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.state = StateClosed
		c.mu.Unlock()

		c.logger.Info("consumer_shutdown")
	})
	return err
}

// ConnState exposes the current lifecycle state for logs and tests.
func (c *Consumer) ConnState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
