package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/metadata"
	"github.com/JakeFAU/metadata-inventory/internal/metrics"
)

// Publisher maintains a confirmed channel to the task queue and publishes
// one envelope at a time. Publishes are serialized so every confirm on the
// channel belongs to exactly one in-flight message.
type Publisher struct {
	url            string
	queue          string
	queueMaxLength int
	confirmTimeout time.Duration
	backoff        Schedule
	dial           Dialer
	logger         *zap.Logger

	// pubMu serializes Publish so at most one confirm is outstanding.
	pubMu sync.Mutex

	mu       sync.RWMutex
	state    State
	conn     Connection
	ch       Channel
	confirms chan amqp.Confirmation
	closes   chan *amqp.Error

	monitorCtx    context.Context
	cancelMonitor context.CancelFunc
	done          chan struct{}
	monitoring    bool
	closeOnce     sync.Once
}

// NewPublisher builds a publisher for the configured queue. Connect must be
// called before the first Publish.
func NewPublisher(cfg config.BrokerConfig, dial Dialer, logger *zap.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		url:            cfg.URL,
		queue:          cfg.QueueName,
		queueMaxLength: cfg.QueueMaxLength,
		confirmTimeout: cfg.ConfirmTimeout(),
		backoff: Schedule{
			Initial:     cfg.InitialBackoff(),
			Max:         cfg.MaxBackoff(),
			Multiplier:  cfg.BackoffMultiplier,
			MaxAttempts: cfg.MaxConnectionAttempts,
		},
		dial:          dial,
		logger:        logger,
		state:         StateDisconnected,
		monitorCtx:    ctx,
		cancelMonitor: cancel,
		done:          make(chan struct{}),
	}
}

// Connect dials the broker until the publisher is ready, backing off between
// attempts. It fails once the configured attempts are spent so a broker that
// is down at boot surfaces as a startup error instead of a silent hang.
func (p *Publisher) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		p.setState(StateConnecting)
		p.logger.Info("rmq_connect_attempt",
			zap.Int("attempt", attempt),
			zap.Duration("delay", p.backoff.Delay(attempt)),
		)
		err := p.establish()
		if err == nil {
			p.logger.Info("rmq_connected", zap.String("queue", p.queue))
			p.startMonitor()
			return nil
		}
		p.logger.Warn("rmq_connect_failed", zap.Int("attempt", attempt), zap.Error(err))
		if p.backoff.Exhausted(attempt) {
			p.setState(StateDisconnected)
			return fmt.Errorf("connect to broker after %d attempts: %w", attempt, err)
		}
		if werr := p.backoff.Wait(ctx, attempt); werr != nil {
			p.setState(StateDisconnected)
			return werr
		}
	}
}

// establish walks the connection ladder once: dial, open a channel, enable
// confirms, declare the queue. On success the publisher is ready.
func (p *Publisher) establish() error {
	conn, err := p.dial(p.url)
	if err != nil {
		return err
	}
	p.setState(StateConnected)

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	p.setState(StateChannelOpen)

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	p.setState(StateConfirmEnabled)
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	if err := declareQueue(ch, p.queue, p.queueMaxLength); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.setState(StateQueueDeclared)

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.confirms = confirms
	p.closes = closes
	p.state = StateReady
	p.mu.Unlock()
	return nil
}

func (p *Publisher) startMonitor() {
	p.mu.Lock()
	if p.monitoring {
		p.mu.Unlock()
		return
	}
	p.monitoring = true
	p.mu.Unlock()
	go p.monitor()
}

// monitor watches for connection loss and drives unbounded reconnects. It
// exits only when Close cancels it.
func (p *Publisher) monitor() {
	defer close(p.done)
	for {
		p.mu.RLock()
		closes := p.closes
		p.mu.RUnlock()

		select {
		case <-p.monitorCtx.Done():
			return
		case amqpErr := <-closes:
			p.setState(StateReconnecting)
			p.logger.Warn("broker_disconnect_detected",
				zap.String("component", "publisher"),
				zap.String("cause", closeCause(amqpErr)),
			)
			if !p.reconnect() {
				return
			}
		}
	}
}

// reconnect retries the ladder forever until it succeeds or the publisher is
// closed. Reports whether the publisher is ready again.
func (p *Publisher) reconnect() bool {
	sched := p.backoff.Unbounded()
	for attempt := 1; ; attempt++ {
		if p.monitorCtx.Err() != nil {
			return false
		}
		p.setState(StateReconnecting)
		p.logger.Info("rmq_reconnect_attempt",
			zap.Int("attempt", attempt),
			zap.Duration("delay", sched.Delay(attempt)),
		)
		err := p.establish()
		if err == nil {
			metrics.ObserveBrokerReconnect("publisher")
			p.logger.Info("rmq_reconnected", zap.Int("attempt", attempt))
			return true
		}
		p.logger.Warn("rmq_connect_failed", zap.Int("attempt", attempt), zap.Error(err))
		if err := sched.Wait(p.monitorCtx, attempt); err != nil {
			return false
		}
	}
}

// Ready reports whether a publish would be attempted right now.
func (p *Publisher) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StateReady
}

// Publish sends one task envelope as a persistent message and waits for the
// broker confirm. The sentinel errors tell the API layer which 503 reason to
// report: ErrNotReady, ErrQueueRejected, ErrConnectionLost, ErrConfirmTimeout.
func (p *Publisher) Publish(ctx context.Context, task metadata.TaskMessage) error {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	start := time.Now()

	p.mu.RLock()
	state := p.state
	conn := p.conn
	ch := p.ch
	confirms := p.confirms
	p.mu.RUnlock()

	switch state {
	case StateClosing, StateClosed:
		return ErrClosed
	case StateReady:
	default:
		return ErrNotReady
	}

	body, err := task.Encode()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.RequestID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		p.failPublish(task, start, "write", err)
		p.teardown(conn)
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case conf, ok := <-confirms:
		if !ok {
			p.failPublish(task, start, "channel_closed", ErrConnectionLost)
			return ErrConnectionLost
		}
		if !conf.Ack {
			metrics.ObservePublish(metrics.PublishRejected, time.Since(start))
			p.logger.Warn("publish_rejected",
				zap.String("request_id", task.RequestID),
				zap.String("url", task.URL),
			)
			return ErrQueueRejected
		}
		metrics.ObservePublish(metrics.PublishSuccess, time.Since(start))
		p.logger.Info("publish_success",
			zap.String("request_id", task.RequestID),
			zap.String("url", task.URL),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
		return nil
	case <-timer.C:
		p.failPublish(task, start, "confirm_timeout", ErrConfirmTimeout)
		p.teardown(conn)
		return ErrConfirmTimeout
	case <-ctx.Done():
		p.failPublish(task, start, "context", ctx.Err())
		return fmt.Errorf("%w: %v", ErrConfirmTimeout, ctx.Err())
	}
}

func (p *Publisher) failPublish(task metadata.TaskMessage, start time.Time, reason string, err error) {
	metrics.ObservePublish(metrics.PublishFailed, time.Since(start))
	p.logger.Warn("publish_failed",
		zap.String("request_id", task.RequestID),
		zap.String("url", task.URL),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// teardown force-closes the connection a publish was using. A confirm that
// never arrived means the channel can no longer be trusted, so the monitor
// is made to rebuild it from scratch.
func (p *Publisher) teardown(conn Connection) {
	p.mu.Lock()
	if p.state == StateReady && p.conn == conn {
		p.state = StateReconnecting
	}
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close stops the monitor, waits for any in-flight publish, closes the
// channel and connection, and leaves the publisher unusable. Safe to call
// more than once.
func (p *Publisher) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.setState(StateClosing)
		p.cancelMonitor()

		p.mu.RLock()
		monitoring := p.monitoring
		p.mu.RUnlock()
		if monitoring {
			select {
			case <-p.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		// Holding pubMu lets an in-flight publish finish its confirm wait
		// before the channel goes away. The wait is bounded by the confirm
		// timeout.
		p.pubMu.Lock()
		p.mu.Lock()
		if p.ch != nil {
			_ = p.ch.Close()
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.state = StateClosed
		p.mu.Unlock()
		p.pubMu.Unlock()

		p.logger.Info("publisher_shutdown")
	})
	return err
}

// ConnState exposes the current lifecycle state for logs and tests.
func (p *Publisher) ConnState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Publisher) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func closeCause(err *amqp.Error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
