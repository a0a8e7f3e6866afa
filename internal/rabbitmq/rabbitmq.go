package rabbitmq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/publish-studio/scheduler-svc/internal/config"
)

var (
	// ErrNotConnected is returned by operations attempted without a live channel
	ErrNotConnected = errors.New("RabbitMQ channel is not initialized or closed")
	// ErrClosed is returned when connecting after Close
	ErrClosed = errors.New("RabbitMQ connection has been closed")
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Dialer opens an AMQP connection. Swappable in tests.
type Dialer func(url string, cfg amqp.Config) (*amqp.Connection, error)

// Connection manages a RabbitMQ connection and channel with automatic recovery
type Connection struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	config       *config.RabbitMQConfig
	name         string
	logger       *zap.Logger
	dial         Dialer
	establish    func() error
	sleep        func(time.Duration)
	stopChan     chan struct{}
	mu           sync.RWMutex
	reconnecting bool
	reconnectMu  sync.Mutex
}

// NewConnection creates a new Connection instance. name is reported to the
// broker as the connection name.
func NewConnection(rabbitMQConfig *config.RabbitMQConfig, name string, logger *zap.Logger) *Connection {
	c := &Connection{
		config:   rabbitMQConfig,
		name:     name,
		logger:   logger.With(zap.String("connection", name)),
		dial:     amqp.DialConfig,
		sleep:    time.Sleep,
		stopChan: make(chan struct{}),
	}
	c.establish = c.connect
	return c
}

// Connect establishes a connection to RabbitMQ and starts monitoring for
// reconnection. It makes at most ConnectAttempts attempts.
func (c *Connection) Connect() error {
	backoff := initialBackoff
	attempts := c.config.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Attempting connection to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
		)

		lastErr = c.establish()
		if lastErr == nil {
			c.logger.Info("Connection to RabbitMQ established",
				zap.Int("attempt", attempt),
			)
			go c.monitorConnection()
			return nil
		}

		if errors.Is(lastErr, ErrClosed) {
			return lastErr
		}

		if attempt < attempts {
			c.logger.Warn("Connection to RabbitMQ failed, retrying...",
				zap.Error(lastErr),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			c.sleep(backoff)
			backoff = nextBackoff(backoff)
		}
	}

	c.logger.Error("Failed to connect to RabbitMQ",
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

func nextBackoff(b time.Duration) time.Duration {
	b *= 2
	if b > maxBackoff {
		return maxBackoff
	}
	return b
}

// connect performs the actual connection logic
func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close may have run while a reconnect was waiting for the lock
	select {
	case <-c.stopChan:
		return ErrClosed
	default:
	}

	if c.channel != nil && !c.channel.IsClosed() {
		c.channel.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}

	// Heartbeat: 10 seconds (helps detect dead connections quickly)
	amqpConfig := amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": c.name,
		},
	}

	conn, err := c.dial(c.config.URL, amqpConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.logger.Info("Successfully connected to RabbitMQ",
		zap.Duration("heartbeat", amqpConfig.Heartbeat),
	)
	return nil
}

// monitorConnection monitors the connection and automatically reconnects on failure
func (c *Connection) monitorConnection() {
	for {
		c.mu.RLock()
		if c.conn == nil || c.channel == nil {
			c.mu.RUnlock()
			return
		}

		connClose := c.conn.NotifyClose(make(chan *amqp.Error, 1))
		channelClose := c.channel.NotifyClose(make(chan *amqp.Error, 1))
		c.mu.RUnlock()

		select {
		case <-c.stopChan:
			return
		case err := <-connClose:
			if err == nil {
				// Graceful close initiated by us
				return
			}
			c.logger.Error("RabbitMQ connection closed, attempting to reconnect",
				zap.Error(err),
				zap.String("reason", err.Reason),
			)
			c.reconnect()
		case err := <-channelClose:
			if err == nil {
				return
			}
			c.logger.Error("RabbitMQ channel closed, attempting to reconnect",
				zap.Error(err),
				zap.String("reason", err.Reason),
			)
			c.reconnect()
		}
	}
}

// reconnect attempts to reconnect with exponential backoff until it succeeds
// or the connection is closed
func (c *Connection) reconnect() {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMu.Unlock()

	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stopChan:
			return
		default:
		}

		c.logger.Info("Attempting to reconnect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)

		if err := c.establish(); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			c.logger.Warn("Failed to reconnect to RabbitMQ, retrying...",
				zap.Error(err),
				zap.Int("attempt", attempt),
			)
			c.sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		c.logger.Info("Successfully reconnected to RabbitMQ",
			zap.Int("attempt", attempt),
		)
		return
	}
}

// Close closes the RabbitMQ connection and channel and stops reconnection monitoring
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.logger.Info("RabbitMQ connection closed")
	}
}

func (c *Connection) liveChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel == nil || c.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// DeclareQueue declares a queue on the shared channel
func (c *Connection) DeclareQueue(name string, durable bool) error {
	ch, err := c.liveChannel()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		name,
		durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// ConsumeMessages starts consuming messages from a queue
func (c *Connection) ConsumeMessages(queue, consumer string, autoAck, exclusive, noLocal, noWait bool) (<-chan amqp.Delivery, error) {
	ch, err := c.liveChannel()
	if err != nil {
		return nil, err
	}

	messages, err := ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	return messages, nil
}

// CancelConsumer stops deliveries for the given consumer tag
func (c *Connection) CancelConsumer(consumerTag string) error {
	ch, err := c.liveChannel()
	if err != nil {
		return err
	}
	return ch.Cancel(consumerTag, false)
}

// SetQoS sets the quality of service (prefetch count) for the channel
func (c *Connection) SetQoS(prefetchCount, prefetchSize int, global bool) error {
	ch, err := c.liveChannel()
	if err != nil {
		return err
	}

	if err := ch.Qos(prefetchCount, prefetchSize, global); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	return nil
}

// OpenChannel opens a fresh channel on the current connection. The caller
// owns the channel and must close it.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, errors.New("RabbitMQ connection is not initialized or closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// IsHealthy checks if the connection and channel are healthy
func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}
