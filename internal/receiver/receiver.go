package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/publish-studio/scheduler-svc/internal/consumer"
	"github.com/publish-studio/scheduler-svc/internal/delayqueue"
	"github.com/publish-studio/scheduler-svc/internal/models"
	"github.com/publish-studio/scheduler-svc/internal/rpc"
)

// State is the lifecycle state of a receiver
type State string

const (
	StateIdle      State = "idle"
	StateConnected State = "connected"
	StateListening State = "listening"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Broker is the receiver's view of its broker connection
type Broker interface {
	Connect() error
	SetQoS(prefetchCount, prefetchSize int, global bool) error
	DeclareQueue(name string, durable bool) error
	ConsumeMessages(queue, consumer string, autoAck, exclusive, noLocal, noWait bool) (<-chan amqp.Delivery, error)
	CancelConsumer(consumerTag string) error
	IsHealthy() bool
}

// Invoker triggers the remote side effect of a fired job
type Invoker interface {
	Invoke(ctx context.Context, targetQueue string, payload []byte) (*rpc.Reply, error)
}

// Options tunes a receiver
type Options struct {
	PrefetchCount     int
	WorkerConcurrency int
	// ActiveRetryDelay is how long to hold a request for a job that is firing
	// right now before handing it back to the broker
	ActiveRetryDelay time.Duration
	// RestartDelay is the pause before re-registering a consumer whose
	// delivery channel closed
	RestartDelay time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PrefetchCount <= 0 {
		o.PrefetchCount = 1
	}
	if o.WorkerConcurrency <= 0 {
		o.WorkerConcurrency = 1
	}
	if o.ActiveRetryDelay <= 0 {
		o.ActiveRetryDelay = time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Receiver consumes scheduling requests for one domain, turns them into
// delayed jobs and invokes the execute queue when they fire. It owns one
// delay worker for its whole lifetime.
type Receiver struct {
	domain      Domain
	broker      Broker
	queue       *delayqueue.Queue
	invoker     Invoker
	logger      *zap.Logger
	opts        Options
	consumerTag string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	state   State
	lastErr error
}

// New creates a receiver with its dependencies
func New(domain Domain, broker Broker, queue *delayqueue.Queue, invoker Invoker, logger *zap.Logger, opts Options) *Receiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		ctx:         ctx,
		cancel:      cancel,
		domain:      domain,
		broker:      broker,
		queue:       queue,
		invoker:     invoker,
		logger:      logger.With(zap.String("receiver", domain.Name)),
		opts:        opts.withDefaults(),
		consumerTag: fmt.Sprintf("scheduler-%s-%d", domain.Name, time.Now().UnixNano()),
		state:       StateIdle,
	}
}

// Name returns the domain name
func (r *Receiver) Name() string {
	return r.domain.Name
}

// Queue returns the delay queue owned by the receiver
func (r *Receiver) Queue() *delayqueue.Queue {
	return r.queue
}

// State returns the current state and the error that caused a failure
func (r *Receiver) State() (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.lastErr
}

// BrokerHealthy reports whether the receiver's broker connection is up
func (r *Receiver) BrokerHealthy() bool {
	return r.broker.IsHealthy()
}

func (r *Receiver) setState(s State, err error) {
	r.mu.Lock()
	r.state = s
	r.lastErr = err
	r.mu.Unlock()
}

// Start connects to the broker, declares the inbound queue, starts consuming
// and starts the delay worker. On error the receiver stays inert in the
// failed state.
func (r *Receiver) Start(ctx context.Context) error {
	r.cancel()
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.broker.Connect(); err != nil {
		r.setState(StateFailed, err)
		r.logger.Error("Receiver could not connect to broker", zap.Error(err))
		return fmt.Errorf("receiver %s: %w", r.domain.Name, err)
	}
	r.setState(StateConnected, nil)

	if err := r.broker.DeclareQueue(r.domain.InboundQueue, true); err != nil {
		r.setState(StateFailed, err)
		return fmt.Errorf("receiver %s: %w", r.domain.Name, err)
	}

	messages, err := r.startConsuming()
	if err != nil {
		r.setState(StateFailed, err)
		return fmt.Errorf("receiver %s: %w", r.domain.Name, err)
	}

	worker := delayqueue.NewWorker(r.queue, r.fire,
		delayqueue.WithConcurrency(r.opts.WorkerConcurrency),
		delayqueue.WithLogger(r.logger),
	)
	worker.OnCompleted(r.onCompleted)
	worker.OnFailed(r.onFailed)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		_ = worker.Run(r.ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.processMessages(messages)
	}()

	r.setState(StateListening, nil)
	r.logger.Info("Receiver started and consuming messages",
		zap.String("inbound_queue", r.domain.InboundQueue),
		zap.String("execute_queue", r.domain.ExecuteQueue),
		zap.String("consumer_tag", r.consumerTag),
		zap.Int("prefetch_count", r.opts.PrefetchCount),
	)
	return nil
}

// startConsuming sets prefetch and registers the consumer
func (r *Receiver) startConsuming() (<-chan amqp.Delivery, error) {
	if err := r.broker.SetQoS(r.opts.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := r.broker.ConsumeMessages(
		r.domain.InboundQueue,
		r.consumerTag,
		false, // autoAck (we'll manually ACK)
		false, // exclusive
		false, // noLocal
		false, // noWait
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from queue %s: %w", r.domain.InboundQueue, err)
	}
	return messages, nil
}

// Stop cancels the consumer and the delay worker and waits for both
func (r *Receiver) Stop(ctx context.Context) error {
	if state, _ := r.State(); state != StateListening {
		r.cancel()
		return nil
	}

	r.logger.Info("Stopping receiver", zap.String("consumer_tag", r.consumerTag))
	if err := r.broker.CancelConsumer(r.consumerTag); err != nil {
		r.logger.Warn("Failed to cancel consumer", zap.Error(err))
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.setState(StateStopped, nil)
		r.logger.Info("Receiver stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("receiver %s did not stop: %w", r.domain.Name, ctx.Err())
	}
}

// processMessages processes messages from the queue, re-registering the
// consumer when the broker connection recovers
func (r *Receiver) processMessages(messages <-chan amqp.Delivery) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-messages:
			if ok {
				consumer.ProcessMessage(r.logger, r.domain.InboundQueue, msg, r)
				continue
			}

			r.logger.Warn("Message channel closed, attempting to restart consumer...")
			messages = r.restartConsuming()
			if messages == nil {
				return
			}
			r.logger.Info("Successfully restarted consumer after channel close")
		}
	}
}

// restartConsuming blocks until a consumer is registered again or the
// receiver is stopped, in which case it returns nil
func (r *Receiver) restartConsuming() <-chan amqp.Delivery {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-time.After(r.opts.RestartDelay):
		}

		if !r.broker.IsHealthy() {
			r.logger.Debug("Connection not healthy yet, waiting...")
			continue
		}

		messages, err := r.startConsuming()
		if err != nil {
			r.logger.Error("Failed to restart consuming after channel close, will retry", zap.Error(err))
			continue
		}
		return messages
	}
}

// HandleEvent implements the consumer.EventHandler interface. The broker
// message is acked once the delayed job is stored, not once it has fired.
func (r *Receiver) HandleEvent(body []byte) error {
	req, err := r.domain.Decode(body)
	if err != nil {
		return consumer.Permanent(err)
	}
	if err := req.Validate(); err != nil {
		return consumer.Permanent(fmt.Errorf("invalid %s schedule request: %w", r.domain.Name, err))
	}

	delay := models.DelayUntil(req.RunAt(), r.opts.Now())
	job, err := r.queue.Schedule(r.ctx, delayqueue.JobSpec{
		ID:    req.JobKey(),
		Name:  r.domain.Name,
		Data:  body,
		Delay: delay,
	})
	if errors.Is(err, delayqueue.ErrJobActive) {
		// The previous request for this key is firing right now; hold the
		// message briefly so the redelivery does not spin
		r.logger.Info("Job is firing, deferring request",
			zap.String("job_id", req.JobKey()),
			zap.Duration("retry_in", r.opts.ActiveRetryDelay),
		)
		select {
		case <-time.After(r.opts.ActiveRetryDelay):
		case <-r.ctx.Done():
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", r.domain.Name, err)
	}

	r.logger.Info("Scheduled job",
		zap.String("job_id", job.ID),
		zap.Time("scheduled_at", req.RunAt()),
		zap.Duration("delay", delay),
	)
	return nil
}

// fire runs when a delayed job becomes due
func (r *Receiver) fire(ctx context.Context, job *delayqueue.Job) error {
	log := r.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
	log.Info("Invoking remote procedure", zap.String("queue", r.domain.ExecuteQueue))

	reply, err := r.invoker.Invoke(ctx, r.domain.ExecuteQueue, job.Data)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", r.domain.ExecuteQueue, err)
	}

	log.Info("Remote procedure replied",
		zap.String("correlation_id", reply.CorrelationID),
		zap.ByteString("reply", reply.Body),
	)
	return nil
}

func (r *Receiver) onCompleted(ctx context.Context, job *delayqueue.Job) {
	removed, err := r.queue.RemoveCompleted(ctx, job.ID)
	if err != nil {
		r.logger.Error("Failed to clean up completed job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	r.logger.Info("Job completed",
		zap.String("job_id", job.ID),
		zap.Bool("removed", removed),
	)
}

func (r *Receiver) onFailed(ctx context.Context, job *delayqueue.Job, err error) {
	r.logger.Error("Job failed",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Time("run_at", job.RunAt),
		zap.Error(err),
	)
}
