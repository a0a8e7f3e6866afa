package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/publish-studio/scheduler-svc/internal/config"
	"github.com/publish-studio/scheduler-svc/internal/delayqueue"
	"github.com/publish-studio/scheduler-svc/internal/rabbitmq"
	"github.com/publish-studio/scheduler-svc/internal/receiver"
	"github.com/publish-studio/scheduler-svc/internal/rpc"
)

// Service holds all application dependencies
// This eliminates global state and enables proper dependency injection
type Service struct {
	Config    *config.Config
	Logger    *zap.Logger
	Redis     redis.UniversalClient
	Receivers []*receiver.Receiver

	closers []func()
}

// StartResult is the outcome of starting one receiver
type StartResult struct {
	Receiver string
	Err      error
}

// Report collects the start outcome of every receiver
type Report struct {
	Results []StartResult
}

// AllUp reports whether every receiver started
func (r Report) AllUp() bool {
	return len(r.Failed()) == 0
}

// Failed returns the results of receivers that did not start
func (r Report) Failed() []StartResult {
	var failed []StartResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// NewService creates a new service instance with all dependencies. Every
// receiver gets its own broker connection so that one failing connection
// leaves the others running.
func NewService(cfg *config.Config, logger *zap.Logger, redisClient redis.UniversalClient) *Service {
	svc := &Service{
		Config: cfg,
		Logger: logger,
		Redis:  redisClient,
	}

	for _, domain := range []receiver.Domain{receiver.PostDomain(), receiver.EmailDomain()} {
		conn := rabbitmq.NewConnection(&cfg.RabbitMQ, domain.Name, logger)
		queue := delayqueue.New(redisClient, domain.InboundQueue,
			delayqueue.WithPrefix(cfg.Receiver.QueuePrefix),
			delayqueue.WithPollInterval(cfg.Receiver.PollInterval),
			delayqueue.WithStalledAfter(cfg.Receiver.StalledAfter),
		)
		invoker := rpc.NewInvoker(channelOpener(conn), logger.Named("rpc").With(zap.String("receiver", domain.Name)),
			rpc.WithTimeout(cfg.Receiver.RPCTimeout),
		)
		rcv := receiver.New(domain, conn, queue, invoker, logger, receiver.Options{
			WorkerConcurrency: cfg.Receiver.WorkerConcurrency,
		})

		svc.Receivers = append(svc.Receivers, rcv)
		svc.closers = append(svc.closers, conn.Close)
	}

	return svc
}

// channelOpener hands the invoker a fresh channel on conn for every call
func channelOpener(conn *rabbitmq.Connection) rpc.ChannelOpener {
	return func() (rpc.Channel, error) {
		ch, err := conn.OpenChannel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// StartReceivers starts every receiver concurrently. A receiver that fails
// does not prevent the others from starting.
func (s *Service) StartReceivers(ctx context.Context) Report {
	results := make([]StartResult, len(s.Receivers))

	var wg sync.WaitGroup
	for i, rcv := range s.Receivers {
		wg.Add(1)
		go func(i int, rcv *receiver.Receiver) {
			defer wg.Done()
			results[i] = StartResult{Receiver: rcv.Name(), Err: rcv.Start(ctx)}
		}(i, rcv)
	}
	wg.Wait()

	return Report{Results: results}
}

// Shutdown stops the receivers, then closes broker connections and the
// redis client
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, rcv := range s.Receivers {
		wg.Add(1)
		go func(rcv *receiver.Receiver) {
			defer wg.Done()
			if err := rcv.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(rcv)
	}
	wg.Wait()

	for _, closeFn := range s.closers {
		closeFn()
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	return errors.Join(errs...)
}
