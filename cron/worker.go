package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"buildappswith/services/booking"
	"buildappswith/services/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// BookingExpirer is the part of the coordinator the expiry worker drives.
type BookingExpirer interface {
	ExpireBooking(ctx context.Context, bookingID string) error
}

// ExpirerFunc adapts a coordinator method to BookingExpirer.
type ExpirerFunc func(ctx context.Context, bookingID string) error

func (f ExpirerFunc) ExpireBooking(ctx context.Context, bookingID string) error {
	return f(ctx, bookingID)
}

// CoordinatorExpirer drops the returned booking, which the worker does not need.
func CoordinatorExpirer(c booking.BookingCoordinator) BookingExpirer {
	return ExpirerFunc(func(ctx context.Context, id string) error {
		_, err := c.ExpireBooking(ctx, id)
		return err
	})
}

// WorkerConfig is the Redis connection the task queue lives on.
type WorkerConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
}

func (c WorkerConfig) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// NewQueueClient returns the producer side of the expiry queue.
func NewQueueClient(cfg WorkerConfig) *asynq.Client {
	return asynq.NewClient(cfg.redisOpt())
}

// InitExpiryWorker runs the async worker in background. The returned server
// must be shut down by the caller.
func InitExpiryWorker(ctx context.Context, cfg WorkerConfig, expirer BookingExpirer, logger *zap.Logger) *asynq.Server {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(
		cfg.redisOpt(),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
			Logger: logger.Sugar(),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeExpireBooking, HandleExpireTask(expirer, logger))

	go monitorRedisConnection(ctx, cfg, logger)

	go func() {
		logger.Info("Starting booking expiry worker")
		const maxAttempts = 5

		for attempts := 1; attempts <= maxAttempts; attempts++ {
			err := srv.Start(mux)
			if err == nil {
				return
			}
			logger.Error("Failed to start expiry worker",
				zap.Int("attempt", attempts),
				zap.Int("maxAttempts", maxAttempts),
				zap.Error(err))
			if attempts == maxAttempts {
				logger.Error("Expiry worker gave up; pending bookings rely on the periodic sweep")
				return
			}
			time.Sleep(time.Duration(attempts*2) * time.Second)
		}
	}()
	return srv
}

// HandleExpireTask releases a booking whose pending deadline has passed.
// Bookings that already moved on are not retried.
func HandleExpireTask(expirer BookingExpirer, logger *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		p, err := tasks.ParseExpirePayload(task)
		if err != nil {
			logger.Error("Invalid expiry task payload", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		err = expirer.ExpireBooking(ctx, p.BookingID)
		switch {
		case err == nil:
			return nil
		case booking.IsBenign(err):
			logger.Debug("Expiry task found nothing to release", zap.String("bookingId", p.BookingID), zap.Error(err))
			return nil
		case errors.Is(err, booking.ErrStale):
			logger.Info("Booking changed during expiry, retrying", zap.String("bookingId", p.BookingID))
			return err
		}
		logger.Error("Failed to expire booking", zap.String("bookingId", p.BookingID), zap.Error(err))
		return err
	}
}

// monitorRedisConnection pings Redis periodically to detect failures at runtime.
func monitorRedisConnection(ctx context.Context, cfg WorkerConfig, logger *zap.Logger) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("Task queue Redis connection lost", zap.Error(err))
			}
		}
	}
}
