package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bl1231/bilbomd-worker/internal/logger"
)

// Redis list backed queuer. The frontend RPUSHes job messages and the
// worker BLPOPs them, so messages are delivered in submission order.
// A failed delivery is requeued until maxAttempts deliveries have been
// made, then dropped.
type RedisQueuer struct {
	rdb         *redis.Client
	queue       string
	maxAttempts int
}

var _ Queuer = (*RedisQueuer)(nil)

func NewRedisQueuer(addr string, password string, queueName string, maxAttempts int) *RedisQueuer {
	rdb := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		MaxRetries: 5,
	})

	return &RedisQueuer{rdb: rdb, queue: queueName, maxAttempts: maxAttempts}
}

func (q *RedisQueuer) key() string {
	return fmt.Sprintf("bilbomd:queue:%s", q.queue)
}

func (q *RedisQueuer) attemptsKey(message []byte) string {
	return fmt.Sprintf("bilbomd:attempts:%x", message)
}

func (q *RedisQueuer) Enqueue(ctx context.Context, message any) error {
	ctx, span := tracer.Start(ctx, "Redis.Enqueue")
	defer span.End()

	msgJSON, err := json.Marshal(message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return err
	}

	span.AddEvent("serialized_message", trace.WithAttributes(
		attribute.String("message", string(msgJSON)),
	))

	err = q.rdb.RPush(ctx, q.key(), msgJSON).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enqueue message")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "enqueued message")
	return nil
}

func (q *RedisQueuer) Dequeue(
	ctx context.Context,
	timeout time.Duration,
	handler MessageHandler,
) error {
	ctx, span := tracer.Start(ctx, "Redis.Dequeue", trace.WithAttributes(
		attribute.Int64("timeoutSecs", int64(timeout.Seconds())),
	))
	defer span.End()

	var payload string
loop:
	for {
		res, err := q.rdb.BLPop(ctx, 30*time.Second, q.key()).Result()
		switch {
		case err == nil:
			payload = res[1]
			break loop
		case errors.Is(err, redis.Nil):
			select {
			// Allow early bail if context becomes cancelled
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			default:
				continue
			}
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to dequeue message")
			return err
		}
	}

	span.AddEvent("got_message", trace.WithAttributes(
		attribute.String("message", payload),
	))

	attempts, err := q.rdb.Incr(ctx, q.attemptsKey([]byte(payload))).Result()
	if err != nil {
		logger.Logger.WarnContext(ctx, "failed to count delivery attempt", "error", err)
		attempts = 1
	}

	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	handlerCtx = WithAttempts(handlerCtx, int(attempts))

	err = handler.Handle(handlerCtx, []byte(payload))
	if err != nil {
		if requeueable(err, int(attempts), q.maxAttempts) {
			// requeue so the message gets another delivery attempt
			span.AddEvent("failed_message_handler", trace.WithAttributes(
				attribute.String("error", err.Error()),
			))
			requeueErr := q.rdb.RPush(ctx, q.key(), payload).Err()
			if requeueErr != nil {
				span.RecordError(requeueErr)
				span.SetStatus(codes.Error, "failed to requeue message")
				return requeueErr
			}
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "dequeued message but failed to handle")
			return nil
		}

		// poisoned or out of attempts, drop the message for good
		span.AddEvent("dropped_failed_message", trace.WithAttributes(
			attribute.String("error", err.Error()),
			attribute.Int64("attempts", attempts),
		))
	}

	err = q.rdb.Del(ctx, q.attemptsKey([]byte(payload))).Err()
	if err != nil {
		logger.Logger.WarnContext(ctx, "failed to clear delivery attempts", "error", err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "dequeued message")
	return nil
}

// requeueable reports whether a failed delivery should go back on the
// queue. Poisoned messages never retry; other failures retry until
// maxAttempts deliveries have been made. A maxAttempts of zero or less
// means no ceiling.
func requeueable(err error, attempts int, maxAttempts int) bool {
	var pe *PoisonError
	if errors.As(err, &pe) {
		return false
	}
	if maxAttempts > 0 && attempts >= maxAttempts {
		return false
	}
	return true
}

type attemptsKeyType struct{}

// WithAttempts annotates a handler context with the delivery attempt count
func WithAttempts(ctx context.Context, attempts int) context.Context {
	return context.WithValue(ctx, attemptsKeyType{}, attempts)
}

// Attempts reports how many times the current message has been delivered.
// Defaults to 1 when the context carries no count.
func Attempts(ctx context.Context) int {
	if v, ok := ctx.Value(attemptsKeyType{}).(int); ok {
		return v
	}
	return 1
}
