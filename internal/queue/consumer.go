package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/replicate/cog-director/internal/logging"
)

// drainTimeout bounds each blocking pop so abort, switch and idle-timeout
// conditions are observed promptly even on a quiet queue.
const drainTimeout = time.Second

// Consumer pulls prediction messages from a Redis list one at a time. A
// message is moved into a processing list when delivered and only removed on
// ack, so an unacked message survives a crash of this process. The processing
// list is keyed by consumer identity: several workers may share one queue,
// and none of them may touch a peer's in-flight message.
type Consumer struct {
	client *redis.Client
	id     string
	logger *logging.Logger

	// restored tracks queues whose processing list has already been
	// recovered. Accessed only from the Consume goroutine.
	restored map[string]bool
}

func NewConsumer(redisURL, consumerID string, logger *logging.Logger) (*Consumer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Consumer{
		client:   redis.NewClient(opts),
		id:       consumerID,
		logger:   logger.Named("consumer"),
		restored: make(map[string]bool),
	}, nil
}

func (c *Consumer) Close() error {
	return c.client.Close()
}

func (c *Consumer) processingKey(queue string) string {
	return queue + ":processing:" + c.id
}

// Message is a delivered queue message awaiting acknowledgment.
type Message struct {
	Body []byte

	queue    string
	consumer *Consumer
	acked    bool
}

// Ack removes the message from the processing list. It is called exactly
// once per message, after the handler has returned.
func (m *Message) Ack(ctx context.Context) error {
	if m.acked {
		return nil
	}
	m.acked = true
	return m.consumer.client.LRem(ctx, m.consumer.processingKey(m.queue), 1, string(m.Body)).Err()
}

// Spec configures one consume cycle.
type Spec struct {
	Queue string

	// OnMessage handles a delivered message. At most one message is in
	// flight at a time; acknowledgment is the caller's responsibility.
	OnMessage func(ctx context.Context, msg *Message)

	// OnPreMessage runs before every drain iteration. A returned error
	// stops consumption and propagates.
	OnPreMessage func(ctx context.Context) error

	// Aborted and Switched are exit conditions checked once per iteration.
	Aborted  func() bool
	Switched func() bool

	// OnStartConsume runs exactly once before the first drain.
	OnStartConsume func()

	// Timeout is the idle period after which Consume returns so the caller
	// can recheck its queue assignment. Zero disables the idle timeout.
	Timeout time.Duration
}

// Consume drains the queue until an exit condition holds: idle timeout,
// abort, or queue switch. Transient connection errors are logged and retried;
// go-redis re-establishes the connection on the next command.
func (c *Consumer) Consume(ctx context.Context, spec Spec) error {
	log := c.logger.Sugar().With("queue", spec.Queue)
	log.Infow("consuming queue", "timeout", spec.Timeout)

	if spec.OnStartConsume != nil {
		spec.OnStartConsume()
	}
	if !c.restored[spec.Queue] {
		c.restoreUnacked(ctx, spec.Queue)
		c.restored[spec.Queue] = true
	}

	mark := time.Now()
	for {
		if spec.OnPreMessage != nil {
			if err := spec.OnPreMessage(ctx); err != nil {
				return err
			}
		}

		body, err := c.client.BLMove(ctx, spec.Queue, c.processingKey(spec.Queue), "LEFT", "RIGHT", drainTimeout).Result()
		switch {
		case err == nil:
			spec.OnMessage(ctx, &Message{
				Body:     []byte(body),
				queue:    spec.Queue,
				consumer: c,
			})
			// The idle timer restarts after each handled message.
			mark = time.Now()
		case errors.Is(err, redis.Nil):
			// Idle drain; fall through to the exit checks.
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Errorw("failed to drain queue", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(drainTimeout):
			}
		}

		isTimeout := spec.Timeout > 0 && time.Since(mark) >= spec.Timeout
		isAborted := spec.Aborted != nil && spec.Aborted()
		isSwitched := spec.Switched != nil && spec.Switched()
		if isTimeout || isAborted || isSwitched {
			log.Warnw("consumer exiting",
				"is_timeout", isTimeout,
				"is_aborted", isAborted,
				"is_switched", isSwitched,
			)
			return nil
		}
	}
}

// restoreUnacked requeues messages a previous incarnation of this consumer
// left in its processing list. Runs once per queue, when consumption starts;
// a message parked there mid-run is in flight, not orphaned.
func (c *Consumer) restoreUnacked(ctx context.Context, queue string) {
	log := c.logger.Sugar()
	for {
		_, err := c.client.LMove(ctx, c.processingKey(queue), queue, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return
		}
		if err != nil {
			log.Warnw("failed to restore unacked messages", "queue", queue, "error", err)
			return
		}
		log.Infow("restored unacked message", "queue", queue)
	}
}
