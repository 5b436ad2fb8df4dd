package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamClient is the part of *redis.Client the stream source uses.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

// RedisSource reads change envelopes from a Redis stream consumer group.
// Each entry carries "table", "op" and "row" fields.
//
// On start the consumer first replays the entries it was given before but
// never acknowledged, then follows new entries.
type RedisSource struct {
	client   streamClient
	stream   string
	group    string
	consumer string
	batch    int64
	block    time.Duration
	logger   *slog.Logger

	out    chan Change
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisSource creates a stream source. consumer must stay the same
// across restarts, or unacknowledged entries are stranded with the old name.
func NewRedisSource(addr, password, stream, group, consumer string, batch int, logger *slog.Logger) *RedisSource {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return newRedisSource(client, stream, group, consumer, batch, logger)
}

func newRedisSource(client streamClient, stream, group, consumer string, batch int, logger *slog.Logger) *RedisSource {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 100
	}
	return &RedisSource{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		batch:    int64(batch),
		block:    5 * time.Second,
		logger:   logger,
		out:      make(chan Change, batch),
	}
}

// Start creates the consumer group if needed and begins reading.
func (r *RedisSource) Start(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", r.group, r.stream, err)
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

func (r *RedisSource) loop(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.out)

	// An explicit id reads this consumer's pending list past that id; ">"
	// reads entries never delivered to anyone.
	cursor := "0"
	for {
		args := &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, cursor},
			Count:    r.batch,
			Block:    r.block,
		}
		if cursor != ">" {
			args.Block = -1
		}
		streams, err := r.client.XReadGroup(ctx, args).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("feed: redis read", "stream", r.stream, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		read := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				read++
				if cursor != ">" {
					cursor = msg.ID
				}
				if !r.emit(ctx, msg) {
					return
				}
			}
		}
		if cursor != ">" && read == 0 {
			r.logger.Debug("feed: redis pending entries replayed", "stream", r.stream, "consumer", r.consumer)
			cursor = ">"
		}
	}
}

// emit decodes msg onto out. Malformed entries are acknowledged and dropped.
// It reports false once ctx ends.
func (r *RedisSource) emit(ctx context.Context, msg redis.XMessage) bool {
	c, err := decodeStreamValues(msg.Values)
	if err != nil {
		r.logger.Warn("feed: dropping stream entry", "id", msg.ID, "error", err)
		r.ack(ctx, msg.ID)
		return true
	}
	c.token = msg.ID
	select {
	case r.out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func decodeStreamValues(values map[string]interface{}) (Change, error) {
	field := func(name string) string {
		v, _ := values[name].(string)
		return v
	}
	c := Change{Table: field("table"), Op: field("op"), Row: []byte(field("row"))}
	if c.Table == "" || len(c.Row) == 0 {
		return Change{}, fmt.Errorf("%w: table and row are required", errBadEnvelope)
	}
	return c, nil
}

func (r *RedisSource) ack(ctx context.Context, id string) {
	if err := r.client.XAck(ctx, r.stream, r.group, id).Err(); err != nil && ctx.Err() == nil {
		r.logger.Warn("feed: redis ack", "id", id, "error", err)
	}
}

func (r *RedisSource) Changes() <-chan Change { return r.out }

func (r *RedisSource) Commit(ctx context.Context, c Change) error {
	id, ok := c.token.(string)
	if !ok {
		return nil
	}
	return r.client.XAck(ctx, r.stream, r.group, id).Err()
}

func (r *RedisSource) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return r.client.Close()
}
