package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageReader is the part of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads change envelopes from a Kafka topic as part of a
// consumer group. Offsets are committed only after dispatch.
type KafkaSource struct {
	brokers       string
	topic         string
	consumerGroup string
	logger        *slog.Logger
	newReader     func() messageReader

	reader messageReader
	out    chan Change
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaSource creates a Kafka source. brokers is a comma separated list.
func NewKafkaSource(brokers, topic, consumerGroup string, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaSource{
		brokers:       brokers,
		topic:         topic,
		consumerGroup: consumerGroup,
		logger:        logger,
		out:           make(chan Change, 100),
	}
	k.newReader = k.dial
	return k
}

func (k *KafkaSource) dial() messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(k.brokers, ","),
		Topic:    k.topic,
		GroupID:  k.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func (k *KafkaSource) Start(ctx context.Context) error {
	k.reader = k.newReader()
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go k.loop(ctx)
	return nil
}

func (k *KafkaSource) loop(ctx context.Context) {
	defer k.wg.Done()
	defer close(k.out)
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			k.logger.Warn("feed: kafka fetch", "topic", k.topic, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		c, err := decodeEnvelope(msg.Value)
		if err != nil {
			k.logger.Warn("feed: dropping kafka message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			if err := k.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				k.logger.Warn("feed: kafka commit", "error", err)
			}
			continue
		}
		c.Seq = msg.Offset
		c.token = msg
		select {
		case k.out <- c:
		case <-ctx.Done():
			return
		}
	}
}

func (k *KafkaSource) Changes() <-chan Change { return k.out }

func (k *KafkaSource) Commit(ctx context.Context, c Change) error {
	msg, ok := c.token.(kafka.Message)
	if !ok || k.reader == nil {
		return nil
	}
	return k.reader.CommitMessages(ctx, msg)
}

func (k *KafkaSource) Close() error {
	if k.cancel != nil {
		k.cancel()
	}
	var err error
	if k.reader != nil {
		err = k.reader.Close()
	}
	k.wg.Wait()
	return err
}
