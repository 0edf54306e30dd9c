// Package kafka reads Kafka topics as ingestion logs.
//
// Kafka offsets start at 0 while log positions count records, so the record at Kafka
// offset k is at position k+1, the high watermark is the end position and the log start
// offset is the earliest position.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

// Compile-time interface compliance check
var _ ingest.LogReader = (*Log)(nil)

const (
	listLatest   int64 = -1
	listEarliest int64 = -2
)

// Config configures the connection to the Kafka cluster.
type Config struct {
	Brokers  []string
	ClientID string
	// FetchMaxWait bounds how long a fetch waits for new data
	FetchMaxWait time.Duration
}

// Log is an ingest.LogReader over Kafka topics. The source id is the topic name.
type Log struct {
	cfg    Config
	client *kgo.Client
}

// NewLog connects to the cluster used for metadata and offset requests.
func NewLog(cfg Config) (*Log, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "go-simple-ingest"
	}
	if cfg.FetchMaxWait <= 0 {
		cfg.FetchMaxWait = 500 * time.Millisecond
	}

	client, err := kgo.NewClient(cfg.baseOpts()...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Log{cfg: cfg, client: client}, nil
}

func (c Config) baseOpts() []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(c.ClientID),
		kgo.FetchMaxWait(c.FetchMaxWait),
	}
}

// Close closes the metadata client.
func (l *Log) Close() {
	l.client.Close()
}

// Snapshot returns the log start offset and high watermark of every partition of the topic.
func (l *Log) Snapshot(ctx context.Context, topic string) (ingest.LogSnapshot, error) {
	partitions, err := l.partitions(ctx, topic)
	if err != nil {
		return ingest.LogSnapshot{}, err
	}

	end, err := l.listOffsets(ctx, topic, partitions, listLatest)
	if err != nil {
		return ingest.LogSnapshot{}, err
	}
	earliest, err := l.listOffsets(ctx, topic, partitions, listEarliest)
	if err != nil {
		return ingest.LogSnapshot{}, err
	}
	return ingest.LogSnapshot{Earliest: earliest, End: end}, nil
}

func (l *Log) partitions(ctx context.Context, topic string) ([]int32, error) {
	req := kmsg.NewPtrMetadataRequest()
	reqTopic := kmsg.NewMetadataRequestTopic()
	reqTopic.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, l.client)
	if err != nil {
		return nil, fmt.Errorf("metadata request for topic '%s': %w", topic, err)
	}

	for _, t := range resp.Topics {
		if t.Topic == nil || *t.Topic != topic {
			continue
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return nil, fmt.Errorf("metadata for topic '%s': %w", topic, err)
		}
		partitions := make([]int32, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			partitions = append(partitions, p.Partition)
		}
		return partitions, nil
	}
	return nil, fmt.Errorf("topic '%s' missing from metadata response", topic)
}

func (l *Log) listOffsets(ctx context.Context, topic string, partitions []int32, timestamp int64) (ingest.Positions, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1
	reqTopic := kmsg.NewListOffsetsRequestTopic()
	reqTopic.Topic = topic
	for _, p := range partitions {
		reqPartition := kmsg.NewListOffsetsRequestTopicPartition()
		reqPartition.Partition = p
		reqPartition.CurrentLeaderEpoch = -1
		reqPartition.Timestamp = timestamp
		reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
	}
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, l.client)
	if err != nil {
		return nil, fmt.Errorf("list offsets for topic '%s': %w", topic, err)
	}

	positions := make(ingest.Positions, len(partitions))
	for _, t := range resp.Topics {
		if t.Topic != topic {
			continue
		}
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return nil, fmt.Errorf("list offsets for %s/%d: %w", topic, p.Partition, err)
			}
			positions[p.Partition] = p.Offset
		}
	}
	if len(positions) != len(partitions) {
		return nil, fmt.Errorf("list offsets for topic '%s' returned %d of %d partitions", topic, len(positions), len(partitions))
	}
	return positions, nil
}

// Read consumes one partition from r.From up to and including r.Until.
// Control records of transactional producers are skipped but still count towards the range.
// The consumer never resets its offset, so records trimmed by retention after the
// snapshot fail the read with ingest.ErrCheckpointOutOfRange instead of being skipped.
func (l *Log) Read(ctx context.Context, topic string, r ingest.OffsetRange) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		if r.IsEmpty() {
			return
		}

		opts := append(l.cfg.baseOpts(),
			kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
				topic: {r.Partition: kgo.NewOffset().At(r.From)},
			}),
			kgo.ConsumeResetOffset(kgo.NoResetOffset()),
			kgo.KeepControlRecords(),
		)
		client, err := kgo.NewClient(opts...)
		if err != nil {
			yield(ingest.RawRecord{}, fmt.Errorf("create kafka consumer: %w", err))
			return
		}
		defer client.Close()

		earliest := func() (int64, error) {
			positions, err := l.listOffsets(ctx, topic, []int32{r.Partition}, listEarliest)
			if err != nil {
				return 0, err
			}
			return positions[r.Partition], nil
		}

		last := r.From
		for last < r.Until {
			fetches := client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				yield(ingest.RawRecord{}, kgo.ErrClientClosed)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(ingest.RawRecord{}, err)
				return
			}
			for _, fe := range fetches.Errors() {
				yield(ingest.RawRecord{}, fetchError(fe))
				return
			}

			records := fetches.RecordIter()
			for !records.Done() {
				rec := records.Next()
				position := rec.Offset + 1
				if position <= last {
					continue
				}
				if last == r.From {
					if err := checkRangeStart(position, r, earliest); err != nil {
						yield(ingest.RawRecord{}, err)
						return
					}
				}
				if position > r.Until {
					return
				}
				last = position
				if rec.Attrs.IsControl() {
					continue
				}
				if !yield(toRawRecord(rec), nil) {
					return
				}
			}
		}
	}
}

func fetchError(fe kgo.FetchError) error {
	if errors.Is(fe.Err, kerr.OffsetOutOfRange) {
		return fmt.Errorf("fetch %s/%d: %w: %w", fe.Topic, fe.Partition, ingest.ErrCheckpointOutOfRange, fe.Err)
	}
	return fmt.Errorf("fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
}

// checkRangeStart fails when the first position read skips past r.From+1 because the log
// start moved beyond r.From. Gaps left by compaction or transactions are not an error.
func checkRangeStart(first int64, r ingest.OffsetRange, earliest func() (int64, error)) error {
	if first <= r.From+1 {
		return nil
	}
	start, err := earliest()
	if err != nil {
		return fmt.Errorf("check retained start of partition %d: %w", r.Partition, err)
	}
	if start > r.From {
		return fmt.Errorf("offset %d of partition %d is no longer retained: %w", r.From+1, r.Partition, ingest.ErrCheckpointOutOfRange)
	}
	return nil
}

func toRawRecord(rec *kgo.Record) ingest.RawRecord {
	raw := ingest.RawRecord{
		Partition: rec.Partition,
		Offset:    rec.Offset + 1,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Headers) > 0 {
		raw.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			raw.Headers[h.Key] = string(h.Value)
		}
	}
	return raw
}
