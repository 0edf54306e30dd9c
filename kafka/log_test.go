package kafka

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

func TestNewLog_RequiresBrokers(t *testing.T) {
	if _, err := NewLog(Config{}); err == nil {
		t.Fatal("Expected error without brokers")
	}
}

func TestToRawRecord(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	raw := toRawRecord(&kgo.Record{
		Partition: 2,
		Offset:    0,
		Key:       []byte("k"),
		Value:     []byte(`{"id":1}`),
		Timestamp: ts,
		Headers:   []kgo.RecordHeader{{Key: "trace", Value: []byte("abc")}},
	})

	if raw.Offset != 1 {
		t.Errorf("Expected kafka offset 0 at position 1, got %d", raw.Offset)
	}
	if raw.Partition != 2 || string(raw.Key) != "k" || !raw.Timestamp.Equal(ts) {
		t.Errorf("Unexpected record %+v", raw)
	}
	if raw.Headers["trace"] != "abc" {
		t.Errorf("Expected header trace=abc, got %v", raw.Headers)
	}

	if bare := toRawRecord(&kgo.Record{}); bare.Headers != nil {
		t.Errorf("Expected no headers map, got %v", bare.Headers)
	}
}

func TestLog_ReadEmptyRange(t *testing.T) {
	l := &Log{cfg: Config{Brokers: []string{"127.0.0.1:1"}}}
	for _, err := range l.Read(context.Background(), "orders", ingest.OffsetRange{Partition: 0, From: 5, Until: 5}) {
		t.Fatalf("Expected no records for an empty range, got error %v", err)
	}
}

// TestLog_Broker runs against a real cluster when INGEST_KAFKA_BROKERS is set.
func TestFetchError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		outOfRange bool
	}{
		{name: "offset out of range", err: kerr.OffsetOutOfRange, outOfRange: true},
		{name: "other broker error", err: kerr.NotLeaderForPartition},
		{name: "transport error", err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fetchError(kgo.FetchError{Topic: "orders", Partition: 1, Err: tt.err})
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected %v to be wrapped, got %v", tt.err, err)
			}
			if got := errors.Is(err, ingest.ErrCheckpointOutOfRange); got != tt.outOfRange {
				t.Errorf("Expected out of range %v, got %v (%v)", tt.outOfRange, got, err)
			}
		})
	}
}

func TestCheckRangeStart(t *testing.T) {
	r := ingest.OffsetRange{Partition: 0, From: 4, Until: 10}

	tests := []struct {
		name     string
		first    int64
		earliest int64
		lookups  int
		wantErr  bool
	}{
		{name: "contiguous start", first: 5, lookups: 0},
		{name: "gap within retained log", first: 8, earliest: 2, lookups: 1},
		{name: "log start at range start", first: 8, earliest: 4, lookups: 1},
		{name: "trimmed after snapshot", first: 8, earliest: 7, lookups: 1, wantErr: true},
		{name: "whole range trimmed", first: 15, earliest: 14, lookups: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookups := 0
			err := checkRangeStart(tt.first, r, func() (int64, error) {
				lookups++
				return tt.earliest, nil
			})
			if tt.wantErr != (err != nil) {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, ingest.ErrCheckpointOutOfRange) {
				t.Errorf("Expected ErrCheckpointOutOfRange, got %v", err)
			}
			if lookups != tt.lookups {
				t.Errorf("Expected %d earliest lookups, got %d", tt.lookups, lookups)
			}
		})
	}

	lookupErr := errors.New("broker unavailable")
	err := checkRangeStart(9, r, func() (int64, error) { return 0, lookupErr })
	if !errors.Is(err, lookupErr) {
		t.Errorf("Expected lookup error, got %v", err)
	}
}

func TestLog_Broker(t *testing.T) {
	brokers := os.Getenv("INGEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("INGEST_KAFKA_BROKERS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	topic := fmt.Sprintf("ingest-test-%d", time.Now().UnixNano())
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.AllowAutoTopicCreation(),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		t.Fatalf("create producer: %v", err)
	}
	defer producer.Close()

	for i := 0; i < 5; i++ {
		rec := &kgo.Record{Topic: topic, Partition: 0, Value: []byte(fmt.Sprintf(`{"id":%d}`, i))}
		if err := producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}

	l, err := NewLog(Config{Brokers: strings.Split(brokers, ",")})
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	snap, err := l.Snapshot(ctx, topic)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.End[0] != 5 || snap.Earliest[0] != 0 {
		t.Fatalf("Expected bounds (0, 5], got (%d, %d]", snap.Earliest[0], snap.End[0])
	}

	var offsets []int64
	for rec, err := range l.Read(ctx, topic, ingest.OffsetRange{Partition: 0, From: 2, Until: 5}) {
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		offsets = append(offsets, rec.Offset)
	}
	if len(offsets) != 3 || offsets[0] != 3 || offsets[2] != 5 {
		t.Errorf("Expected positions 3..5, got %v", offsets)
	}
}
