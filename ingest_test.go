package ingest

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestCheckpoint_Immutable(t *testing.T) {
	offsets := map[int32]int64{0: 10}
	cp := NewCheckpoint(offsets)
	offsets[0] = 99

	if got, _ := cp.Offset(0); got != 10 {
		t.Errorf("Expected checkpoint to copy its input, got offset %d", got)
	}

	m := cp.Map()
	m[0] = 42
	if got, _ := cp.Offset(0); got != 10 {
		t.Errorf("Expected Map to return a copy, got offset %d", got)
	}
}

func TestCheckpoint_Advance(t *testing.T) {
	cp := NewCheckpoint(map[int32]int64{0: 10, 1: 5, 7: 3})

	next := cp.Advance([]OffsetRange{
		{Partition: 0, From: 10, Until: 20},
		{Partition: 1, From: 5, Until: 5},
		{Partition: 2, From: 0, Until: 3},
	})

	expected := NewCheckpoint(map[int32]int64{0: 20, 1: 5, 2: 3, 7: 3})
	if !next.Equal(expected) {
		t.Errorf("Expected %s, got %s", expected, next)
	}
	if got, _ := cp.Offset(0); got != 10 {
		t.Errorf("Expected Advance to leave the original unchanged, got offset %d", got)
	}
}

func TestCheckpoint_Partitions(t *testing.T) {
	cp := NewCheckpoint(map[int32]int64{3: 1, 0: 1, 11: 1, 2: 1})
	expected := []int32{0, 2, 3, 11}
	if got := cp.Partitions(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
	if cp.Len() != 4 || cp.IsEmpty() {
		t.Errorf("Unexpected length %d", cp.Len())
	}
	if !(Checkpoint{}).IsEmpty() {
		t.Error("Expected zero checkpoint to be empty")
	}
}

func TestCheckpoint_JSON(t *testing.T) {
	cp := NewCheckpoint(map[int32]int64{0: 10, 1: 5, 12: 9007199254740993})

	data, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"0":10,"1":5,"12":9007199254740993}` {
		t.Errorf("Unexpected JSON %s", data)
	}

	var decoded Checkpoint
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !decoded.Equal(cp) {
		t.Errorf("Expected %s after round trip, got %s", cp, decoded)
	}

	empty, err := json.Marshal(Checkpoint{})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(empty) != `{}` {
		t.Errorf("Expected {} for empty checkpoint, got %s", empty)
	}
}

func TestCheckpoint_UnmarshalInvalid(t *testing.T) {
	for _, input := range []string{`{"0":-1}`, `{"x":1}`, `[1]`} {
		var cp Checkpoint
		if err := json.Unmarshal([]byte(input), &cp); err == nil {
			t.Errorf("Expected error unmarshaling %s", input)
		}
	}
}

func TestFormatCheckpoint(t *testing.T) {
	cp := NewCheckpoint(map[int32]int64{1: 5, 0: 10})
	if got := FormatCheckpoint("orders", cp); got != "orders,0:10,1:5" {
		t.Errorf("Unexpected format %q", got)
	}
	if got := FormatCheckpoint("orders", Checkpoint{}); got != "orders" {
		t.Errorf("Unexpected format for empty checkpoint %q", got)
	}
}

func TestParseCheckpoint(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantTopic string
		want      map[int32]int64
		wantErr   bool
	}{
		{name: "offsets", input: "orders,0:10,1:5", wantTopic: "orders", want: map[int32]int64{0: 10, 1: 5}},
		{name: "topic only", input: "orders", wantTopic: "orders", want: map[int32]int64{}},
		{name: "surrounding space", input: " orders,3:0 ", wantTopic: "orders", want: map[int32]int64{3: 0}},
		{name: "missing topic", input: ",0:10", wantErr: true},
		{name: "missing colon", input: "orders,0", wantErr: true},
		{name: "bad partition", input: "orders,x:1", wantErr: true},
		{name: "bad offset", input: "orders,0:y", wantErr: true},
		{name: "negative offset", input: "orders,0:-1", wantErr: true},
		{name: "duplicate partition", input: "orders,0:1,0:2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, cp, err := ParseCheckpoint(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error parsing %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCheckpoint(%q) failed: %v", tt.input, err)
			}
			if topic != tt.wantTopic {
				t.Errorf("Expected topic %q, got %q", tt.wantTopic, topic)
			}
			if !cp.Equal(NewCheckpoint(tt.want)) {
				t.Errorf("Expected %v, got %s", tt.want, cp)
			}
		})
	}
}

func TestParseCheckpoint_RoundTrip(t *testing.T) {
	cp := NewCheckpoint(map[int32]int64{0: 1, 5: 500, 2: 0})
	topic, parsed, err := ParseCheckpoint(FormatCheckpoint("events", cp))
	if err != nil {
		t.Fatalf("ParseCheckpoint failed: %v", err)
	}
	if topic != "events" || !parsed.Equal(cp) {
		t.Errorf("Expected events %s, got %s %s", cp, topic, parsed)
	}
}

func TestOffsetRange(t *testing.T) {
	r := OffsetRange{Partition: 2, From: 10, Until: 20}
	if r.Count() != 10 || r.IsEmpty() {
		t.Errorf("Unexpected count %d for %s", r.Count(), r)
	}
	if r.String() != "p2(10,20]" {
		t.Errorf("Unexpected string %q", r.String())
	}

	empty := OffsetRange{Partition: 1, From: 5, Until: 5}
	if !empty.IsEmpty() || empty.Count() != 0 {
		t.Errorf("Expected %s to be empty", empty)
	}

	ranges := []OffsetRange{r, empty}
	if TotalCount(ranges) != 10 {
		t.Errorf("Expected total 10, got %d", TotalCount(ranges))
	}
	if AllEmpty(ranges) {
		t.Error("Expected ranges not to be all empty")
	}
	if !AllEmpty([]OffsetRange{empty}) || !AllEmpty(nil) {
		t.Error("Expected empty ranges to be all empty")
	}
}

func TestPartitionPosition_Less(t *testing.T) {
	a := PartitionPosition{Partition: 0, Offset: 9}
	b := PartitionPosition{Partition: 1, Offset: 1}
	c := PartitionPosition{Partition: 1, Offset: 2}
	if !a.Less(b) || !b.Less(c) || c.Less(a) || a.Less(a) {
		t.Error("Unexpected ordering of partition positions")
	}
	if b.String() != "p1@1" {
		t.Errorf("Unexpected string %q", b.String())
	}
}
